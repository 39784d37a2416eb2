package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation label values.
const (
	opCreate  = "create"
	opRefresh = "refresh"
	opRemove  = "remove"

	resultOK    = "ok"
	resultError = "error"
)

var (
	registeredScopes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isoreg_registry_scopes",
			Help: "Number of scopes with a registered loading context.",
		},
	)

	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoreg_registry_operations_total",
			Help: "Total number of registry operations, by operation and result.",
		},
		[]string{"op", "result"},
	)

	materializeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "isoreg_registry_materialize_seconds",
			Help:    "Duration of building one concrete loading context, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(registeredScopes)
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(materializeDuration)

	for _, op := range []string{opCreate, opRefresh, opRemove} {
		operationsTotal.WithLabelValues(op, resultOK)
		operationsTotal.WithLabelValues(op, resultError)
	}
}

func observeOp(op string, err error) {
	if err != nil {
		operationsTotal.WithLabelValues(op, resultError).Inc()
		return
	}
	operationsTotal.WithLabelValues(op, resultOK).Inc()
}

func observeMaterialize(start time.Time) {
	materializeDuration.Observe(time.Since(start).Seconds())
}
