package cluster

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for delivery results.
const (
	resultOK    = "ok"
	resultError = "error"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoreg_cluster_deliveries_total",
			Help: "Total number of refresh commands delivered to peers, by result.",
		},
		[]string{"result"},
	)

	deliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "isoreg_cluster_delivery_seconds",
			Help:    "Duration of one refresh command delivery to a peer, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(deliveryDuration)

	deliveriesTotal.WithLabelValues(resultOK)
	deliveriesTotal.WithLabelValues(resultError)
}

func observeDelivery(err error, d time.Duration) {
	deliveryDuration.Observe(d.Seconds())
	if err != nil {
		deliveriesTotal.WithLabelValues(resultError).Inc()
		return
	}
	deliveriesTotal.WithLabelValues(resultOK).Inc()
}
