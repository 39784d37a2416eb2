package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/isoreg/internal/model"
)

const (
	unmatched = "unmatched"

	// scope_type label values besides the scope types themselves.
	scopeTypeNone  = "none"
	scopeTypeOther = "other"

	// format label values of uploaded resource sets.
	uploadJSON    = "json"
	uploadArchive = "archive"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isoreg_http_requests_total",
			Help: "Total number of HTTP requests, by route, addressed scope type and status.",
		},
		[]string{"method", "route", "scope_type", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isoreg_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	uploadedBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isoreg_api_uploaded_bytes",
			Help:    "Total content size of accepted resource set uploads.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"format"},
	)

	eventStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "isoreg_api_event_streams",
			Help: "Number of open scope event streams.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(uploadedBytes)
	prometheus.MustRegister(eventStreams)

	uploadedBytes.WithLabelValues(uploadJSON)
	uploadedBytes.WithLabelValues(uploadArchive)
}

// metricsMiddleware records request count and duration. Labels use the chi
// route pattern and the scope type of /v1/scopes routes, never raw paths.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, scopeTypeLabel(r), strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// scopeTypeLabel maps the {type} path parameter onto the known scope types.
func scopeTypeLabel(r *http.Request) string {
	switch t := chi.URLParam(r, "type"); t {
	case "":
		return scopeTypeNone
	case model.ScopeGlobal, model.ScopeTenant, model.ScopeProcess:
		return t
	default:
		return scopeTypeOther
	}
}

func observeUpload(format string, bytes int) {
	uploadedBytes.WithLabelValues(format).Observe(float64(bytes))
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
