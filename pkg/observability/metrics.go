// Package observability provides the HTTP-level Prometheus metrics of the
// drivercore API server. Registry, dispatch and autostart metrics live in
// their own packages.
package observability

import "github.com/prometheus/client_golang/prometheus"

// DispatchBuckets spans quick REST lookups up to slow model-facing backends.
var DispatchBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

var (
	// RequestsTotal counts API requests by method, route and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivercore_http_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records API request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivercore_http_request_duration_seconds",
			Help:    "API request duration",
			Buckets: DispatchBuckets,
		},
		[]string{"method", "route"},
	)

	// InFlightDispatches tracks dispatches currently being served.
	InFlightDispatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivercore_http_dispatches_in_flight",
			Help: "Dispatch requests in flight",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivercore_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		InFlightDispatches,
		RateLimitRejectedTotal,
	)
}
