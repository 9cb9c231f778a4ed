package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MetricBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "webshield", Name: "firewall_blocks_total", Help: "Requests blocked by the firewall"},
		[]string{"reason"},
	)
	MetricRequestsInspected = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "webshield", Name: "requests_inspected_total", Help: "Requests run through the inspection pipeline"},
	)
	MetricLockoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "webshield", Name: "login_lockouts_total", Help: "IPs locked out for repeated failed logins"},
	)
	MetricFailedLogins = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "webshield", Name: "failed_logins_total", Help: "Failed login attempts recorded"},
	)
	MetricTOTPVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "webshield", Name: "totp_verifications_total", Help: "Second-factor verification attempts"},
		[]string{"result"},
	)
	MetricHttpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webshield",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
	MetricRedisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webshield",
			Name:      "redis_op_duration_seconds",
			Help:      "Latency of Redis operations in seconds",
			Buckets:   []float64{.001, .002, .005, .01, .02, .05, .1},
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(MetricBlocksTotal)
	prometheus.MustRegister(MetricRequestsInspected)
	prometheus.MustRegister(MetricLockoutsTotal)
	prometheus.MustRegister(MetricFailedLogins)
	prometheus.MustRegister(MetricTOTPVerifications)
	prometheus.MustRegister(MetricHttpDuration)
	prometheus.MustRegister(MetricRedisDuration)
}
