package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hivelab/gateway/internal/breaker"
)

// Metrics is the gateway's observability surface, registered on a private
// registry so tests can assemble isolated instances.
type Metrics struct {
	Requests             *prometheus.CounterVec
	Duration             *prometheus.HistogramVec
	RateLimitRejections  *prometheus.CounterVec
	RateLimitStoreErrors prometheus.Counter
	BlocklistErrors      prometheus.Counter
	BreakerState         *prometheus.GaugeVec
	UpstreamFailures     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests processed by the gateway",
		}, []string{"route", "method", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency through the full chain",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ratelimit_rejections_total",
			Help: "Requests rejected by a rate-limit policy",
		}, []string{"policy"}),
		RateLimitStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ratelimit_store_errors_total",
			Help: "Rate-limit store failures handled by failing open",
		}),
		BlocklistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_blocklist_errors_total",
			Help: "Token blocklist store failures handled by failing open",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per upstream (0=closed, 1=half-open, 2=open)",
		}, []string{"upstream"}),
		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_failures_total",
			Help: "Upstream call failures by reason",
		}, []string{"upstream", "reason"}),
	}
	reg.MustRegister(
		m.Requests,
		m.Duration,
		m.RateLimitRejections,
		m.RateLimitStoreErrors,
		m.BlocklistErrors,
		m.BreakerState,
		m.UpstreamFailures,
	)
	return m
}

// ObserveBreaker is the transition hook wired into the breaker registry.
func (m *Metrics) ObserveBreaker(name string, s breaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(s))
}
