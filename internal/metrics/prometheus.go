package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder records metrics into a Prometheus registry.
// Metric names match the in-memory exposition.
type PrometheusRecorder struct {
	gatherer prometheus.Gatherer

	sessionsResolved *prometheus.CounterVec
	resolveDuration  prometheus.Histogram
	usersProvisioned prometheus.Counter
	keysValidated    *prometheus.CounterVec
	keysCreated      prometheus.Counter
	keysRevoked      prometheus.Counter
	keysDeleted      prometheus.Counter
	keysRotated      prometheus.Counter
	usageDropped     prometheus.Counter
}

// NewPrometheus registers the application metrics on reg.
// A nil reg gets a fresh registry with the Go and process collectors.
func NewPrometheus(reg *prometheus.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &PrometheusRecorder{
		gatherer: reg,
		sessionsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tensorhub_sessions_resolved_total",
			Help: "Session resolutions by outcome",
		}, []string{"outcome"}),
		resolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tensorhub_session_resolve_duration_seconds",
			Help:    "Time spent resolving a session to a user",
			Buckets: prometheus.DefBuckets,
		}),
		usersProvisioned: f.NewCounter(prometheus.CounterOpts{
			Name: "tensorhub_users_provisioned_total",
			Help: "Users created on first sight of an identity subject",
		}),
		keysValidated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tensorhub_api_keys_validated_total",
			Help: "API key validations by outcome",
		}, []string{"outcome"}),
		keysCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "tensorhub_api_keys_created_total",
			Help: "API keys created",
		}),
		keysRevoked: f.NewCounter(prometheus.CounterOpts{
			Name: "tensorhub_api_keys_revoked_total",
			Help: "API keys revoked",
		}),
		keysDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "tensorhub_api_keys_deleted_total",
			Help: "API keys permanently deleted",
		}),
		keysRotated: f.NewCounter(prometheus.CounterOpts{
			Name: "tensorhub_api_keys_rotated_total",
			Help: "API keys rotated",
		}),
		usageDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tensorhub_api_key_usage_updates_dropped_total",
			Help: "API key usage updates that failed or timed out",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) IncSessionResolved(outcome string) {
	p.sessionsResolved.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveSessionResolveDuration(duration time.Duration) {
	p.resolveDuration.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncUserProvisioned() { p.usersProvisioned.Inc() }

func (p *PrometheusRecorder) IncAPIKeyValidated(outcome string) {
	p.keysValidated.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncAPIKeyCreated()      { p.keysCreated.Inc() }
func (p *PrometheusRecorder) IncAPIKeyRevoked()      { p.keysRevoked.Inc() }
func (p *PrometheusRecorder) IncAPIKeyDeleted()      { p.keysDeleted.Inc() }
func (p *PrometheusRecorder) IncAPIKeyRotated()      { p.keysRotated.Inc() }
func (p *PrometheusRecorder) IncAPIKeyUsageDropped() { p.usageDropped.Inc() }
