package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pwacache/internal/domain/swcache"
	"pwacache/internal/ports"
	"pwacache/internal/ttlcache"
)

const namespace = "pwacache"

// Prometheus records interception, lifecycle and TTL cache metrics on its own
// registry.
type Prometheus struct {
	registry *prometheus.Registry

	responses      *prometheus.CounterVec
	lifecycle      *prometheus.CounterVec
	activeVersion  *prometheus.GaugeVec
	evictions      *prometheus.CounterVec
	ttlRequests    *prometheus.CounterVec
	ttlFetchErrors prometheus.Counter
	ttlEvictions   *prometheus.CounterVec
}

var _ ports.Metrics = (*Prometheus)(nil)

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		registry: reg,
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses served by the strategy engine.",
		}, []string{"class", "strategy", "cache_status"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle state transitions of cache versions.",
		}, []string{"state"}),
		activeVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_version",
			Help:      "Set to 1 for the cache version in control.",
		}, []string{"version"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "namespace_evictions_total",
			Help:      "Stored responses evicted by bucket capacity.",
		}, []string{"bucket"}),
		ttlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ttl",
			Name:      "requests_total",
			Help:      "TTL cache lookups by outcome.",
		}, []string{"result"}),
		ttlFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ttl",
			Name:      "fetch_errors_total",
			Help:      "Failed TTL cache network calls.",
		}),
		ttlEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ttl",
			Name:      "evictions_total",
			Help:      "TTL cache entries removed by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.responses,
		p.lifecycle,
		p.activeVersion,
		p.evictions,
		p.ttlRequests,
		p.ttlFetchErrors,
		p.ttlEvictions,
	)
	return p
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) ObserveResponse(class swcache.ResourceClass, strategy swcache.Strategy, cacheStatus string) {
	p.responses.WithLabelValues(string(class), string(strategy), cacheStatus).Inc()
}

func (p *Prometheus) ObserveLifecycle(version string, state swcache.LifecycleState) {
	p.lifecycle.WithLabelValues(string(state)).Inc()
	switch state {
	case swcache.StateActive:
		p.activeVersion.Reset()
		p.activeVersion.WithLabelValues(version).Set(1)
	case swcache.StateRedundant:
		p.activeVersion.DeleteLabelValues(version)
	}
}

func (p *Prometheus) ObserveEviction(ns swcache.Namespace, removed int) {
	p.evictions.WithLabelValues(string(ns.Bucket)).Add(float64(removed))
}

// TTL adapts the registry to ttlcache.Metrics.
func (p *Prometheus) TTL() ttlcache.Metrics {
	return ttlMetrics{p: p}
}

type ttlMetrics struct{ p *Prometheus }

func (m ttlMetrics) CacheHit()     { m.p.ttlRequests.WithLabelValues("hit").Inc() }
func (m ttlMetrics) CacheMiss()    { m.p.ttlRequests.WithLabelValues("miss").Inc() }
func (m ttlMetrics) Deduplicated() { m.p.ttlRequests.WithLabelValues("deduplicated").Inc() }
func (m ttlMetrics) FetchFailed()  { m.p.ttlFetchErrors.Inc() }

func (m ttlMetrics) Evicted(reason string, n int) {
	m.p.ttlEvictions.WithLabelValues(reason).Add(float64(n))
}
