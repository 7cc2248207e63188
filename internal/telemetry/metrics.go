package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's prometheus collectors in a dedicated registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	agentCalls       *prometheus.CounterVec
	agentLatency     *prometheus.HistogramVec
	agentAttempts    *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	breakerChanges   *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	cacheEvictions   prometheus.Counter
	cacheWriteErrors prometheus.Counter
	cacheEntries     prometheus.Gauge
	pipelineDuration *prometheus.HistogramVec
	pipelineHits     *prometheus.HistogramVec
	progressDropped  prometheus.Counter
	subscribers      prometheus.Gauge
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		agentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corpus", Name: "agent_calls_total", Help: "Agent searches by outcome.",
		}, []string{"agent", "status"}),
		agentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corpus", Name: "agent_latency_seconds", Help: "Agent search latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),
		agentAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corpus", Name: "agent_attempts", Help: "Attempts used per agent search.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}, []string{"agent"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corpus", Name: "breaker_state", Help: "Circuit state per upstream (0 closed, 1 open, 2 half-open).",
		}, []string{"upstream"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corpus", Name: "breaker_transitions_total", Help: "Circuit state transitions.",
		}, []string{"upstream", "to"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corpus", Name: "cache_lookups_total", Help: "Cache reads by result.",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corpus", Name: "cache_evictions_total", Help: "Entries removed by expiry or size pressure.",
		}),
		cacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corpus", Name: "cache_write_failures_total", Help: "Cache writes that failed.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corpus", Name: "cache_entries", Help: "Entries in the backing store after the last sweep.",
		}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corpus", Name: "pipeline_duration_seconds", Help: "Aggregation wall time by final status.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"status"}),
		pipelineHits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corpus", Name: "pipeline_results", Help: "Result counts per aggregation stage.",
			Buckets: []float64{0, 5, 10, 25, 50, 100, 200, 300},
		}, []string{"stage"}),
		progressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corpus", Name: "progress_dropped_subscribers_total", Help: "Subscribers dropped for overflow or delivery errors.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corpus", Name: "progress_subscribers", Help: "Live progress subscribers.",
		}),
	}
	reg.MustRegister(
		m.agentCalls, m.agentLatency, m.agentAttempts,
		m.breakerState, m.breakerChanges,
		m.cacheLookups, m.cacheEvictions, m.cacheWriteErrors, m.cacheEntries,
		m.pipelineDuration, m.pipelineHits,
		m.progressDropped, m.subscribers,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AgentCall(agent, status string, latency time.Duration, attempts int) {
	if m == nil {
		return
	}
	m.agentCalls.WithLabelValues(agent, status).Inc()
	m.agentLatency.WithLabelValues(agent).Observe(latency.Seconds())
	if attempts > 0 {
		m.agentAttempts.WithLabelValues(agent).Observe(float64(attempts))
	}
}

// BreakerTransition records a circuit change; state is 0 closed, 1 open, 2 half-open.
func (m *Metrics) BreakerTransition(upstream, to string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(upstream).Set(float64(state))
	m.breakerChanges.WithLabelValues(upstream, to).Inc()
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheLookups.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) CacheEvicted(n int) {
	if m != nil && n > 0 {
		m.cacheEvictions.Add(float64(n))
	}
}

func (m *Metrics) CacheWriteFailed() {
	if m != nil {
		m.cacheWriteErrors.Inc()
	}
}

func (m *Metrics) CacheEntries(n int) {
	if m != nil {
		m.cacheEntries.Set(float64(n))
	}
}

// PipelineFinished records one aggregation run.
func (m *Metrics) PipelineFinished(status string, elapsed time.Duration, original, final int) {
	if m == nil {
		return
	}
	m.pipelineDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	m.pipelineHits.WithLabelValues("original").Observe(float64(original))
	m.pipelineHits.WithLabelValues("final").Observe(float64(final))
}

func (m *Metrics) SubscriberDropped() {
	if m != nil {
		m.progressDropped.Inc()
	}
}

func (m *Metrics) SubscribersChanged(delta int) {
	if m != nil {
		m.subscribers.Add(float64(delta))
	}
}
