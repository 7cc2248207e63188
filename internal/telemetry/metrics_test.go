package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.AgentCall("brave", "success", 120*time.Millisecond, 1)
	m.CacheHit()
	m.CacheMiss()
	m.BreakerTransition("brave", "open", 1)
	m.PipelineFinished("complete", time.Second, 12, 8)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`corpus_agent_calls_total{agent="brave",status="success"} 1`,
		`corpus_cache_lookups_total{result="hit"} 1`,
		`corpus_breaker_state{upstream="brave"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.AgentCall("x", "failure", 0, 0)
	m.CacheWriteFailed()
	m.SubscriberDropped()
	m.SubscribersChanged(1)
	if m.Registry() != nil {
		t.Fatalf("nil metrics should expose no registry")
	}
}
