package metrics

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveProxy(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveProxy("users", "proxied", 200, false, 250*time.Millisecond)

	families := gather(t, rec, "relaygate_proxy_requests_total", "relaygate_proxy_request_duration_seconds")

	counter := findMetric(t, families["relaygate_proxy_requests_total"], map[string]string{
		"service":     "users",
		"outcome":     "proxied",
		"status_code": "200",
		"cache":       "miss",
	})
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["relaygate_proxy_request_duration_seconds"], map[string]string{
		"service": "users",
		"outcome": "proxied",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram for proxy latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	if diff := math.Abs(hist.GetSampleSum() - 0.25); diff > 0.001 {
		t.Fatalf("expected histogram sum near 0.25, got %v", hist.GetSampleSum())
	}
}

func TestRecorderObserveCache(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCache(CacheOperationLookup, CacheResultHit)
	rec.ObserveCache(CacheOperationStore, CacheResultStored)

	families := gather(t, rec, "relaygate_cache_operations_total")

	hit := findMetric(t, families["relaygate_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationLookup),
		"result":    string(CacheResultHit),
	})
	if got := hit.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}

	stored := findMetric(t, families["relaygate_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationStore),
		"result":    string(CacheResultStored),
	})
	if got := stored.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected store counter 1, got %v", got)
	}
}

func TestRecorderObserveRateLimit(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRateLimit("users", true)
	rec.ObserveRateLimit("users", false)
	rec.ObserveRateLimit("users", false)

	families := gather(t, rec, "relaygate_ratelimit_decisions_total")

	allowed := findMetric(t, families["relaygate_ratelimit_decisions_total"], map[string]string{
		"service": "users",
		"result":  "allowed",
	})
	if got := allowed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 allowed decision, got %v", got)
	}

	throttled := findMetric(t, families["relaygate_ratelimit_decisions_total"], map[string]string{
		"service": "users",
		"result":  "throttled",
	})
	if got := throttled.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 throttled decisions, got %v", got)
	}
}

func TestRecorderBreakerMetrics(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveBreakerState("users", 2)
	rec.ObserveBreakerTransition("users", "open")

	families := gather(t, rec, "relaygate_breaker_state", "relaygate_breaker_transitions_total")

	state := findMetric(t, families["relaygate_breaker_state"], map[string]string{"service": "users"})
	if got := state.GetGauge().GetValue(); got != 2 {
		t.Fatalf("expected gauge 2, got %v", got)
	}

	transition := findMetric(t, families["relaygate_breaker_transitions_total"], map[string]string{
		"service": "users",
		"to":      "open",
	})
	if got := transition.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
}

func TestRecorderWebSocketMetrics(t *testing.T) {
	rec := NewRecorder(nil)
	rec.WebSocketOpened("feed")
	rec.WebSocketOpened("feed")
	rec.WebSocketClosed("feed")
	rec.ObserveWebSocketMessage("feed", DirectionInbound, 128)

	families := gather(t, rec,
		"relaygate_websocket_connections",
		"relaygate_websocket_messages_total",
		"relaygate_websocket_bytes_total",
	)

	conns := findMetric(t, families["relaygate_websocket_connections"], map[string]string{"service": "feed"})
	if got := conns.GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected 1 live connection, got %v", got)
	}

	messages := findMetric(t, families["relaygate_websocket_messages_total"], map[string]string{
		"service":   "feed",
		"direction": string(DirectionInbound),
	})
	if got := messages.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 message, got %v", got)
	}

	bytes := findMetric(t, families["relaygate_websocket_bytes_total"], map[string]string{
		"service":   "feed",
		"direction": string(DirectionInbound),
	})
	if got := bytes.GetCounter().GetValue(); got != 128 {
		t.Fatalf("expected 128 bytes, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveProxy("users", "proxied", 200, false, time.Millisecond)
	rec.ObserveCache(CacheOperationLookup, CacheResultMiss)
	rec.ObserveRateLimit("users", true)
	rec.ObserveBreakerState("users", 0)
	rec.ObserveBreakerTransition("users", "closed")
	rec.WebSocketOpened("feed")
	rec.WebSocketClosed("feed")
	rec.ObserveWebSocketMessage("feed", DirectionOutbound, 1)

	recorder := httptest.NewRecorder()
	rec.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	if recorder.Code != 503 {
		t.Fatalf("expected nil recorder handler to answer 503, got %d", recorder.Code)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveProxy("users", "proxied", 200, false, time.Millisecond)

	recorder := httptest.NewRecorder()
	rec.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	if recorder.Code != 200 {
		t.Fatalf("expected 200 from exposition handler, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "relaygate_proxy_requests_total") {
		t.Fatalf("expected exposition body to list the proxy counter")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
