package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheResult captures the outcome of a cache operation.
type CacheResult string

const (
	CacheResultHit    CacheResult = "hit"
	CacheResultMiss   CacheResult = "miss"
	CacheResultStored CacheResult = "stored"
	CacheResultError  CacheResult = "error"
)

// Direction labels the websocket relay direction.
type Direction string

const (
	DirectionInbound  Direction = "client_to_upstream"
	DirectionOutbound Direction = "upstream_to_client"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	proxyRequests *prometheus.CounterVec
	proxyLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec

	rateLimitDecisions *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	wsConnections *prometheus.GaugeVec
	wsMessages    *prometheus.CounterVec
	wsBytes       *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	proxyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total proxied requests processed by the pipeline.",
	}, []string{"service", "outcome", "status_code", "cache"})

	proxyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relaygate",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed proxied requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"service", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the proxy engine.",
	}, []string{"operation", "result"})

	rateLimitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter verdicts per service.",
	}, []string{"service", "result"})

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relaygate",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit state per backend service (0 closed, 1 half-open, 2 open).",
	}, []string{"service"})

	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit state transitions per backend service.",
	}, []string{"service", "to"})

	wsConnections := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relaygate",
		Subsystem: "websocket",
		Name:      "connections",
		Help:      "Live relayed websocket connections per service.",
	}, []string{"service"})

	wsMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Relayed websocket messages per direction.",
	}, []string{"service", "direction"})

	wsBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaygate",
		Subsystem: "websocket",
		Name:      "bytes_total",
		Help:      "Relayed websocket payload bytes per direction.",
	}, []string{"service", "direction"})

	reg.MustRegister(
		proxyRequests, proxyLatency,
		cacheOperations, rateLimitDecisions,
		breakerState, breakerTransitions,
		wsConnections, wsMessages, wsBytes,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		proxyRequests:      proxyRequests,
		proxyLatency:       proxyLatency,
		cacheOperations:    cacheOperations,
		rateLimitDecisions: rateLimitDecisions,
		breakerState:       breakerState,
		breakerTransitions: breakerTransitions,
		wsConnections:      wsConnections,
		wsMessages:         wsMessages,
		wsBytes:            wsBytes,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveProxy records the outcome and latency for a completed proxied request.
func (r *Recorder) ObserveProxy(service, outcome string, statusCode int, cacheHit bool, duration time.Duration) {
	if r == nil {
		return
	}
	serviceLabel := normalizeLabel(service)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "miss"
	if cacheHit {
		cacheLabel = "hit"
	}
	r.proxyRequests.WithLabelValues(serviceLabel, outcomeLabel, statusLabel, cacheLabel).Inc()
	r.proxyLatency.WithLabelValues(serviceLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCache records the result of a cache operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheResultError)
	}
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
}

// ObserveRateLimit records a limiter verdict.
func (r *Recorder) ObserveRateLimit(service string, allowed bool) {
	if r == nil {
		return
	}
	result := "throttled"
	if allowed {
		result = "allowed"
	}
	r.rateLimitDecisions.WithLabelValues(normalizeLabel(service), result).Inc()
}

// ObserveBreakerState publishes the current circuit state for a service.
func (r *Recorder) ObserveBreakerState(service string, state float64) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(normalizeLabel(service)).Set(state)
}

// ObserveBreakerTransition counts a circuit transition into the named state.
func (r *Recorder) ObserveBreakerTransition(service, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(normalizeLabel(service), normalizeLabel(to)).Inc()
}

// WebSocketOpened increments the live connection gauge for a service.
func (r *Recorder) WebSocketOpened(service string) {
	if r == nil {
		return
	}
	r.wsConnections.WithLabelValues(normalizeLabel(service)).Inc()
}

// WebSocketClosed decrements the live connection gauge for a service.
func (r *Recorder) WebSocketClosed(service string) {
	if r == nil {
		return
	}
	r.wsConnections.WithLabelValues(normalizeLabel(service)).Dec()
}

// ObserveWebSocketMessage counts one relayed message and its payload size.
func (r *Recorder) ObserveWebSocketMessage(service string, direction Direction, bytes int) {
	if r == nil {
		return
	}
	serviceLabel := normalizeLabel(service)
	r.wsMessages.WithLabelValues(serviceLabel, string(direction)).Inc()
	r.wsBytes.WithLabelValues(serviceLabel, string(direction)).Add(float64(bytes))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
