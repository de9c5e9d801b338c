// Package gateway drives the proxy pipeline: registry resolution followed by
// an ordered list of stages, each of which either passes or produces the
// final response.
package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/gateway/pipeline"
	"github.com/relaygate/relaygate/internal/identity"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/security"
)

// Authenticator is the credential-resolution surface the auth stage needs.
// *identity.Resolver satisfies it; tests substitute counting fakes.
type Authenticator interface {
	Authenticate(r *http.Request, mode registry.AuthMode) (identity.Identity, error)
}

// httpDoer abstracts the upstream HTTP client for tests.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options wires the gateway's collaborators.
type Options struct {
	Registry        *registry.Registry
	Filter          *security.Filter
	Auth            Authenticator
	Limiter         ratelimit.Limiter
	Cache           cache.Store
	Breakers        *breaker.Manager
	Metrics         *metrics.Recorder
	RequestIDHeader string
	Client          httpDoer
}

// Gateway is the HTTP proxy engine. One instance serves every routed prefix.
type Gateway struct {
	logger          *slog.Logger
	registry        *registry.Registry
	metrics         *metrics.Recorder
	requestIDHeader string
	stages          []pipeline.Stage
}

// New assembles the stage chain in its fixed order: security, auth, rate
// limit, cache lookup, upstream forward.
func New(logger *slog.Logger, opts Options) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	requestIDHeader := strings.TrimSpace(opts.RequestIDHeader)
	if requestIDHeader == "" {
		requestIDHeader = "X-Request-ID"
	}

	g := &Gateway{
		logger:          logger.With(slog.String("stage", "pipeline")),
		registry:        opts.Registry,
		metrics:         opts.Metrics,
		requestIDHeader: requestIDHeader,
	}

	stages := []pipeline.Stage{
		&securityStage{filter: opts.Filter, logger: logger.With(slog.String("stage", "security"))},
		&authStage{auth: opts.Auth},
		&rateLimitStage{limiter: opts.Limiter, metrics: opts.Metrics, logger: logger.With(slog.String("stage", "rate_limit"))},
		&cacheStage{cache: opts.Cache, metrics: opts.Metrics, logger: logger.With(slog.String("stage", "cache"))},
		&upstreamStage{
			client:          client,
			breakers:        opts.Breakers,
			cache:           opts.Cache,
			metrics:         opts.Metrics,
			logger:          logger.With(slog.String("stage", "upstream")),
			requestIDHeader: requestIDHeader,
		},
	}
	g.stages = g.instrumentStages(stages)
	return g
}

// ServeHTTP resolves the target service and runs the pipeline. Stages execute
// strictly in order within the request's goroutine; the first short-circuit
// ends the run.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := g.requestID(r)

	svc, ok := g.registry.Resolve(r.URL.Path)
	if !ok {
		state := pipeline.NewState(requestID, nil)
		state.Outcome = pipeline.OutcomeNotFound
		state.RespondError(http.StatusNotFound, "not_found", "no service registered for path")
		g.writeResponse(w, r, state)
		return
	}

	state := pipeline.NewState(requestID, svc)
	for _, stage := range g.stages {
		result := stage.Execute(r.Context(), r, state)
		if result.Status == pipeline.StatusShortCircuit {
			break
		}
	}

	if !state.Done {
		// Every stage passed without the upstream stage responding; that is a
		// gap in the taxonomy, not a caller problem.
		g.logger.Error("pipeline did not render a response",
			slog.String("request_id", requestID),
			slog.String("service", svc.Name),
		)
		state.Outcome = pipeline.OutcomeInternalError
		state.RespondError(http.StatusInternalServerError, "internal_error", "pipeline did not render a response")
	}

	g.writeResponse(w, r, state)
}

func (g *Gateway) requestID(r *http.Request) string {
	if candidate := strings.TrimSpace(r.Header.Get(g.requestIDHeader)); candidate != "" {
		return candidate
	}
	return uuid.NewString()
}

func (g *Gateway) writeResponse(w http.ResponseWriter, r *http.Request, state *pipeline.State) {
	// A disconnected caller has nothing to write to; keep the log and metric
	// observations and skip the wire.
	if r.Context().Err() == nil {
		for k, v := range state.Response.Headers {
			w.Header().Set(k, v)
		}
		w.Header().Set(g.requestIDHeader, state.RequestID)
		w.WriteHeader(state.Response.Status)
		if len(state.Response.Body) > 0 && r.Method != http.MethodHead {
			if _, err := w.Write(state.Response.Body); err != nil {
				g.logger.Error("response write failed",
					slog.String("request_id", state.RequestID),
					slog.Any("error", err),
				)
			}
		}
	}

	duration := time.Since(state.StartedAt)
	serviceName := ""
	if state.Service != nil {
		serviceName = state.Service.Name
	}

	g.logger.Info("pipeline completed",
		slog.String("request_id", state.RequestID),
		slog.String("service", serviceName),
		slog.String("outcome", state.Outcome),
		slog.Int("http_status", state.Response.Status),
		slog.Bool("from_cache", state.CacheHit),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	g.metrics.ObserveProxy(serviceName, state.Outcome, state.Response.Status, state.CacheHit, duration)
}
