package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/security"
	"github.com/relaygate/relaygate/internal/ws"
)

// CredentialSource reports how many API credentials are currently loaded.
// *identity.Resolver satisfies it.
type CredentialSource interface {
	CredentialCount() int
}

// RouterOptions collects the handlers and introspection surfaces the router
// dispatches to.
type RouterOptions struct {
	Gateway          http.Handler
	WebSocket        http.Handler
	Metrics          http.Handler
	Filter           *security.Filter
	Breakers         *breaker.Manager
	Cache            cache.Store
	Credentials      CredentialSource
	Guard            config.GuardConfig
	ReadinessTimeout time.Duration
}

type router struct {
	logger *slog.Logger
	opts   RouterOptions
	guard  *rate.Limiter
}

// NewRouter builds the top-level dispatcher: liveness and readiness probes,
// the gated operational endpoints, the websocket relay prefix, and the proxy
// pipeline for everything else. A process-wide rate guard fronts the whole
// surface when configured.
func NewRouter(logger *slog.Logger, opts RouterOptions) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &router{
		logger: logger.With(slog.String("stage", "router")),
		opts:   opts,
	}
	if opts.Guard.RequestsPerSecond > 0 {
		burst := opts.Guard.Burst
		if burst <= 0 {
			burst = int(opts.Guard.RequestsPerSecond)
		}
		rt.guard = rate.NewLimiter(rate.Limit(opts.Guard.RequestsPerSecond), burst)
	}
	return rt
}

func (rt *router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rt.guard != nil && !rt.guard.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "gateway is saturated, retry later", http.StatusTooManyRequests)
		return
	}

	switch {
	case r.URL.Path == "/healthz":
		rt.serveLiveness(w, r)
	case r.URL.Path == "/readyz":
		rt.serveReadiness(w, r)
	case r.URL.Path == "/internal/health":
		rt.gated(rt.serveHealthDetail)(w, r)
	case r.URL.Path == "/metrics":
		rt.gated(rt.serveMetrics)(w, r)
	case r.URL.Path == ws.Prefix || strings.HasPrefix(r.URL.Path, ws.Prefix+"/"):
		rt.opts.WebSocket.ServeHTTP(w, r)
	default:
		rt.opts.Gateway.ServeHTTP(w, r)
	}
}

// gated restricts a handler to callers on the configured internal networks.
func (rt *router) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rt.opts.Filter != nil && !rt.opts.Filter.AllowsInternal(r.RemoteAddr) {
			rt.logger.Warn("internal endpoint rejected",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (rt *router) serveLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveReadiness reports ready only while the shared store answers pings.
func (rt *router) serveReadiness(w http.ResponseWriter, r *http.Request) {
	timeout := rt.opts.ReadinessTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	if rt.opts.Cache != nil {
		if err := rt.opts.Cache.Ping(ctx); err != nil {
			rt.logger.Warn("readiness probe failed", slog.Any("error", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "store unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type healthDetail struct {
	Status      string             `json:"status"`
	Breakers    []breaker.Snapshot `json:"breakers"`
	Cache       cache.Stats        `json:"cache"`
	Credentials int                `json:"credentials"`
}

func (rt *router) serveHealthDetail(w http.ResponseWriter, _ *http.Request) {
	detail := healthDetail{Status: "ok"}
	if rt.opts.Breakers != nil {
		detail.Breakers = rt.opts.Breakers.Snapshots()
	}
	if rt.opts.Cache != nil {
		detail.Cache = rt.opts.Cache.Stats()
	}
	if rt.opts.Credentials != nil {
		detail.Credentials = rt.opts.Credentials.CredentialCount()
	}
	writeJSON(w, http.StatusOK, detail)
}

func (rt *router) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if rt.opts.Metrics == nil {
		http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}
	rt.opts.Metrics.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
