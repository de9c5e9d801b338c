// Package ws relays websocket sessions between clients and routed backends.
// Connections are authenticated before the upgrade completes and then proxied
// frame by frame in both directions until either side closes.
package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/identity"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/registry"
)

// Prefix is the path namespace the relay claims on the router. The remainder
// of the path is resolved against the service registry.
const Prefix = "/ws"

// TokenAuthenticator validates the bearer token carried on the upgrade
// request. *identity.Resolver satisfies it.
type TokenAuthenticator interface {
	AuthenticateToken(token string) (identity.Identity, error)
}

// Options wires the relay's collaborators.
type Options struct {
	Registry         *registry.Registry
	Auth             TokenAuthenticator
	Breakers         *breaker.Manager
	Metrics          *metrics.Recorder
	ConsultBreaker   bool
	HandshakeTimeout time.Duration
}

// Gateway upgrades inbound websocket requests and bridges them to the
// matching backend.
type Gateway struct {
	logger         *slog.Logger
	registry       *registry.Registry
	auth           TokenAuthenticator
	breakers       *breaker.Manager
	metrics        *metrics.Recorder
	consultBreaker bool
	upgrader       websocket.Upgrader
	dialer         *websocket.Dialer
}

// New constructs the relay. The handshake timeout bounds the upstream dial.
func New(logger *slog.Logger, opts Options) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		logger:         logger.With(slog.String("component", "ws")),
		registry:       opts.Registry,
		auth:           opts.Auth,
		breakers:       opts.Breakers,
		metrics:        opts.Metrics,
		consultBreaker: opts.ConsultBreaker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is the deployment's concern; the relay sits
			// behind whatever edge enforces it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: timeout},
	}
}

// ServeHTTP authenticates the upgrade request, dials the backend, and relays
// frames until either peer disconnects. Authentication failures are rejected
// before the protocol upgrade so callers receive a plain HTTP status.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	routePath := strings.TrimPrefix(r.URL.Path, Prefix)
	if routePath == "" {
		routePath = "/"
	}

	svc, ok := g.registry.Resolve(routePath)
	if !ok {
		http.Error(w, "no service registered for path", http.StatusNotFound)
		return
	}

	token := identity.TokenFromUpgrade(r)
	who, err := g.auth.AuthenticateToken(token)
	if err != nil {
		http.Error(w, "missing or invalid credentials", http.StatusUnauthorized)
		return
	}

	var decision breaker.Decision
	var br *breaker.Breaker
	if g.consultBreaker && g.breakers != nil {
		br = g.breakers.For(svc.Name)
		decision = br.Allow()
		if !decision.Proceed {
			http.Error(w, "backend temporarily unavailable, retry later", http.StatusServiceUnavailable)
			return
		}
	}

	upstreamURL := g.upstreamURL(svc, routePath, r.URL.Query())
	header := http.Header{}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		header.Set("Sec-WebSocket-Protocol", proto)
	}

	upstream, resp, err := g.dialer.Dial(upstreamURL, header)
	if err != nil {
		if br != nil {
			br.ReportFailure(decision.Probe)
		}
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			status = resp.StatusCode
		}
		g.logger.Warn("upstream websocket dial failed",
			slog.String("service", svc.Name),
			slog.Any("error", err),
		)
		http.Error(w, "backend could not be reached", status)
		return
	}
	if br != nil {
		br.ReportSuccess(decision.Probe)
	}

	client, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own error response.
		upstream.Close()
		return
	}

	g.metrics.WebSocketOpened(svc.Name)
	g.logger.Info("websocket session opened",
		slog.String("service", svc.Name),
		slog.String("subject", who.Subject),
	)

	var once sync.Once
	var wg sync.WaitGroup
	teardown := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer teardown()
		g.relay(svc.Name, client, upstream, metrics.DirectionInbound)
	}()
	go func() {
		defer wg.Done()
		defer teardown()
		g.relay(svc.Name, upstream, client, metrics.DirectionOutbound)
	}()
	wg.Wait()

	g.metrics.WebSocketClosed(svc.Name)
	g.logger.Info("websocket session closed",
		slog.String("service", svc.Name),
		slog.String("subject", who.Subject),
	)
}

// relay pumps frames from src to dst until either side errors or closes.
func (g *Gateway) relay(service string, src, dst *websocket.Conn, direction metrics.Direction) {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			return
		}
		g.metrics.ObserveWebSocketMessage(service, direction, len(payload))
	}
}

// upstreamURL derives the backend websocket address from the service target.
// The bearer token is stripped from the forwarded query; the backend trusts
// the gateway's authentication.
func (g *Gateway) upstreamURL(svc *registry.Service, routePath string, query url.Values) string {
	target := *svc.Target
	switch target.Scheme {
	case "https", "wss":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = joinPath(svc.Target.Path, svc.StripPrefix(routePath))

	forwarded := url.Values{}
	for key, values := range query {
		if key == "token" {
			continue
		}
		forwarded[key] = values
	}
	target.RawQuery = forwarded.Encode()
	return target.String()
}

func joinPath(base, rest string) string {
	switch {
	case strings.HasSuffix(base, "/") && strings.HasPrefix(rest, "/"):
		return base + rest[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(rest, "/"):
		return base + "/" + rest
	}
	return base + rest
}
