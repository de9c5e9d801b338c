package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/gateway/pipeline"
	"github.com/relaygate/relaygate/internal/metrics"
)

// maxCacheableBody caps what gets written to the cache store; larger
// responses relay normally but are never cached.
const maxCacheableBody = 1 << 20

// statusClientClosedRequest is the nginx convention for a caller that
// disconnected before the response was ready. It is recorded in logs and
// metrics; the wire never sees it.
const statusClientClosedRequest = 499

// hop-by-hop headers are connection-scoped and must not cross the proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// upstreamStage consults the breaker, forwards the request with the prefix
// stripped and a request id attached, relays the response, and populates the
// cache on a cacheable success.
type upstreamStage struct {
	client          httpDoer
	breakers        *breaker.Manager
	cache           cache.Store
	metrics         *metrics.Recorder
	logger          *slog.Logger
	requestIDHeader string
}

func (s *upstreamStage) Name() string { return "upstream" }

func (s *upstreamStage) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	svc := state.Service

	var decision breaker.Decision
	var br *breaker.Breaker
	if s.breakers != nil {
		br = s.breakers.For(svc.Name)
		decision = br.Allow()
		if !decision.Proceed {
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			state.Outcome = pipeline.OutcomeCircuitOpen
			state.RespondError(http.StatusServiceUnavailable, "circuit_open", "backend temporarily unavailable, retry later")
			state.Response.Headers["Retry-After"] = strconv.Itoa(retryAfter)
			return pipeline.ShortCircuit(s.Name(), "circuit open")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, svc.Timeout)
	defer cancel()

	req, err := s.buildUpstreamRequest(callCtx, r, state)
	if err != nil {
		s.reportOutcome(br, decision, false)
		state.Outcome = pipeline.OutcomeInternalError
		state.RespondError(http.StatusInternalServerError, "internal_error", "failed to build upstream request")
		return pipeline.ShortCircuit(s.Name(), "request build failed")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if s.clientGone(r) {
			return s.abandon(br, decision, state)
		}
		s.reportOutcome(br, decision, false)
		status := http.StatusBadGateway
		message := "backend could not be reached"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			status = http.StatusGatewayTimeout
			message = "backend did not respond in time"
		}
		if s.logger != nil {
			s.logger.Error("upstream call failed",
				slog.String("request_id", state.RequestID),
				slog.String("service", svc.Name),
				slog.Any("error", err),
			)
		}
		state.Outcome = pipeline.OutcomeUpstreamUnreachable
		state.RespondError(status, "upstream_unreachable", message)
		return pipeline.ShortCircuit(s.Name(), "upstream unreachable")
	}

	body, readErr := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if readErr != nil || closeErr != nil {
		if s.clientGone(r) {
			return s.abandon(br, decision, state)
		}
		s.reportOutcome(br, decision, false)
		state.Outcome = pipeline.OutcomeUpstreamUnreachable
		state.RespondError(http.StatusBadGateway, "upstream_unreachable", "backend response could not be read")
		return pipeline.ShortCircuit(s.Name(), "upstream read failed")
	}

	// 5xx counts against the circuit; 4xx means the backend answered
	// correctly and the caller erred.
	success := resp.StatusCode < 500
	s.reportOutcome(br, decision, success)

	headers := captureHeaders(resp.Header)
	if state.CacheKey != "" {
		headers["X-Cache"] = "MISS"
	}

	if success {
		state.Outcome = pipeline.OutcomeProxied
	} else {
		state.Outcome = pipeline.OutcomeUpstreamError
	}

	if state.CacheKey != "" && resp.StatusCode >= 200 && resp.StatusCode < 300 && len(body) <= maxCacheableBody {
		entry := cache.Entry{Status: resp.StatusCode, Headers: captureHeaders(resp.Header), Body: body}
		if err := s.cache.Store(ctx, state.CacheKey, entry, svc.CacheTTL); err != nil {
			if s.logger != nil {
				s.logger.Warn("cache store failed",
					slog.String("request_id", state.RequestID),
					slog.Any("error", err),
				)
			}
			s.metrics.ObserveCache(metrics.CacheOperationStore, metrics.CacheResultError)
		} else {
			state.CacheStored = true
			s.metrics.ObserveCache(metrics.CacheOperationStore, metrics.CacheResultStored)
		}
	}

	state.Respond(resp.StatusCode, headers, body)
	return pipeline.ShortCircuit(s.Name(), "response relayed")
}

// buildUpstreamRequest rewrites the inbound request onto the service target:
// prefix stripped, hop-by-hop headers dropped, request id and forwarding
// metadata attached.
func (s *upstreamStage) buildUpstreamRequest(ctx context.Context, r *http.Request, state *pipeline.State) (*http.Request, error) {
	svc := state.Service

	target := *svc.Target
	target.Path = singleJoiningSlash(svc.Target.Path, svc.StripPrefix(r.URL.Path))
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}

	for name, values := range r.Header {
		if isHopByHop(name) {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	req.Header.Set(s.requestIDHeader, state.RequestID)
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := r.Header.Get("X-Forwarded-For")
		if prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			req.Header.Set("X-Forwarded-For", host)
		}
	}
	return req, nil
}

// clientGone reports whether the inbound request context was cancelled by the
// caller. The upstream call context carries its own deadline, so a cancelled
// inbound context means the client disconnected, not that the backend failed.
func (s *upstreamStage) clientGone(r *http.Request) bool {
	return errors.Is(r.Context().Err(), context.Canceled)
}

// abandon ends the run for a disconnected caller: the probe reservation is
// released without judging the backend, and the 499 response goes nowhere.
func (s *upstreamStage) abandon(br *breaker.Breaker, decision breaker.Decision, state *pipeline.State) pipeline.Result {
	if br != nil {
		br.ReportAbandoned(decision.Probe)
	}
	state.Outcome = pipeline.OutcomeClientClosed
	state.RespondError(statusClientClosedRequest, "client_closed", "client closed the request")
	return pipeline.ShortCircuit(s.Name(), "client disconnected")
}

func (s *upstreamStage) reportOutcome(br *breaker.Breaker, decision breaker.Decision, success bool) {
	if br == nil {
		return
	}
	if success {
		br.ReportSuccess(decision.Probe)
	} else {
		br.ReportFailure(decision.Probe)
	}
}

func captureHeaders(header http.Header) map[string]string {
	headers := make(map[string]string, len(header))
	for name, values := range header {
		if isHopByHop(name) || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}
	return headers
}

func isHopByHop(name string) bool {
	for _, hop := range hopByHopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
