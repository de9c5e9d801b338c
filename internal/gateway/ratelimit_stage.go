package gateway

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/relaygate/relaygate/internal/gateway/pipeline"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/ratelimit"
)

// rateLimitStage charges the request against the caller's fixed-window budget
// for the resolved service. A shared-store outage fails open: dropping all
// traffic because the counter store is down would be a worse failure than
// briefly uncounted requests.
type rateLimitStage struct {
	limiter ratelimit.Limiter
	metrics *metrics.Recorder
	logger  *slog.Logger
}

func (s *rateLimitStage) Name() string { return "rate_limit" }

func (s *rateLimitStage) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if s.limiter == nil {
		return pipeline.Pass(s.Name())
	}

	decision, err := s.limiter.Allow(ctx, state.Identity.RateLimitKey(), state.Service.Name, state.Service.RateLimitPerHour)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rate limit store unavailable, failing open",
				slog.String("request_id", state.RequestID),
				slog.String("service", state.Service.Name),
				slog.Any("error", err),
			)
		}
		return pipeline.Pass(s.Name())
	}

	s.metrics.ObserveRateLimit(state.Service.Name, decision.Allowed)

	if !decision.Allowed {
		retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		state.Outcome = pipeline.OutcomeThrottled
		state.RespondError(http.StatusTooManyRequests, "throttled", "rate limit exceeded, retry later")
		state.Response.Headers["Retry-After"] = strconv.Itoa(retryAfter)
		return pipeline.ShortCircuit(s.Name(), "rate limit exceeded")
	}
	return pipeline.Pass(s.Name())
}
