package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/relaygate/relaygate/internal/gateway/pipeline"
	"github.com/relaygate/relaygate/internal/security"
)

// securityStage runs static request inspection before any credential parsing
// happens. Rejections are logged with the caller address for audit.
type securityStage struct {
	filter *security.Filter
	logger *slog.Logger
}

func (s *securityStage) Name() string { return "security" }

func (s *securityStage) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if s.filter == nil {
		return pipeline.Pass(s.Name())
	}
	rejection := s.filter.Inspect(r)
	if rejection == nil {
		return pipeline.Pass(s.Name())
	}

	if s.logger != nil {
		s.logger.Warn("request rejected",
			slog.String("request_id", state.RequestID),
			slog.String("reason", rejection.Reason),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("path", r.URL.Path),
		)
	}

	state.Outcome = pipeline.OutcomeSecurityRejected
	state.RespondError(rejection.Status, "security_rejected", rejection.Reason)
	return pipeline.ShortCircuit(s.Name(), rejection.Reason)
}
