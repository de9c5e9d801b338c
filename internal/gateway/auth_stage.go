package gateway

import (
	"context"
	"net/http"

	"github.com/relaygate/relaygate/internal/gateway/pipeline"
)

// authStage resolves the caller identity using the service's configured
// credential mode. Identity lives only as long as the request.
type authStage struct {
	auth Authenticator
}

func (s *authStage) Name() string { return "auth" }

func (s *authStage) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if s.auth == nil {
		state.Outcome = pipeline.OutcomeInternalError
		state.RespondError(http.StatusInternalServerError, "internal_error", "auth resolver not configured")
		return pipeline.ShortCircuit(s.Name(), "auth resolver missing")
	}

	id, err := s.auth.Authenticate(r, state.Service.AuthMode)
	if err != nil {
		state.Outcome = pipeline.OutcomeUnauthorized
		state.RespondError(http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
		return pipeline.ShortCircuit(s.Name(), "credential rejected")
	}

	state.Identity = id
	state.Authenticated = true
	return pipeline.Pass(s.Name())
}
