// Package pipeline defines the shared per-request state and the stage
// contract the gateway driver composes. Stages execute in a fixed order and
// the first short-circuit ends the run.
package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/identity"
	"github.com/relaygate/relaygate/internal/registry"
)

// Stage is one capability in the proxy pipeline. Execute observes and mutates
// the shared State and reports whether the run continues.
type Stage interface {
	Name() string
	Execute(ctx context.Context, r *http.Request, state *State) Result
}

// Result statuses emitted by stages.
const (
	StatusPass         = "pass"
	StatusShortCircuit = "short_circuit"
)

// Result captures the outcome emitted by a stage during pipeline execution.
type Result struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// Pass reports that the run continues past this stage.
func Pass(name string) Result {
	return Result{Name: name, Status: StatusPass}
}

// ShortCircuit reports that this stage produced the final response.
func ShortCircuit(name, details string) Result {
	return Result{Name: name, Status: StatusShortCircuit, Details: details}
}

// Outcome labels recorded on the state for logging and metrics. They mirror
// the gateway error taxonomy.
const (
	OutcomeProxied             = "proxied"
	OutcomeCacheHit            = "cache_hit"
	OutcomeNotFound            = "not_found"
	OutcomeSecurityRejected    = "security_rejected"
	OutcomeUnauthorized        = "unauthorized"
	OutcomeThrottled           = "throttled"
	OutcomeCircuitOpen         = "circuit_open"
	OutcomeUpstreamError       = "upstream_error"
	OutcomeUpstreamUnreachable = "upstream_unreachable"
	OutcomeClientClosed        = "client_closed"
	OutcomeInternalError       = "internal_error"
)

// Response is the reply composed for the caller, either relayed from the
// upstream or synthesized by a short-circuiting stage.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// State is the ephemeral per-request record threaded through every stage. It
// is owned by the request's goroutine and discarded at completion.
type State struct {
	RequestID string
	Service   *registry.Service

	Identity      identity.Identity
	Authenticated bool

	CacheKey    string
	CacheHit    bool
	CacheStored bool

	Outcome  string
	Response Response
	Done     bool

	StartedAt time.Time
}

// NewState initializes the request record for a resolved service.
func NewState(requestID string, svc *registry.Service) *State {
	return &State{
		RequestID: requestID,
		Service:   svc,
		StartedAt: time.Now(),
	}
}

// Respond installs the final response and marks the run complete.
func (s *State) Respond(status int, headers map[string]string, body []byte) {
	s.Response = Response{Status: status, Headers: headers, Body: body}
	s.Done = true
}

// RespondError installs a structured JSON error body carrying the request id
// so callers can correlate with gateway logs.
func (s *State) RespondError(status int, code, message string) {
	payload, err := json.Marshal(map[string]string{
		"error":     code,
		"message":   message,
		"requestId": s.RequestID,
	})
	if err != nil {
		payload = []byte(`{"error":"` + code + `"}`)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	s.Respond(status, headers, payload)
}
