// Package identity resolves inbound credentials into caller identities. It
// owns the bearer-token verification path and the issued API key registry.
package identity

// Kind distinguishes interactive users from machine callers.
type Kind string

const (
	KindUser           Kind = "user"
	KindServiceAccount Kind = "serviceAccount"
)

// Identity is the resolved caller for one request or websocket connection.
// It is never persisted.
type Identity struct {
	Subject string
	Kind    Kind
	Scopes  []string

	rawCredential string
}

// HasScope reports whether the credential carried the named scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RateLimitKey is the stable key the limiter charges this caller under.
func (id Identity) RateLimitKey() string {
	return string(id.Kind) + ":" + id.Subject
}
