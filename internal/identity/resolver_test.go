package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/registry"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func userClaims(subject string) Claims {
	return Claims{
		Scope: "read write",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestAuthenticateBearer(t *testing.T) {
	r := NewResolver(testSecret)
	req := httptest.NewRequest(http.MethodGet, "http://gw.example/api/users", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, userClaims("alice")))

	id, err := r.Authenticate(req, registry.AuthModeJWT)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.Subject != "alice" || id.Kind != KindUser {
		t.Fatalf("unexpected identity: %#v", id)
	}
	if !id.HasScope("write") {
		t.Fatalf("expected write scope to be present")
	}
	if id.RateLimitKey() != "user:alice" {
		t.Fatalf("unexpected rate limit key %q", id.RateLimitKey())
	}
}

func TestAuthenticateBearerRejections(t *testing.T) {
	r := NewResolver(testSecret)

	expired := userClaims("alice")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noSubject := userClaims("")

	tests := []struct {
		name  string
		token string
	}{
		{"missing header", ""},
		{"not a token", "garbage"},
		{"wrong secret", signToken(t, "other-secret", userClaims("alice"))},
		{"expired", signToken(t, testSecret, expired)},
		{"empty subject", signToken(t, testSecret, noSubject)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://gw.example/api/users", http.NoBody)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			if _, err := r.Authenticate(req, registry.AuthModeJWT); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestAuthenticateBearerRejectsNoneAlgorithm(t *testing.T) {
	r := NewResolver(testSecret)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, userClaims("alice")).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "http://gw.example/api/users", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+unsigned)
	if _, err := r.Authenticate(req, registry.AuthModeJWT); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected none algorithm to be refused, got %v", err)
	}
}

func TestAuthenticateServiceAccountKind(t *testing.T) {
	r := NewResolver(testSecret)
	claims := userClaims("deploy-bot")
	claims.Kind = string(KindServiceAccount)
	req := httptest.NewRequest(http.MethodGet, "http://gw.example/api/users", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, claims))

	id, err := r.Authenticate(req, registry.AuthModeJWT)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.Kind != KindServiceAccount {
		t.Fatalf("expected service account kind, got %s", id.Kind)
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	r := NewResolver(testSecret)
	r.ReplaceCredentials([]config.Credential{
		{Key: "svc-key", Secret: "svc-secret", Subject: "reporting", Scopes: []string{"read"}},
	})

	req := httptest.NewRequest(http.MethodGet, "http://gw.example/api/reports", http.NoBody)
	req.Header.Set("X-API-Key", "svc-key")
	req.Header.Set("X-API-Secret", "svc-secret")

	id, err := r.Authenticate(req, registry.AuthModeAPIKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.Subject != "reporting" || id.Kind != KindServiceAccount {
		t.Fatalf("unexpected identity: %#v", id)
	}

	req.Header.Set("X-API-Secret", "wrong")
	if _, err := r.Authenticate(req, registry.AuthModeAPIKey); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected wrong secret to be refused, got %v", err)
	}

	req.Header.Set("X-API-Key", "unknown")
	req.Header.Set("X-API-Secret", "svc-secret")
	if _, err := r.Authenticate(req, registry.AuthModeAPIKey); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unknown key to be refused, got %v", err)
	}
}

func TestAuthenticateEitherFallsBack(t *testing.T) {
	r := NewResolver(testSecret)
	r.ReplaceCredentials([]config.Credential{
		{Key: "svc-key", Secret: "svc-secret", Subject: "reporting"},
	})

	req := httptest.NewRequest(http.MethodGet, "http://gw.example/api/reports", http.NoBody)
	req.Header.Set("X-API-Key", "svc-key")
	req.Header.Set("X-API-Secret", "svc-secret")

	id, err := r.Authenticate(req, registry.AuthModeEither)
	if err != nil {
		t.Fatalf("expected api key fallback to succeed: %v", err)
	}
	if id.Subject != "reporting" {
		t.Fatalf("unexpected subject %q", id.Subject)
	}

	// Bearer wins when both credential forms are present.
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, userClaims("alice")))
	id, err = r.Authenticate(req, registry.AuthModeEither)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.Subject != "alice" {
		t.Fatalf("expected bearer identity to win, got %q", id.Subject)
	}
}

func TestReplaceCredentialsSwapsAtomically(t *testing.T) {
	r := NewResolver(testSecret)
	r.ReplaceCredentials([]config.Credential{{Key: "a", Secret: "s", Subject: "one"}})
	if r.CredentialCount() != 1 {
		t.Fatalf("expected 1 credential, got %d", r.CredentialCount())
	}
	r.ReplaceCredentials([]config.Credential{
		{Key: "b", Secret: "s", Subject: "two"},
		{Key: "c", Secret: "s", Subject: "three"},
	})
	if r.CredentialCount() != 2 {
		t.Fatalf("expected 2 credentials after swap, got %d", r.CredentialCount())
	}

	req := httptest.NewRequest(http.MethodGet, "http://gw.example/api/reports", http.NoBody)
	req.Header.Set("X-API-Key", "a")
	req.Header.Set("X-API-Secret", "s")
	if _, err := r.Authenticate(req, registry.AuthModeAPIKey); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected rotated-out key to be refused, got %v", err)
	}
}

func TestTokenFromUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://gw.example/ws/feed?token=query-token", http.NoBody)
	if got := TokenFromUpgrade(req); got != "query-token" {
		t.Fatalf("expected query token, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "http://gw.example/ws/feed", http.NoBody)
	req.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromUpgrade(req); got != "header-token" {
		t.Fatalf("expected header fallback, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "http://gw.example/ws/feed", http.NoBody)
	if got := TokenFromUpgrade(req); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}

func TestAuthenticateTokenForUpgrade(t *testing.T) {
	r := NewResolver(testSecret)
	id, err := r.AuthenticateToken(signToken(t, testSecret, userClaims("alice")))
	if err != nil {
		t.Fatalf("authenticate token: %v", err)
	}
	if id.Subject != "alice" {
		t.Fatalf("unexpected subject %q", id.Subject)
	}
	if _, err := r.AuthenticateToken(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected empty token to be refused, got %v", err)
	}
}
