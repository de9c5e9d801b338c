package identity

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/registry"
)

// ErrUnauthorized is returned for any missing, malformed, expired, or
// badly-signed credential. Callers map it to a 401 without leaking which
// check failed.
var ErrUnauthorized = errors.New("identity: unauthorized")

const (
	headerAPIKey    = "X-API-Key"
	headerAPISecret = "X-API-Secret"
	queryToken      = "token"
)

// Claims is the accepted JWT payload. Scope is space-separated per RFC 8693.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	Kind  string `json:"kind,omitempty"`
	jwt.RegisteredClaims
}

// Resolver validates bearer tokens and API key/secret pairs. The credential
// set is swappable at runtime so the watcher can rotate keys without a
// restart.
type Resolver struct {
	secret []byte
	creds  atomic.Pointer[credentialSet]
}

type credentialSet struct {
	byKey map[string]config.Credential
}

// NewResolver builds a resolver around the shared JWT secret. The credential
// registry starts empty; ReplaceCredentials installs the issued set.
func NewResolver(jwtSecret string) *Resolver {
	r := &Resolver{secret: []byte(jwtSecret)}
	r.creds.Store(&credentialSet{byKey: map[string]config.Credential{}})
	return r
}

// ReplaceCredentials atomically swaps the issued API credential set.
func (r *Resolver) ReplaceCredentials(creds []config.Credential) {
	byKey := make(map[string]config.Credential, len(creds))
	for _, cred := range creds {
		byKey[cred.Key] = cred
	}
	r.creds.Store(&credentialSet{byKey: byKey})
}

// CredentialCount reports the size of the active credential set for health
// reporting.
func (r *Resolver) CredentialCount() int {
	return len(r.creds.Load().byKey)
}

// Authenticate resolves the request's credential according to the service's
// auth mode. Mode either tries bearer first and falls back to the API key
// pair.
func (r *Resolver) Authenticate(req *http.Request, mode registry.AuthMode) (Identity, error) {
	switch mode {
	case registry.AuthModeJWT:
		return r.authenticateBearer(req)
	case registry.AuthModeAPIKey:
		return r.authenticateAPIKey(req)
	case registry.AuthModeEither, "":
		if id, err := r.authenticateBearer(req); err == nil {
			return id, nil
		}
		return r.authenticateAPIKey(req)
	default:
		return Identity{}, fmt.Errorf("identity: unsupported auth mode %q", mode)
	}
}

// AuthenticateToken validates a bare bearer token. WebSocket upgrades carry
// the token as a query parameter since header injection is not available
// pre-upgrade.
func (r *Resolver) AuthenticateToken(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	return r.verifyToken(token)
}

// TokenFromUpgrade extracts the websocket auth token from the upgrade
// request's query string, falling back to an Authorization header when one is
// present anyway.
func TokenFromUpgrade(req *http.Request) string {
	if token := strings.TrimSpace(req.URL.Query().Get(queryToken)); token != "" {
		return token
	}
	return bearerFromHeader(req)
}

func (r *Resolver) authenticateBearer(req *http.Request) (Identity, error) {
	token := bearerFromHeader(req)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	return r.verifyToken(token)
}

func (r *Resolver) verifyToken(token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrUnauthorized
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrUnauthorized
	}

	kind := KindUser
	if claims.Kind == string(KindServiceAccount) {
		kind = KindServiceAccount
	}
	return Identity{
		Subject:       claims.Subject,
		Kind:          kind,
		Scopes:        splitScopes(claims.Scope),
		rawCredential: token,
	}, nil
}

func (r *Resolver) authenticateAPIKey(req *http.Request) (Identity, error) {
	key := strings.TrimSpace(req.Header.Get(headerAPIKey))
	secret := req.Header.Get(headerAPISecret)
	if key == "" || secret == "" {
		return Identity{}, ErrUnauthorized
	}

	cred, ok := r.creds.Load().byKey[key]
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(cred.Secret), []byte(secret)) != 1 {
		return Identity{}, ErrUnauthorized
	}

	return Identity{
		Subject:       cred.Subject,
		Kind:          KindServiceAccount,
		Scopes:        append([]string{}, cred.Scopes...),
		rawCredential: key,
	}, nil
}

func bearerFromHeader(req *http.Request) string {
	auth := strings.TrimSpace(req.Header.Get("Authorization"))
	if auth == "" {
		return ""
	}
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func splitScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
