// Package registry holds the static routing table mapping path prefixes to
// backend services. The table is built once at startup and is read-only
// thereafter, so lookups need no locking.
package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/config"
)

// AuthMode selects which credential forms a service accepts.
type AuthMode string

const (
	AuthModeJWT    AuthMode = "jwt"
	AuthModeAPIKey AuthMode = "apiKey"
	AuthModeEither AuthMode = "either"
)

// Service is the immutable routing and policy record for one backend.
type Service struct {
	Name             string
	Prefix           string
	Target           *url.URL
	AuthMode         AuthMode
	RateLimitPerHour int
	Cacheable        bool
	CacheTTL         time.Duration
	CacheablePaths   []string
	Timeout          time.Duration
}

// CacheableRequest reports whether a request path on this service qualifies for
// response caching. An empty substring list means every path on a cacheable
// service qualifies.
func (s *Service) CacheableRequest(method, path string) bool {
	if s == nil || !s.Cacheable {
		return false
	}
	if method != "GET" && method != "HEAD" {
		return false
	}
	if len(s.CacheablePaths) == 0 {
		return true
	}
	for _, sub := range s.CacheablePaths {
		if sub != "" && strings.Contains(path, sub) {
			return true
		}
	}
	return false
}

// Registry resolves request paths to services by longest-prefix match.
type Registry struct {
	services []*Service // sorted by prefix length, longest first
}

// New builds the routing table from configuration. Prefix overlap is rejected
// by config validation; defaults fill in unset timeouts.
func New(services map[string]config.ServiceConfig, defaultTimeout time.Duration) (*Registry, error) {
	entries := make([]*Service, 0, len(services))
	for name, cfg := range services {
		target, err := url.Parse(strings.TrimSpace(cfg.Target))
		if err != nil {
			return nil, fmt.Errorf("registry: service %q target: %w", name, err)
		}
		if target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("registry: service %q target %q missing scheme or host", name, cfg.Target)
		}

		mode := AuthMode(strings.TrimSpace(cfg.AuthMode))
		if mode == "" {
			mode = AuthModeEither
		}

		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		entries = append(entries, &Service{
			Name:             name,
			Prefix:           strings.TrimRight(cfg.Prefix, "/"),
			Target:           target,
			AuthMode:         mode,
			RateLimitPerHour: cfg.RateLimitPerHour,
			Cacheable:        cfg.Cacheable,
			CacheTTL:         time.Duration(cfg.CacheTTLSeconds) * time.Second,
			CacheablePaths:   append([]string{}, cfg.CacheablePaths...),
			Timeout:          timeout,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].Prefix) != len(entries[j].Prefix) {
			return len(entries[i].Prefix) > len(entries[j].Prefix)
		}
		return entries[i].Prefix < entries[j].Prefix
	})

	return &Registry{services: entries}, nil
}

// Resolve returns the service owning the longest matching prefix for path, or
// false when no registered prefix matches.
func (r *Registry) Resolve(path string) (*Service, bool) {
	if r == nil {
		return nil, false
	}
	for _, svc := range r.services {
		if matchesPrefix(path, svc.Prefix) {
			return svc, true
		}
	}
	return nil, false
}

// Services returns the registered services in longest-prefix order.
func (r *Registry) Services() []*Service {
	if r == nil {
		return nil
	}
	out := make([]*Service, len(r.services))
	copy(out, r.services)
	return out
}

// StripPrefix removes the service prefix from a request path, keeping a
// leading slash so the upstream sees a rooted path.
func (s *Service) StripPrefix(path string) string {
	rest := strings.TrimPrefix(path, s.Prefix)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

func matchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	// /api/v1 matches /api/v1 and /api/v1/..., not /api/v10.
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
