package config

import (
	"fmt"
	"sort"
	"strings"
)

// Config holds every server-level option plus the routed service table once
// the loader resolves it.
type Config struct {
	Server   ServerConfig             `koanf:"server"`
	Services map[string]ServiceConfig `koanf:"services"`
}

// ServerConfig collects the bootstrap knobs owned by the gateway process.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Store     StoreConfig     `koanf:"store"`
	Guard     GuardConfig     `koanf:"guard"`
	Security  SecurityConfig  `koanf:"security"`
	Auth      AuthConfig      `koanf:"auth"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	WebSocket WebSocketConfig `koanf:"websocket"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and request ID wiring.
type LoggingConfig struct {
	Level           string `koanf:"level"`
	Format          string `koanf:"format"`
	RequestIDHeader string `koanf:"requestIdHeader"`
}

// StoreConfig selects the shared store backing cache entries and rate-limit
// counters. The valkey backend is required for multi-instance deployments;
// memory is a single-process fallback.
type StoreConfig struct {
	Backend string            `koanf:"backend"`
	Valkey  ValkeyStoreConfig `koanf:"valkey"`
}

type ValkeyStoreConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ValkeyStoreTLSConfig `koanf:"tls"`
}

type ValkeyStoreTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// GuardConfig bounds the aggregate request rate the process accepts before
// any per-identity accounting happens. Zero disables the guard.
type GuardConfig struct {
	RequestsPerSecond float64 `koanf:"requestsPerSecond"`
	Burst             int     `koanf:"burst"`
}

// SecurityConfig drives the static request filter.
type SecurityConfig struct {
	MaxBodyBytes     int64    `koanf:"maxBodyBytes"`
	BlockedPaths     []string `koanf:"blockedPaths"`
	InternalPaths    []string `koanf:"internalPaths"`
	InternalNetworks []string `koanf:"internalNetworks"`
}

// AuthConfig carries the bearer-token secret and the API credential source.
type AuthConfig struct {
	JWTSecret       string `koanf:"jwtSecret"`
	CredentialsFile string `koanf:"credentialsFile"`
}

// BreakerConfig tunes the per-service circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `koanf:"failureThreshold"`
	CooldownSeconds  int `koanf:"cooldownSeconds"`
}

// UpstreamConfig bounds calls to backend services.
type UpstreamConfig struct {
	TimeoutSeconds int `koanf:"timeoutSeconds"`
}

// WebSocketConfig controls the websocket relay path.
type WebSocketConfig struct {
	ConsultBreaker          bool `koanf:"consultBreaker"`
	HandshakeTimeoutSeconds int  `koanf:"handshakeTimeoutSeconds"`
}

// ServiceConfig is one routed backend: path prefix, target, and the policy
// knobs the pipeline applies on its behalf. Entries are immutable after load.
type ServiceConfig struct {
	Prefix           string   `koanf:"prefix"`
	Target           string   `koanf:"target"`
	AuthMode         string   `koanf:"authMode"`
	RateLimitPerHour int      `koanf:"rateLimitPerHour"`
	Cacheable        bool     `koanf:"cacheable"`
	CacheTTLSeconds  int      `koanf:"cacheTtlSeconds"`
	CacheablePaths   []string `koanf:"cacheablePaths"`
	TimeoutSeconds   int      `koanf:"timeoutSeconds"`
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:           "info",
				Format:          "json",
				RequestIDHeader: "X-Request-ID",
			},
			Store: StoreConfig{
				Backend: "memory",
			},
			Guard: GuardConfig{
				RequestsPerSecond: 0,
				Burst:             0,
			},
			Security: SecurityConfig{
				MaxBodyBytes: 1 << 20,
				BlockedPaths: []string{"/graphql/schema", "/swagger", "/openapi.json", "/debug/pprof", "/.env", "/.git"},
				InternalPaths: []string{
					"/metrics",
					"/internal/health",
				},
				InternalNetworks: []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				CooldownSeconds:  30,
			},
			Upstream: UpstreamConfig{
				TimeoutSeconds: 30,
			},
			WebSocket: WebSocketConfig{
				ConsultBreaker:          false,
				HandshakeTimeoutSeconds: 10,
			},
		},
	}
}

// ValidAuthModes enumerates the accepted authMode values for a service entry.
var ValidAuthModes = map[string]bool{
	"jwt":    true,
	"apiKey": true,
	"either": true,
}

// Validate enforces the invariants the runtime relies on: non-overlapping
// prefixes, known auth modes, and sane numeric bounds.
func (c Config) Validate() error {
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	if c.Server.Security.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: security.maxBodyBytes must be positive")
	}
	if c.Server.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker.failureThreshold must be positive")
	}
	if c.Server.Breaker.CooldownSeconds <= 0 {
		return fmt.Errorf("config: breaker.cooldownSeconds must be positive")
	}
	if c.Server.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: upstream.timeoutSeconds must be positive")
	}

	prefixes := make([]string, 0, len(c.Services))
	for name, svc := range c.Services {
		trimmedName := strings.TrimSpace(name)
		if trimmedName == "" {
			return fmt.Errorf("config: service name required")
		}
		prefix := strings.TrimSpace(svc.Prefix)
		if prefix == "" || !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("config: service %q prefix must start with /", name)
		}
		if strings.TrimSpace(svc.Target) == "" {
			return fmt.Errorf("config: service %q target required", name)
		}
		mode := strings.TrimSpace(svc.AuthMode)
		if mode != "" && !ValidAuthModes[mode] {
			return fmt.Errorf("config: service %q authMode unsupported: %s", name, svc.AuthMode)
		}
		if svc.RateLimitPerHour < 0 {
			return fmt.Errorf("config: service %q rateLimitPerHour must not be negative", name)
		}
		if svc.Cacheable && svc.CacheTTLSeconds <= 0 {
			return fmt.Errorf("config: service %q cacheTtlSeconds required when cacheable", name)
		}
		prefixes = append(prefixes, prefix)
	}

	sort.Strings(prefixes)
	for i := 1; i < len(prefixes); i++ {
		if strings.HasPrefix(prefixes[i], prefixes[i-1]+"/") || prefixes[i] == prefixes[i-1] {
			return fmt.Errorf("config: service prefixes overlap: %s and %s", prefixes[i-1], prefixes[i])
		}
	}
	return nil
}
