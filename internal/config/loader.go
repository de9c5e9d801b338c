package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the lifecycle wiring can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.requestidheader":           "server.logging.requestIdHeader",
			"server.store.valkey.tls.cafile":           "server.store.valkey.tls.caFile",
			"server.guard.requestspersecond":           "server.guard.requestsPerSecond",
			"server.security.maxbodybytes":             "server.security.maxBodyBytes",
			"server.security.blockedpaths":             "server.security.blockedPaths",
			"server.security.internalpaths":            "server.security.internalPaths",
			"server.security.internalnetworks":         "server.security.internalNetworks",
			"server.auth.jwtsecret":                    "server.auth.jwtSecret",
			"server.auth.credentialsfile":              "server.auth.credentialsFile",
			"server.breaker.failurethreshold":          "server.breaker.failureThreshold",
			"server.breaker.cooldownseconds":           "server.breaker.cooldownSeconds",
			"server.upstream.timeoutseconds":           "server.upstream.timeoutSeconds",
			"server.websocket.consultbreaker":          "server.websocket.consultBreaker",
			"server.websocket.handshaketimeoutseconds": "server.websocket.handshakeTimeoutSeconds",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":           cfg.Server.Logging.Level,
				"format":          cfg.Server.Logging.Format,
				"requestIdHeader": cfg.Server.Logging.RequestIDHeader,
			},
			"store": map[string]any{
				"backend": cfg.Server.Store.Backend,
				"valkey": map[string]any{
					"address":  cfg.Server.Store.Valkey.Address,
					"username": cfg.Server.Store.Valkey.Username,
					"password": cfg.Server.Store.Valkey.Password,
					"db":       cfg.Server.Store.Valkey.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Valkey.TLS.Enabled,
						"caFile":  cfg.Server.Store.Valkey.TLS.CAFile,
					},
				},
			},
			"guard": map[string]any{
				"requestsPerSecond": cfg.Server.Guard.RequestsPerSecond,
				"burst":             cfg.Server.Guard.Burst,
			},
			"security": map[string]any{
				"maxBodyBytes":     cfg.Server.Security.MaxBodyBytes,
				"blockedPaths":     cfg.Server.Security.BlockedPaths,
				"internalPaths":    cfg.Server.Security.InternalPaths,
				"internalNetworks": cfg.Server.Security.InternalNetworks,
			},
			"auth": map[string]any{
				"jwtSecret":       cfg.Server.Auth.JWTSecret,
				"credentialsFile": cfg.Server.Auth.CredentialsFile,
			},
			"breaker": map[string]any{
				"failureThreshold": cfg.Server.Breaker.FailureThreshold,
				"cooldownSeconds":  cfg.Server.Breaker.CooldownSeconds,
			},
			"upstream": map[string]any{
				"timeoutSeconds": cfg.Server.Upstream.TimeoutSeconds,
			},
			"websocket": map[string]any{
				"consultBreaker":          cfg.Server.WebSocket.ConsultBreaker,
				"handshakeTimeoutSeconds": cfg.Server.WebSocket.HandshakeTimeoutSeconds,
			},
		},
	}
}
