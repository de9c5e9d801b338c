package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/identity"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/security"
	"github.com/relaygate/relaygate/internal/server"
	"github.com/relaygate/relaygate/internal/ws"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "RELAYGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store, limiter := buildSharedStore(logger.With(slog.String("stage", "store_factory")), cfg.Server.Store)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := limiter.Close(shutdownCtx); err != nil {
			logger.Error("limiter shutdown failed", slog.Any("error", err))
		}
		if err := store.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	reg, err := registry.New(cfg.Services, time.Duration(cfg.Server.Upstream.TimeoutSeconds)*time.Second)
	if err != nil {
		logger.Error("service registry setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	breakers := breaker.NewManager(
		cfg.Server.Breaker.FailureThreshold,
		time.Duration(cfg.Server.Breaker.CooldownSeconds)*time.Second,
		recorder,
	)

	resolver := identity.NewResolver(cfg.Server.Auth.JWTSecret)
	if path := strings.TrimSpace(cfg.Server.Auth.CredentialsFile); path != "" {
		watcher, err := config.WatchCredentials(ctx, path, func(creds []config.Credential) {
			resolver.ReplaceCredentials(creds)
			logger.Info("api credentials reloaded", slog.Int("count", len(creds)))
		}, func(err error) {
			logger.Error("credentials watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("credentials load failed", slog.String("path", path), slog.Any("error", err))
			os.Exit(1)
		}
		defer watcher.Stop()
	}

	filter := security.NewFilter(cfg.Server.Security)

	proxy := gateway.New(logger, gateway.Options{
		Registry:        reg,
		Filter:          filter,
		Auth:            resolver,
		Limiter:         limiter,
		Cache:           store,
		Breakers:        breakers,
		Metrics:         recorder,
		RequestIDHeader: cfg.Server.Logging.RequestIDHeader,
	})

	relay := ws.New(logger, ws.Options{
		Registry:         reg,
		Auth:             resolver,
		Breakers:         breakers,
		Metrics:          recorder,
		ConsultBreaker:   cfg.Server.WebSocket.ConsultBreaker,
		HandshakeTimeout: time.Duration(cfg.Server.WebSocket.HandshakeTimeoutSeconds) * time.Second,
	})

	handler := server.NewRouter(logger, server.RouterOptions{
		Gateway:     proxy,
		WebSocket:   relay,
		Metrics:     recorder.Handler(),
		Filter:      filter,
		Breakers:    breakers,
		Cache:       store,
		Credentials: resolver,
		Guard:       cfg.Server.Guard,
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildSharedStore constructs the response cache and the rate-limit counter
// store on the same backend so both observe one source of truth. A valkey
// failure falls back to the in-process store rather than refusing to boot.
func buildSharedStore(logger *slog.Logger, cfg config.StoreConfig) (cache.Store, ratelimit.Limiter) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory store")
		return cache.NewMemory(), ratelimit.NewMemory(ratelimit.DefaultWindow)
	case "valkey":
		client, err := cache.DialValkey(cache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return cache.NewMemory(), ratelimit.NewMemory(ratelimit.DefaultWindow)
		}
		logger.Info("using valkey store", slog.String("address", cfg.Valkey.Address))
		return cache.NewValkeyWithClient(client), ratelimit.NewValkey(client, ratelimit.DefaultWindow)
	default:
		logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(), ratelimit.NewMemory(ratelimit.DefaultWindow)
	}
}
