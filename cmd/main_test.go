package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/ratelimit"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildSharedStore(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.StoreConfig
		verify func(t *testing.T, store cache.Store, limiter ratelimit.Limiter)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{}
			},
			verify: func(t *testing.T, store cache.Store, limiter ratelimit.Limiter) {
				require.NotNil(t, store)
				require.NotNil(t, limiter)
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{Backend: "etcd"}
			},
			verify: func(t *testing.T, store cache.Store, limiter ratelimit.Limiter) {
				require.NoError(t, store.Ping(context.Background()))
			},
		},
		{
			name: "constructs valkey store and limiter on one client",
			cfg: func(t *testing.T) config.StoreConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.StoreConfig{
					Backend: "valkey",
					Valkey:  config.ValkeyStoreConfig{Address: server.Addr()},
				}
			},
			verify: func(t *testing.T, store cache.Store, limiter ratelimit.Limiter) {
				ctx := context.Background()
				entry := cache.Entry{Status: 200, Body: []byte("ok")}
				require.NoError(t, store.Store(ctx, "integration:test", entry, time.Minute))
				_, ok, err := store.Lookup(ctx, "integration:test")
				require.NoError(t, err)
				require.True(t, ok)

				decision, err := limiter.Allow(ctx, "user:alice", "users", 10)
				require.NoError(t, err)
				require.True(t, decision.Allowed)
			},
		},
		{
			name: "unreachable valkey falls back to memory",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{
					Backend: "valkey",
					Valkey:  config.ValkeyStoreConfig{Address: "127.0.0.1:1"},
				}
			},
			verify: func(t *testing.T, store cache.Store, limiter ratelimit.Limiter) {
				require.NoError(t, store.Ping(context.Background()))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, limiter := buildSharedStore(newTestLogger(), tc.cfg(t))
			t.Cleanup(func() {
				ctx := context.Background()
				require.NoError(t, limiter.Close(ctx))
				require.NoError(t, store.Close(ctx))
			})

			tc.verify(t, store, limiter)
		})
	}
}
