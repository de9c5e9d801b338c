package ratelimit

import (
	"context"
	"fmt"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type valkeyLimiter struct {
	client valkey.Client
	window time.Duration
	now    func() time.Time
}

// NewValkey returns a limiter backed by the shared store. The counter is
// incremented atomically; the first increment of a window also sets an expiry
// equal to the window length so stale windows self-clean server-side.
func NewValkey(client valkey.Client, window time.Duration) Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &valkeyLimiter{client: client, window: window, now: time.Now}
}

func (l *valkeyLimiter) Allow(ctx context.Context, identityKey, service string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	start := windowStart(now, l.window)
	key := counterKey(identityKey, service, start)

	count, err := l.client.Do(ctx, l.client.B().Incr().Key(key).Build()).ToInt64()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count == 1 {
		expire := l.client.B().Expire().Key(key).Seconds(int64(l.window / time.Second)).Build()
		if err := l.client.Do(ctx, expire).Error(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}

	if count > int64(limit) {
		retry := start.Add(l.window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}
	return Decision{Allowed: true, Remaining: remaining(limit, count)}, nil
}

// Close is a no-op: the client is shared with the cache store, which owns
// connection shutdown.
func (l *valkeyLimiter) Close(context.Context) error {
	return nil
}
