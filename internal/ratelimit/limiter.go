// Package ratelimit implements fixed-window request counting per
// (caller identity, service) pair. Counters live in the shared store so every
// gateway instance charges against the same budget.
//
// Fixed windows allow up to twice the configured budget across a window
// boundary. That is a deliberate tradeoff: the hot path stays one atomic
// increment, which sliding windows and token buckets cannot match under
// multi-instance deployment.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// DefaultWindow matches the per-hour budgets carried by service config.
const DefaultWindow = time.Hour

// Decision is the limiter verdict for one request.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts a request against the caller's window and reports whether it
// fits the budget. A limit of zero or less disables limiting for the service.
type Limiter interface {
	Allow(ctx context.Context, identityKey, service string, limit int) (Decision, error)
	Close(ctx context.Context) error
}

// counterKey buckets the counter by window start so stale windows age out on
// their own.
func counterKey(identityKey, service string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", identityKey, service, windowStart.Unix())
}

// windowStart truncates now to the current fixed window.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func remaining(limit int, count int64) int {
	left := limit - int(count)
	if left < 0 {
		return 0
	}
	return left
}
