package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryLimiter struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]*memoryCounter
}

type memoryCounter struct {
	windowStart time.Time
	count       int64
}

// NewMemory returns a process-local fixed-window limiter. Only suitable for
// single-instance deployments; multi-instance gateways need the valkey
// backend so budgets are shared.
func NewMemory(window time.Duration) Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &memoryLimiter{
		window:   window,
		now:      time.Now,
		counters: make(map[string]*memoryCounter),
	}
}

func (l *memoryLimiter) Allow(_ context.Context, identityKey, service string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	start := windowStart(now, l.window)
	key := counterKey(identityKey, service, start)

	l.mu.Lock()
	defer l.mu.Unlock()

	counter, ok := l.counters[key]
	if !ok {
		counter = &memoryCounter{windowStart: start}
		l.counters[key] = counter
		l.sweep(start)
	}
	counter.count++

	if counter.count > int64(limit) {
		retry := start.Add(l.window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}
	return Decision{Allowed: true, Remaining: remaining(limit, counter.count)}, nil
}

// sweep drops counters from earlier windows. Called while holding the mutex,
// only when a fresh window opens.
func (l *memoryLimiter) sweep(current time.Time) {
	for key, counter := range l.counters {
		if counter.windowStart.Before(current) {
			delete(l.counters, key)
		}
	}
}

func (l *memoryLimiter) Close(context.Context) error {
	return nil
}
