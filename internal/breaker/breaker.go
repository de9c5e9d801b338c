// Package breaker isolates failing backends behind per-service circuit
// breakers. State is local to the gateway process; each entry carries its own
// mutex so concurrent outcome reports never lose updates.
package breaker

import (
	"sync"
	"time"
)

// Status is the circuit position for one backend service.
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

// GaugeValue maps a status onto the metric scale (0 closed, 1 half-open,
// 2 open).
func (s Status) GaugeValue() float64 {
	switch s {
	case StatusHalfOpen:
		return 1
	case StatusOpen:
		return 2
	default:
		return 0
	}
}

// Observer receives transition notifications, typically the metrics recorder.
type Observer interface {
	ObserveBreakerState(service string, state float64)
	ObserveBreakerTransition(service, to string)
}

// Snapshot is a read-only view of one breaker for health reporting.
type Snapshot struct {
	Service             string    `json:"service"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitzero"`
}

// Breaker is the failure state machine for a single backend service.
type Breaker struct {
	service   string
	threshold int
	cooldown  time.Duration
	observer  Observer
	now       func() time.Time

	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// Decision reports whether a call may proceed and whether it is the single
// half-open probe whose outcome decides the next state.
type Decision struct {
	Proceed    bool
	Probe      bool
	RetryAfter time.Duration
}

// Manager owns one breaker per service, created lazily on first use.
type Manager struct {
	threshold int
	cooldown  time.Duration
	observer  Observer

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager builds a breaker factory with shared tuning. observer may be nil.
func NewManager(threshold int, cooldown time.Duration, observer Observer) *Manager {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Manager{
		threshold: threshold,
		cooldown:  cooldown,
		observer:  observer,
		breakers:  make(map[string]*Breaker),
	}
}

// For returns the breaker owning the named service, creating it closed.
func (m *Manager) For(service string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[service]
	if !ok {
		b = &Breaker{
			service:   service,
			threshold: m.threshold,
			cooldown:  m.cooldown,
			observer:  m.observer,
			now:       time.Now,
			status:    StatusClosed,
		}
		m.breakers[service] = b
	}
	return b
}

// Snapshots lists every known breaker for the internal health report.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// Allow decides whether an upstream call may be attempted right now. In the
// open state calls fast-fail until the cooldown elapses; the first caller
// after cooldown becomes the half-open probe and everyone else keeps
// fast-failing until the probe resolves.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case StatusClosed:
		return Decision{Proceed: true}
	case StatusOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return Decision{RetryAfter: b.cooldown - elapsed}
		}
		b.transition(StatusHalfOpen)
		b.probeInFlight = true
		return Decision{Proceed: true, Probe: true}
	case StatusHalfOpen:
		if b.probeInFlight {
			return Decision{RetryAfter: b.cooldown}
		}
		b.probeInFlight = true
		return Decision{Proceed: true, Probe: true}
	}
	return Decision{}
}

// ReportSuccess records a successful upstream outcome. A successful probe
// closes the circuit; in the closed state the failure streak resets.
func (b *Breaker) ReportSuccess(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
	}
	switch b.status {
	case StatusHalfOpen:
		// Only the designated probe decides the half-open transition;
		// stragglers admitted while the circuit was still closed are ignored.
		if !probe {
			return
		}
		b.consecutiveFailures = 0
		b.openedAt = time.Time{}
		b.transition(StatusClosed)
	case StatusClosed:
		b.consecutiveFailures = 0
	}
}

// ReportAbandoned releases the half-open probe reservation for a call that
// ended without observing a backend outcome, such as the caller disconnecting
// mid-flight. The circuit position and failure streak are untouched; the next
// Allow hands the probe to someone else.
func (b *Breaker) ReportAbandoned(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// ReportFailure records a failed upstream outcome: connection errors,
// timeouts, and 5xx responses. 4xx responses are the caller's problem and
// must not be reported here.
func (b *Breaker) ReportFailure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
	}
	switch b.status {
	case StatusHalfOpen:
		if !probe {
			return
		}
		// Failed probe: re-open and restart the cooldown clock.
		b.openedAt = b.now()
		b.transition(StatusOpen)
	case StatusClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.openedAt = b.now()
			b.transition(StatusOpen)
		}
	}
}

// Snapshot returns the current state without mutating it.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Service:             b.service,
		Status:              b.status,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to Status) {
	if b.status == to {
		return
	}
	b.status = to
	if b.observer != nil {
		b.observer.ObserveBreakerState(b.service, to.GaugeValue())
		b.observer.ObserveBreakerTransition(b.service, string(to))
	}
}
