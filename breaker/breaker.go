// Package breaker implements the per-upstream three-state circuit breaker
// that fast-fails calls to an upstream that appears unhealthy, completing
// the teacher's stubbed CircuitBreaker into the full CLOSED/OPEN/HALF_OPEN
// state machine.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/Polqt/meshproxy/proxyerr"
)

// State is one of the three circuit-breaker states.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures one breaker instance.
type Config struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
	PerCallTimeout      time.Duration
}

// DefaultConfig returns the breaker's fixed tuning, matching the
// reference's CircuitBreakerConfig dataclass default
// (failure_threshold=5, recovery_timeout=10s, half_open_max_requests=1,
// timeout=2s). Unlike timeouts and limits, breaker tuning is not one of
// the proxy's recognized configuration keys, so every breaker in the
// process is built with this same Config regardless of what else reloads.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		RecoveryTimeout:     10 * time.Second,
		HalfOpenMaxRequests: 1,
		PerCallTimeout:      2 * time.Second,
	}
}

// Breaker guards calls to a single upstream. All state transitions happen
// under mu; reads taken outside mu (e.g. the initial dispatch branch) are
// hints only — every transition is re-checked under the lock.
type Breaker struct {
	Name string
	cfg  Config

	mu               sync.Mutex
	state            State
	failureCount     int
	lastFailure      time.Time
	halfOpenInflight int
}

// New creates a breaker in the CLOSED state.
func New(name string, cfg Config) *Breaker {
	return &Breaker{Name: name, cfg: cfg, state: Closed}
}

// State returns the current state as a hint; callers must still go through
// Execute for any admission decision.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op, gated by the breaker's admission rules and per-call
// timeout. It returns proxyerr.KindCircuitOpen without calling op if the
// breaker fast-fails; otherwise it returns whatever op returns, unchanged.
// The per-call timeout is applied only as the deadline of the context
// passed to op, so op must honour that context for the timeout to take
// effect.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.PerCallTimeout)
	defer cancel()

	err := op(cctx)
	b.onResult(err)
	return err
}

// admit implements step 1-2 of §4.5: OPEN may transition to HALF_OPEN if
// the recovery timeout has elapsed; HALF_OPEN caps concurrent probes;
// CLOSED always admits.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			b.halfOpenInflight = 0
			// fall through to HalfOpen admission below
		} else {
			return proxyerr.New(proxyerr.KindCircuitOpen, b.Name, nil)
		}
		fallthrough
	case HalfOpen:
		if b.halfOpenInflight >= b.cfg.HalfOpenMaxRequests {
			return proxyerr.New(proxyerr.KindCircuitOpen, b.Name, nil)
		}
		b.halfOpenInflight++
		return nil
	case Closed:
		return nil
	}
	return nil
}

// onResult implements the post-call transition rules of §4.5.
func (b *Breaker) onResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state == HalfOpen {
			b.state = Closed
			b.halfOpenInflight = 0
		}
		b.failureCount = 0
		return
	}

	b.failureCount++
	b.lastFailure = time.Now()
	if b.state == HalfOpen {
		b.state = Open
		b.halfOpenInflight = 0
		return
	}
	if b.state == Closed && b.failureCount >= b.cfg.FailureThreshold {
		b.state = Open
	}
}

// Manager owns a (host,port) → *Breaker mapping, lazily populated under a
// lock, mirroring limits.Manager's discipline.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a Manager that builds breakers with the given config
// on first observation of each upstream.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it under a lock on first use.
func (m *Manager) Get(key string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[key]; ok {
		return b
	}
	b := New(key, m.cfg)
	m.breakers[key] = b
	return b
}
