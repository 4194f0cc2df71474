package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected without being
// attempted. Callers use errors.Is to tell "not attempted" apart from
// a failure of the wrapped operation itself.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State is the breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	// DefaultFailureThreshold opens the circuit after this many
	// consecutive failures.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is the open period before a trial call.
	DefaultRecoveryTimeout = 60 * time.Second
)

// Config controls a single breaker.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// OnStateChange is invoked outside the breaker lock after a transition.
	OnStateChange func(key string, from, to State)
	// Now is overridable for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker guards calls against one external resource. It cycles
// closed -> open -> half-open for the lifetime of the process.
type Breaker struct {
	key string
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

// New creates a closed breaker for the given resource key.
func New(key string, cfg Config) *Breaker {
	return &Breaker{
		key:   key,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
	}
}

// Key returns the resource key this breaker guards.
func (b *Breaker) Key() string {
	return b.key
}

// State returns the current state, accounting for recovery timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	state, hook := b.currentState(b.cfg.Now())
	b.mu.Unlock()
	fire(hook)
	return state
}

// ConsecutiveFailures returns the current failure tally.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Do runs op through the breaker. When the circuit is open, or a
// half-open trial is already in flight, it returns ErrCircuitOpen
// without invoking op. The operation itself runs outside the lock.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	trial, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(trial, false)
			panic(r)
		}
	}()

	opErr := op(ctx)
	b.after(trial, opErr == nil)
	return opErr
}

// before decides whether the call may proceed. It reports whether the
// call is the single half-open trial.
func (b *Breaker) before() (bool, error) {
	b.mu.Lock()
	state, hook := b.currentState(b.cfg.Now())

	switch state {
	case StateOpen:
		b.mu.Unlock()
		fire(hook)
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			fire(hook)
			return false, ErrCircuitOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		fire(hook)
		return true, nil
	default:
		b.mu.Unlock()
		fire(hook)
		return false, nil
	}
}

func (b *Breaker) after(trial, success bool) {
	b.mu.Lock()
	var hook func()

	switch {
	case trial:
		b.trialInFlight = false
		if success {
			hook = b.setState(StateClosed)
			b.consecutiveFailures = 0
		} else {
			hook = b.setState(StateOpen)
			b.openedAt = b.cfg.Now()
		}
	case success:
		if b.state == StateClosed {
			b.consecutiveFailures = 0
		}
	default:
		b.consecutiveFailures++
		if b.state == StateClosed && b.consecutiveFailures >= b.cfg.FailureThreshold {
			hook = b.setState(StateOpen)
			b.openedAt = b.cfg.Now()
		}
	}

	b.mu.Unlock()
	fire(hook)
}

// currentState resolves open -> half-open once the recovery timeout has
// elapsed. Callers must hold b.mu; the returned hook fires after unlock.
func (b *Breaker) currentState(now time.Time) (State, func()) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen, b.setState(StateHalfOpen)
	}
	return b.state, nil
}

// setState records a transition and returns the observer hook to fire
// outside the lock, or nil.
func (b *Breaker) setState(next State) func() {
	if b.state == next {
		return nil
	}
	from := b.state
	b.state = next
	if b.cfg.OnStateChange == nil {
		return nil
	}
	hook := b.cfg.OnStateChange
	key := b.key
	return func() { hook(key, from, next) }
}

func fire(hook func()) {
	if hook != nil {
		hook()
	}
}
