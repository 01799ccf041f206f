// Package resilience guards side effects that can fail repeatedly, such as
// writing takes to a full disk, so that a broken dependency is skipped
// instead of retried on every call.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls with [ErrOpen] until the cooldown has passed.
	Open

	// HalfOpen lets a single probe through. Its outcome closes or re-opens
	// the breaker.
	HalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker].
type Config struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// OnChange, if set, is called after every state transition, outside the
	// lock.
	OnChange func(from, to State)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Breaker is a consecutive-failure circuit breaker. It is safe for
// concurrent use.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New returns a closed [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open, and records its outcome.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	from := b.state
	if b.state == Open {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
	}
	if b.state == HalfOpen {
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	probe := b.state == HalfOpen
	mid := b.state
	b.mu.Unlock()
	b.notify(from, mid)

	err := fn()

	b.mu.Lock()
	before := b.state
	if probe {
		b.probing = false
	}
	switch {
	case err == nil:
		b.failures = 0
		b.state = Closed
	case probe:
		b.state = Open
		b.openedAt = b.cfg.Now()
	default:
		b.failures++
		if b.failures >= b.cfg.MaxFailures && b.state == Closed {
			b.state = Open
			b.openedAt = b.cfg.Now()
		}
	}
	after := b.state
	b.mu.Unlock()
	b.notify(before, after)
	return err
}

// State returns the current state. An open breaker whose cooldown has
// passed reports [HalfOpen]; the transition itself happens on the next
// Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.mu.Unlock()
	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case Open:
		slog.Warn("resilience: breaker opened", "name", b.cfg.Name, "cooldown", b.cfg.Cooldown)
	case Closed:
		slog.Info("resilience: breaker closed", "name", b.cfg.Name)
	default:
		slog.Debug("resilience: breaker probing", "name", b.cfg.Name)
	}
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(from, to)
	}
}
