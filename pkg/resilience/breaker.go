// Package resilience holds the guards that keep auxiliary dependencies (failure
// store, broker probe) from dragging the job pipeline down with them.
package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// ErrBreakerOpen is returned without calling the guarded function while the breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int
	// OpenTimeout is how long the breaker stays open before a half-open probe.
	OpenTimeout time.Duration
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(name string, from, to State)
	Clock         func() time.Time
}

func (c *BreakerConfig) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Breaker is a consecutive-failure circuit breaker. Half-open admits calls
// until the first outcome decides the next state.
type Breaker struct {
	config BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.normalize()
	return &Breaker{config: cfg, state: StateClosed}
}

// Execute runs fn when the breaker admits the call and records its outcome.
// Context cancellation is not counted as a dependency failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.onSuccess()
	case errors.Is(err, context.Canceled):
	default:
		b.onFailure()
	}
	return err
}

// State returns the current position. An open breaker only moves to half-open on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	if b.config.Clock().Sub(b.openedAt) < b.config.OpenTimeout {
		b.mu.Unlock()
		return ErrBreakerOpen
	}
	from := b.transitionLocked(StateHalfOpen)
	b.mu.Unlock()
	b.notify(from, StateHalfOpen)
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	b.failures = 0
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	from := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	b.notify(from, StateClosed)
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	b.failures++
	if b.state == StateOpen || (b.state == StateClosed && b.failures < b.config.MaxFailures) {
		b.mu.Unlock()
		return
	}
	b.openedAt = b.config.Clock()
	from := b.transitionLocked(StateOpen)
	b.mu.Unlock()
	b.notify(from, StateOpen)
}

func (b *Breaker) transitionLocked(to State) State {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.config.OnStateChange != nil && from != to {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}
