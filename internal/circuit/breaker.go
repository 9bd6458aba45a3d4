// Package circuit guards calls to remote dependencies with a circuit breaker.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"

	"github.com/sentinelops/perfcore/pkg/errors"
)

// State represents the breaker state
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without calling the guarded function while the breaker is open.
	ErrOpen = errors.NewError(errors.ErrCodeRemoteUnavailable, "circuit breaker is open")
	// ErrTooManyProbes is returned when the half-open probe budget is used up.
	ErrTooManyProbes = errors.NewError(errors.ErrCodeRemoteUnavailable, "too many requests while half-open")
)

// Config contains breaker configuration
type Config struct {
	// Consecutive failures that open a closed breaker. Default 5.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// How long the breaker stays open before probing. Default 30s.
	Timeout time.Duration `yaml:"timeout"`

	// Probe calls allowed while half-open. Default 1.
	MaxProbes uint32 `yaml:"max_probes"`

	// Decides whether an error counts as a failure. Context cancellation by
	// the caller is never counted by the default.
	IsFailure func(err error) bool `yaml:"-"`

	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// Counts holds the tallies for the current state
type Counts struct {
	Requests             uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name string
	conf Config

	mu     sync.Mutex
	state  State
	counts Counts
	openAt time.Time
}

// New creates a closed breaker.
func New(name string, conf Config) *Breaker {
	setter.SetDefault(&conf.FailureThreshold, uint32(5))
	setter.SetDefault(&conf.Timeout, 30*time.Second)
	setter.SetDefault(&conf.MaxProbes, uint32(1))
	if conf.IsFailure == nil {
		conf.IsFailure = defaultIsFailure
	}

	return &Breaker{name: name, conf: conf}
}

func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	return err != context.Canceled
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current(clock.Now()) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.counts.Requests >= b.conf.MaxProbes {
			return ErrTooManyProbes
		}
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := clock.Now()
	state := b.current(now)

	if !b.conf.IsFailure(err) {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.conf.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// current must be called with mu held.
func (b *Breaker) current(now time.Time) State {
	if b.state == StateOpen && !now.Before(b.openAt.Add(b.conf.Timeout)) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openAt = now
	}
	if b.conf.OnStateChange != nil {
		b.conf.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state, moving an expired open breaker to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(clock.Now())
}

// Counts returns a copy of the tallies for the current state.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed, clock.Now())
	b.counts = Counts{}
}

func (b *Breaker) Name() string {
	return b.name
}
