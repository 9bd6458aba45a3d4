// Package health tracks the health of the dependencies perfcore talks to and
// derives the process readiness from them.
package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"

	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

// State is the health of one component.
type State int

const (
	StateHealthy State = iota
	// Failing, but below the unavailable threshold.
	StateDegraded
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Check probes one component. A nil error is a success.
type Check func(ctx context.Context) error

// Component is a snapshot of one component's health.
type Component struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	Critical          bool      `json:"critical"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

// Config configures the tracker
type Config struct {
	// Consecutive errors before a component is degraded. Default 3.
	ErrorThreshold int `yaml:"error_threshold"`
	// Consecutive errors before a component is unavailable. Default 10.
	UnavailableThreshold int `yaml:"unavailable_threshold"`
	// How often registered checks run. Default 15s.
	CheckInterval time.Duration `yaml:"check_interval"`
	// Bound on each check. Default 5s.
	CheckTimeout time.Duration `yaml:"check_timeout"`

	// Called after every state change, outside the tracker lock.
	OnStateChange func(component string, from, to State) `yaml:"-"`
	Logger        *logging.Logger                         `yaml:"-"`
}

type component struct {
	Component
	check Check
}

// Tracker records successes and failures per component, either reported by
// callers or produced by periodic checks.
type Tracker struct {
	conf Config
	log  *logging.Logger

	mu         sync.RWMutex
	components map[string]*component

	running int32
	loop    syncutil.WaitGroup
}

// NewTracker creates a tracker with no components.
func NewTracker(conf Config) *Tracker {
	setter.SetDefault(&conf.ErrorThreshold, 3)
	setter.SetDefault(&conf.UnavailableThreshold, 10)
	setter.SetDefault(&conf.CheckInterval, 15*time.Second)
	setter.SetDefault(&conf.CheckTimeout, 5*time.Second)
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}
	return &Tracker{
		conf:       conf,
		log:        conf.Logger.WithComponent("health"),
		components: make(map[string]*component),
	}
}

// Register adds a component. check may be nil for components whose health is
// only reported through Observe. An unavailable critical component makes the
// process not ready.
func (t *Tracker) Register(name string, critical bool, check Check) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.components[name]; ok {
		return
	}
	now := clock.Now()
	t.components[name] = &component{
		Component: Component{
			Name:            name,
			State:           StateHealthy,
			Critical:        critical,
			LastStateChange: now,
			LastCheck:       now,
		},
		check: check,
	}
}

// Observe records the outcome of an operation against component.
// Unregistered components are ignored.
func (t *Tracker) Observe(name string, err error) {
	t.mu.Lock()
	c, ok := t.components[name]
	if !ok {
		t.mu.Unlock()
		return
	}

	from := c.State
	c.LastCheck = clock.Now()
	if err == nil {
		c.ConsecutiveErrors = 0
		c.LastError = ""
		c.State = StateHealthy
	} else {
		c.ConsecutiveErrors++
		c.LastError = err.Error()
		switch {
		case c.ConsecutiveErrors >= t.conf.UnavailableThreshold:
			c.State = StateUnavailable
		case c.ConsecutiveErrors >= t.conf.ErrorThreshold:
			c.State = StateDegraded
		}
	}
	to := c.State
	if from != to {
		c.LastStateChange = c.LastCheck
	}
	t.mu.Unlock()

	if from != to {
		t.log.Warn("Component health changed", map[string]interface{}{
			"component": name,
			"from":      from.String(),
			"to":        to.String(),
		})
		if t.conf.OnStateChange != nil {
			t.conf.OnStateChange(name, from, to)
		}
	}
}

// State returns the state of one component. Unknown components are
// unavailable.
func (t *Tracker) State(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.components[name]; ok {
		return c.State
	}
	return StateUnavailable
}

// Overall returns the worst state across all components.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// Ready reports whether every critical component is available.
func (t *Tracker) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.components {
		if c.Critical && c.State == StateUnavailable {
			return false
		}
	}
	return true
}

// Components returns a snapshot of every component sorted by name.
func (t *Tracker) Components() []Component {
	t.mu.RLock()
	out := make([]Component, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, c.Component)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckAll runs every registered check once.
func (t *Tracker) CheckAll(ctx context.Context) {
	t.mu.RLock()
	checks := make(map[string]Check, len(t.components))
	for name, c := range t.components {
		if c.check != nil {
			checks[name] = c.check
		}
	}
	t.mu.RUnlock()

	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, t.conf.CheckTimeout)
		err := check(checkCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		t.Observe(name, err)
	}
}

// Start runs the checks every CheckInterval until ctx is cancelled or Stop
// is called.
func (t *Tracker) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.running, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "health checks already running").
			WithComponent("health")
	}

	tick := time.NewTicker(t.conf.CheckInterval)
	t.loop.Until(func(done chan struct{}) bool {
		select {
		case <-tick.C:
			t.CheckAll(ctx)
			return true
		case <-ctx.Done():
			tick.Stop()
			return false
		case <-done:
			tick.Stop()
			return false
		}
	})
	return nil
}

// Stop stops the periodic checks.
func (t *Tracker) Stop() {
	if atomic.CompareAndSwapInt32(&t.running, 1, 2) {
		t.loop.Stop()
	}
}
