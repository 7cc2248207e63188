package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit state of one upstream.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Clock abstracts time so breakers can be driven by virtual time in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// BreakerConfig holds the trip threshold and the recovery timeout.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout" json:"recovery_timeout"`
}

// Normalize applies defaults for unset values.
func (c BreakerConfig) Normalize() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	return c
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Breaker is a closed/open/half-open guard around calls to one upstream.
type Breaker struct {
	name     string
	cfg      BreakerConfig
	clock    Clock
	onChange func(name string, from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trial       bool
}

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithClock injects the time source.
func WithClock(c Clock) BreakerOption {
	return func(b *Breaker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithStateChange registers a hook invoked (outside the lock) on every transition.
func WithStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker builds a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{name: name, cfg: cfg.Normalize(), clock: SystemClock}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the upstream name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's bookkeeping.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Name: b.name, State: b.state.String(), Failures: b.failures, LastFailure: b.lastFailure}
}

// Execute runs op unless the breaker is open. Cancellation of ctx by the
// caller is not counted against the upstream.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(ctx, err)
	return err
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		elapsed := b.clock.Now().Sub(b.lastFailure)
		if elapsed < b.cfg.RecoveryTimeout {
			b.mu.Unlock()
			return &BreakerOpenError{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout - elapsed}
		}
		b.state = StateHalfOpen
		b.trial = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return nil
	default:
		if b.trial {
			b.mu.Unlock()
			return &BreakerOpenError{Name: b.name}
		}
		b.trial = true
		b.mu.Unlock()
		return nil
	}
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case err == nil:
		b.failures = 0
		b.state = StateClosed
		b.trial = false
	case callerGaveUp(ctx, err):
		// the upstream gets another trial later
		b.trial = false
	default:
		b.failures++
		b.lastFailure = b.clock.Now()
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
		b.trial = false
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// callerGaveUp reports whether err stems from ctx ending rather than from the
// upstream, including a retry loop cut short while backing off.
func callerGaveUp(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	if errors.Is(err, ctx.Err()) {
		return true
	}
	var exhausted *RetryExhaustedError
	return errors.As(err, &exhausted) && exhausted.Interrupted
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
