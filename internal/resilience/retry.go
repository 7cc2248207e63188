package resilience

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig describes the attempt budget and the exponential delay curve.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" json:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" json:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay" json:"max_delay"`
	// Jitter is the randomisation factor applied to each delay (0.5 = ±50%). Zero disables it.
	Jitter float64 `mapstructure:"jitter" json:"jitter"`
}

// Normalize applies defaults for unset values.
func (c RetryConfig) Normalize() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// TimerSleep is the production Sleeper backed by a cancellable timer.
func TimerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier re-runs failing operations according to a RetryConfig.
type Retrier struct {
	cfg       RetryConfig
	sleep     Sleeper
	retryable func(error) bool
	onRetry   func(attempt int, delay time.Duration, err error)
	logger    *log.Logger
}

// RetryOption customises a Retrier.
type RetryOption func(*Retrier)

// WithSleeper replaces the timer-based wait.
func WithSleeper(s Sleeper) RetryOption {
	return func(r *Retrier) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithClassifier replaces IsRetryable.
func WithClassifier(fn func(error) bool) RetryOption {
	return func(r *Retrier) {
		if fn != nil {
			r.retryable = fn
		}
	}
}

// WithRetryHook is called before every wait.
func WithRetryHook(fn func(attempt int, delay time.Duration, err error)) RetryOption {
	return func(r *Retrier) { r.onRetry = fn }
}

// WithRetryLogger sets the logger used for retry notices.
func WithRetryLogger(l *log.Logger) RetryOption {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetrier builds a Retrier with normalised config.
func NewRetrier(cfg RetryConfig, opts ...RetryOption) *Retrier {
	r := &Retrier{
		cfg:       cfg.Normalize(),
		sleep:     TimerSleep,
		retryable: IsRetryable,
		logger:    log.New(log.Writer(), "[RETRY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the normalised configuration.
func (r *Retrier) Config() RetryConfig { return r.cfg }

func (r *Retrier) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.BaseDelay,
		RandomizationFactor: r.cfg.Jitter,
		Multiplier:          r.cfg.Multiplier,
		MaxInterval:         r.cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Delays returns the wait schedule between attempts for this configuration.
func (r *Retrier) Delays() []time.Duration {
	b := r.newBackOff()
	out := make([]time.Duration, 0, r.cfg.MaxAttempts-1)
	for i := 1; i < r.cfg.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Do runs op until it succeeds, a non-retryable error is returned, the
// attempt budget is spent or ctx is done.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := r.do(ctx, op)
	return err
}

// Attempts is Do that also reports how many times op ran.
func (r *Retrier) Attempts(ctx context.Context, op func(context.Context) error) (int, error) {
	return r.do(ctx, op)
}

func (r *Retrier) do(ctx context.Context, op func(context.Context) error) (int, error) {
	b := r.newBackOff()
	var last error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return attempt - 1, err
			}
			return attempt - 1, &RetryExhaustedError{Attempts: attempt - 1, Last: last, Interrupted: true, Cause: err}
		}
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		last = err
		if !r.retryable(err) {
			return attempt, err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		delay := b.NextBackOff()
		if r.onRetry != nil {
			r.onRetry(attempt, delay, err)
		}
		r.logger.Printf("attempt %d/%d failed: %v (next in %s)", attempt, r.cfg.MaxAttempts, err, delay)
		if serr := r.sleep(ctx, delay); serr != nil {
			if cerr := ctx.Err(); cerr != nil {
				serr = cerr
			}
			return attempt, &RetryExhaustedError{Attempts: attempt, Last: last, Interrupted: true, Cause: serr}
		}
	}
	return r.cfg.MaxAttempts, &RetryExhaustedError{Attempts: r.cfg.MaxAttempts, Last: last}
}

// DoValue is Retrier.Do for operations that return a value.
func DoValue[T any](ctx context.Context, r *Retrier, op func(context.Context) (T, error)) (T, int, error) {
	var out T
	n, err := r.Attempts(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, n, err
}
