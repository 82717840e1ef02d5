package retry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"
	"time"
)

// Attempt describes one finished invocation.
type Attempt struct {
	Category Category
	Attempt  int
	Elapsed  time.Duration
	// Delay is the wait before the next attempt; zero when WillRetry is false.
	Delay     time.Duration
	Err       error
	WillRetry bool
}

// Observer receives every finished attempt. It cannot influence control flow.
type Observer interface {
	ObserveAttempt(ctx context.Context, a Attempt)
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicies replaces the policy table. Categories missing from the table
// fall back to the crud policy. A nil table keeps the defaults.
func WithPolicies(policies map[Category]Policy) Option {
	return func(e *Engine) {
		if policies == nil {
			e.policies = DefaultPolicies()
			return
		}
		e.policies = maps.Clone(policies)
	}
}

// WithRandom overrides the jitter source. fn must return values in [0,1).
func WithRandom(fn func() float64) Option {
	return func(e *Engine) {
		if fn != nil {
			e.random = fn
		}
	}
}

// WithSleeper overrides how retry waits are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(e *Engine) {
		e.sleeper = sleeper
	}
}

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine runs operations under the retry policy of their category.
type Engine struct {
	mu       sync.RWMutex
	policies map[Category]Policy

	random   func() float64
	sleeper  func(time.Duration)
	observer Observer
	logger   *slog.Logger
}

// NewEngine creates an engine with DefaultPolicies.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		policies: DefaultPolicies(),
		random:   rand.Float64,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns a snapshot of the policy used for category.
func (e *Engine) Policy(category Category) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.policies[category]; ok {
		return p
	}
	if p, ok := e.policies[CategoryCRUD]; ok {
		return p
	}
	return DefaultPolicies()[CategoryCRUD]
}

// SetPolicy replaces the policy for category. Running operations keep the
// snapshot they started with.
func (e *Engine) SetPolicy(category Category, p Policy) {
	e.mu.Lock()
	e.policies[category] = p
	e.mu.Unlock()
}

// Execute invokes op until it succeeds, the policy declines a retry, or the
// attempts run out. The last error is returned unchanged. If ctx ends while
// waiting between attempts, ctx.Err() is returned.
func (e *Engine) Execute(ctx context.Context, category Category, op func(ctx context.Context) error) error {
	policy := e.Policy(category)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			e.observe(ctx, Attempt{Category: category, Attempt: attempt, Elapsed: time.Since(start)})
			return nil
		}

		permanent := false
		var perm *permanentError
		if errors.As(err, &perm) {
			err, permanent = perm.err, true
		}

		retry := !permanent && attempt < policy.MaxRetries && ctx.Err() == nil && policy.shouldRetry(err)
		var delay time.Duration
		if retry {
			delay = Delay(policy, attempt, e.random())
		}
		e.observe(ctx, Attempt{
			Category:  category,
			Attempt:   attempt,
			Elapsed:   time.Since(start),
			Delay:     delay,
			Err:       err,
			WillRetry: retry,
		})
		if !retry {
			if attempt > 1 {
				e.logger.Debug("retry gave up",
					"category", string(category),
					"attempts", attempt,
					"error", err)
			}
			return err
		}

		e.logger.Debug("retrying operation",
			"category", string(category),
			"attempt", attempt,
			"delay", delay,
			"error", err)

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, e *Engine, category Category, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, category, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (e *Engine) observe(ctx context.Context, a Attempt) {
	if e.observer != nil {
		e.observer.ObserveAttempt(ctx, a)
	}
}

func (e *Engine) sleep(ctx context.Context, delay time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if delay <= 0 {
		return nil
	}
	if e.sleeper != nil {
		e.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Permanent marks err so that Execute returns it at once, whatever the policy
// says. Execute unwraps the marker before returning.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// IsRetryable reports whether the default predicate would retry err.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && DefaultShouldRetry(err)
}
