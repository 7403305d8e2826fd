// Package retrier runs an operation with bounded retries and backoff. Only
// errors that report themselves as temporary are retried.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"marketdata/internal/clock"
)

// FixedBackoff waits the base delay between every attempt.
// LinearBackoff waits base, 2*base, 3*base, ...
// ExponentialBackoff waits base*factor^n.
const (
	FixedBackoff BackoffStrategy = iota
	LinearBackoff
	ExponentialBackoff
)

var (
	// ErrInvalidMaxAttempts is returned when the attempt ceiling is below one.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	// ErrInvalidBaseDelay is returned for a negative base delay.
	ErrInvalidBaseDelay = errors.New("base delay must not be negative")
	// ErrInvalidJitter is returned when jitter is outside [0, 1].
	ErrInvalidJitter = errors.New("jitter must be between 0 and 1")
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy int

// Temporary is implemented by errors that may succeed on retry.
type Temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err, or an error it wraps, is temporary.
func IsTemporary(err error) bool {
	var temp Temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

// Config describes a retry policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      float64
	Strategy    BackoffStrategy
}

// Retrier executes a function under a retry policy.
type Retrier struct {
	cfg   Config
	clock clock.Clock
	// TempErrorFunc overrides IsTemporary when set.
	TempErrorFunc func(error) bool
}

// New validates cfg and returns a Retrier sleeping on c.
func New(cfg Config, c clock.Clock) (*Retrier, error) {
	if cfg.MaxAttempts < 1 {
		return nil, ErrInvalidMaxAttempts
	}
	if cfg.BaseDelay < 0 {
		return nil, ErrInvalidBaseDelay
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		return nil, ErrInvalidJitter
	}
	if cfg.Factor < 1 {
		cfg.Factor = 2
	}
	if c == nil {
		c = clock.Real()
	}
	return &Retrier{cfg: cfg, clock: c}, nil
}

// MaxAttempts is the attempt ceiling, including the first attempt.
func (r *Retrier) MaxAttempts() int { return r.cfg.MaxAttempts }

// Run calls fn until it succeeds, returns a non-temporary error, the ceiling
// is reached or ctx is done. The attempt number starts at 1. After the ceiling
// the last error is returned wrapped, so errors.Is still matches it.
func (r *Retrier) Run(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !r.temporary(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		case <-r.clock.After(r.Delay(attempt)):
		}
	}
	return fmt.Errorf("max retry attempts reached (%d): %w", r.cfg.MaxAttempts, err)
}

func (r *Retrier) temporary(err error) bool {
	if r.TempErrorFunc != nil {
		return r.TempErrorFunc(err)
	}
	return IsTemporary(err)
}

// Delay is the wait after the given failed attempt (1-based).
func (r *Retrier) Delay(attempt int) time.Duration {
	var delay float64
	switch r.cfg.Strategy {
	case LinearBackoff:
		delay = float64(r.cfg.BaseDelay) * float64(attempt)
	case ExponentialBackoff:
		delay = float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Factor, float64(attempt-1))
	default:
		delay = float64(r.cfg.BaseDelay)
	}
	if r.cfg.MaxDelay > 0 && delay > float64(r.cfg.MaxDelay) {
		delay = float64(r.cfg.MaxDelay)
	}
	if r.cfg.Jitter > 0 {
		delay += rand.Float64() * r.cfg.Jitter * delay
	}
	return time.Duration(delay)
}
