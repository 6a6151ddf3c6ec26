// Package backoff decides what the walker does after each fetch attempt:
// proceed, wait and retry, wait out a rate limit, or give up.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger/internal/source"
)

// Kind is the action chosen after a fetch attempt.
type Kind int

const (
	Proceed Kind = iota
	WaitThenRetry
	RateLimitedWaitThenRetry
	Fail
)

func (k Kind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case WaitThenRetry:
		return "wait_then_retry"
	case RateLimitedWaitThenRetry:
		return "rate_limited_wait_then_retry"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decision is the outcome of classifying one fetch attempt.
type Decision struct {
	Kind       Kind
	Delay      time.Duration
	RetryCount int   // consecutive non-rate-limit failures after this attempt
	Err        error // the attempt's error; a *TerminalError when Kind is Fail
}

// RateLimited reports whether the decision is a rate-limit cooldown.
func (d Decision) RateLimited() bool { return d.Kind == RateLimitedWaitThenRetry }

// Config holds the backoff constants.
type Config struct {
	// RetryDelay is the wait after a transient failure (default: 1s)
	RetryDelay time.Duration

	// RateLimitCooldown is the wait after a rate-limit refusal (default: 5s)
	RateLimitCooldown time.Duration

	// MaxRetries is the number of consecutive transient failures that ends
	// the run (default: 5)
	MaxRetries int
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	return Config{
		RetryDelay:        1 * time.Second,
		RateLimitCooldown: 5 * time.Second,
		MaxRetries:        5,
	}
}

// TerminalError is the failure reported when retrying stops.
type TerminalError struct {
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	if e.Attempts <= 1 {
		return fmt.Sprintf("fetch failed: %v", e.Err)
	}
	return fmt.Sprintf("fetch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// ErrInterrupted is returned by Wait when the interrupt channel closes first.
var ErrInterrupted = errors.New("backoff wait interrupted")

// Controller classifies fetch outcomes. It holds no per-run state.
type Controller struct {
	cfg Config
}

// NewController creates a controller, filling zero fields from DefaultConfig.
func NewController(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = def.RateLimitCooldown
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &Controller{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Decide classifies the outcome of one attempt given the retry count before
// it. A nil err is a success.
func (c *Controller) Decide(err error, retryCount int) Decision {
	if err == nil {
		return Decision{Kind: Proceed}
	}

	if retryAfter, ok := source.IsRateLimited(err); ok {
		delay := c.cfg.RateLimitCooldown
		if retryAfter > delay {
			delay = retryAfter
		}
		return Decision{Kind: RateLimitedWaitThenRetry, Delay: delay, RetryCount: retryCount, Err: err}
	}

	if source.IsFatal(err) {
		return Decision{
			Kind:       Fail,
			RetryCount: retryCount,
			Err:        &TerminalError{Attempts: retryCount + 1, Err: err},
		}
	}

	retryCount++
	if retryCount >= c.cfg.MaxRetries {
		return Decision{
			Kind:       Fail,
			RetryCount: retryCount,
			Err:        &TerminalError{Attempts: retryCount, Err: err},
		}
	}
	return Decision{Kind: WaitThenRetry, Delay: c.cfg.RetryDelay, RetryCount: retryCount, Err: err}
}

// Tracker carries the retry counter of one walk.
type Tracker struct {
	c          *Controller
	retryCount int
}

// Track starts a tracker seeded with a retry count carried over from a
// paused walk.
func (c *Controller) Track(retryCount int) *Tracker {
	return &Tracker{c: c, retryCount: retryCount}
}

// Observe classifies an attempt and updates the counter.
func (t *Tracker) Observe(err error) Decision {
	d := t.c.Decide(err, t.retryCount)
	t.retryCount = d.RetryCount
	return d
}

// RetryCount returns the current consecutive failure count.
func (t *Tracker) RetryCount() int { return t.retryCount }

// Wait sleeps for d unless interrupt closes or ctx ends first.
func Wait(ctx context.Context, interrupt <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-interrupt:
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}
