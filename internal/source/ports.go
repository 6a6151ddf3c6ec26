// Package source defines the port through which the engine pulls pages from
// a remote ledger, and the error taxonomy adapters report through it.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger/internal/core"
)

// Fetcher returns one page of a task's record stream. An empty cursor
// requests the start of the stream.
type Fetcher interface {
	FetchPage(ctx context.Context, taskType, cursor string) (core.Page, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, taskType, cursor string) (core.Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, taskType, cursor string) (core.Page, error) {
	return f(ctx, taskType, cursor)
}

var ErrRateLimited = errors.New("rate limited")

// RateLimitError reports a 429-style refusal. RetryAfter is zero when the
// remote did not say how long to wait.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited: %v", e.Err)
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// FatalError marks a failure that retrying cannot fix, such as an
// unresolvable identity or revoked credentials.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so that IsFatal reports true.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// RateLimited builds a RateLimitError.
func RateLimited(retryAfter time.Duration, err error) error {
	return &RateLimitError{RetryAfter: retryAfter, Err: err}
}

// IsRateLimited reports whether err is a rate-limit refusal and the server's
// requested wait, if any.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, errors.Is(err, ErrRateLimited)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
