// Package poll provides the one retry primitive shared by run
// correlation and run waiting: a fixed-interval policy applied to an
// operation until it succeeds, fails permanently, or exhausts its
// budget.  All waiting in this tool is cooperative polling -- the
// remote platform offers no push notification.
package poll

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is a value object describing a polling loop.
type Policy struct {
	// InitialDelay is slept once before the first attempt.  Used as the
	// warm-up pause after a dispatch, giving the remote platform time
	// to register the run before it shows up in listings.
	InitialDelay time.Duration

	// Interval separates consecutive attempts.
	Interval time.Duration

	// MaxAttempts bounds the number of attempts.  Zero means unbounded.
	MaxAttempts uint

	// MaxElapsed bounds total wall-clock time across attempts.  Zero
	// means unbounded.
	MaxElapsed time.Duration
}

// Fail wraps err so Until stops retrying and returns it immediately.
func Fail(err error) error {
	return backoff.Permanent(err)
}

// Until runs op at each poll boundary under the given policy.  It
// returns op's first successful result, or op's error once wrapped
// with Fail, or the last attempt's error when the budget is exhausted.
// Terminal-state checks happen only at poll boundaries -- there is no
// sub-interval early exit.
func Until[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(p.InitialDelay):
		}
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Interval)),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	return backoff.Retry(ctx, func() (T, error) { return op(ctx) }, opts...)
}
