// Package runs solves the two remote-run problems the dispatch API
// leaves open: which run a dispatch just created (the dispatch call
// returns no run id), and when a known run reaches its terminal state.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/pushbutan/internal/gh"
	"github.com/terrpan/pushbutan/internal/poll"
)

var (
	// ErrCorrelation is returned when every correlation attempt came up
	// empty.
	ErrCorrelation = errors.New("could not correlate triggered run")

	// ErrRunFailed is returned when a run completes with any conclusion
	// other than success.
	ErrRunFailed = errors.New("workflow run did not succeed")

	// ErrWaitTimeout is returned when a run shows no terminal status
	// within the configured bound.
	ErrWaitTimeout = errors.New("timed out waiting for completion")
)

// Lister lists recent runs of a workflow, newest first.
type Lister interface {
	ListWorkflowRuns(ctx context.Context, workflowID int64) ([]gh.WorkflowRun, error)
}

// Getter fetches the current state of a single run.
type Getter interface {
	GetWorkflowRun(ctx context.Context, runID int64) (*gh.WorkflowRun, error)
}

// Default polling parameters, matching the cadence the remote platform
// tolerates well.
var (
	// DefaultCorrelatePolicy waits a few seconds for the platform to
	// register the run, then scans listings every 2s for up to 20
	// attempts.
	DefaultCorrelatePolicy = poll.Policy{
		InitialDelay: 5 * time.Second,
		Interval:     2 * time.Second,
		MaxAttempts:  20,
	}

	// DefaultWaitInterval separates status checks while waiting for a
	// run to complete.
	DefaultWaitInterval = 30 * time.Second

	// DefaultWaitTimeout bounds a wait unless the caller overrides it.
	DefaultWaitTimeout = 15 * time.Minute
)

// diagnosticRuns is how many recent runs are surfaced when correlation
// fails, to help a human operator see what the platform actually did.
const diagnosticRuns = 5

// Intent records a dispatch this process just issued: which workflow,
// as whom, and no earlier than when.  It lives only for the duration
// of one correlation attempt.
type Intent struct {
	// ID identifies the intent in logs and traces; it never leaves the
	// process.
	ID string

	WorkflowID   int64
	Actor        string
	DispatchedAt time.Time
}

// NewIntent captures the current UTC time.  Call it before issuing the
// dispatch so a run created in the same instant still matches.
func NewIntent(workflowID int64, actor string) Intent {
	return Intent{
		ID:           uuid.NewString(),
		WorkflowID:   workflowID,
		Actor:        actor,
		DispatchedAt: time.Now().UTC(),
	}
}

// Matches reports whether run could have resulted from this intent:
// same actor, created at or after the dispatch time.  This is a
// heuristic -- if the same identity dispatches two runs of the same
// workflow inside one correlation window, the first satisfying run
// wins.  Callers serialize dispatches per (identity, workflow) pair.
func (in Intent) Matches(run *gh.WorkflowRun) bool {
	return run.Actor.Login == in.Actor && !run.CreatedAt.Before(in.DispatchedAt)
}

// ---------------------------------------------------------------------------
// Correlator
// ---------------------------------------------------------------------------

// Correlator finds the run a dispatch created by scanning run listings
// under a bounded polling policy.
type Correlator struct {
	lister Lister
	policy poll.Policy
	logger *slog.Logger

	attempts metric.Int64Histogram
}

// NewCorrelator creates a Correlator.  A zero policy falls back to
// DefaultCorrelatePolicy.
func NewCorrelator(lister Lister, policy poll.Policy, logger *slog.Logger) *Correlator {
	if policy == (poll.Policy{}) {
		policy = DefaultCorrelatePolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{lister: lister, policy: policy, logger: logger}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	c.attempts, err = otel.Meter("pushbutan/runs").Int64Histogram(
		"pushbutan.correlate.attempts",
		metric.WithDescription("Listing scans needed to correlate a dispatched run"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 10, 20),
	)
	if err != nil {
		logger.Warn("failed to create attempts histogram", slog.String("error", err.Error()))
	}
	return c
}

// errNoMatch drives the retry loop; it never escapes Find.
var errNoMatch = errors.New("no matching run in listing")

// Find returns the id of the run matching intent.  Every run in each
// listing is checked, not just the newest -- listing order is not a
// guarantee.  When the attempt budget is exhausted the returned error
// wraps ErrCorrelation and carries a summary of the most recent runs.
func (c *Correlator) Find(ctx context.Context, intent Intent) (int64, error) {
	attempt := 0
	runID, err := poll.Until(ctx, c.policy, func(ctx context.Context) (int64, error) {
		attempt++
		listing, err := c.lister.ListWorkflowRuns(ctx, intent.WorkflowID)
		if err != nil {
			return 0, poll.Fail(err)
		}
		for i := range listing {
			if intent.Matches(&listing[i]) {
				c.logger.Info("correlated triggered run",
					slog.String("intentID", intent.ID),
					slog.Int64("runID", listing[i].ID),
					slog.Int("attempts", attempt),
				)
				return listing[i].ID, nil
			}
		}
		return 0, errNoMatch
	})
	if c.attempts != nil {
		c.attempts.Record(ctx, int64(attempt))
	}
	if err == nil {
		return runID, nil
	}
	if !errors.Is(err, errNoMatch) {
		return 0, err
	}

	return 0, fmt.Errorf("%w: workflow %d: no run by %s created at or after %s in %d attempts%s",
		ErrCorrelation,
		intent.WorkflowID,
		intent.Actor,
		intent.DispatchedAt.Format(time.RFC3339),
		attempt,
		c.diagnostics(ctx, intent.WorkflowID),
	)
}

// diagnostics summarizes the most recent runs for the failure message.
// Best effort: a listing error here just yields an empty summary.
func (c *Correlator) diagnostics(ctx context.Context, workflowID int64) string {
	listing, err := c.lister.ListWorkflowRuns(ctx, workflowID)
	if err != nil || len(listing) == 0 {
		return ""
	}
	if len(listing) > diagnosticRuns {
		listing = listing[:diagnosticRuns]
	}
	var sb strings.Builder
	sb.WriteString("; recent runs:")
	for _, run := range listing {
		fmt.Fprintf(&sb, " [id=%d created=%s status=%s actor=%s]",
			run.ID, run.CreatedAt.Format(time.RFC3339), run.Status, run.Actor.Login)
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Waiter
// ---------------------------------------------------------------------------

// Waiter polls a known run until it reaches its terminal state or a
// timeout elapses.  Each poll is a single synchronous status fetch; the
// loop owns no other resource.
type Waiter struct {
	getter   Getter
	interval time.Duration
	logger   *slog.Logger
}

// NewWaiter creates a Waiter.  A zero interval falls back to
// DefaultWaitInterval.
func NewWaiter(getter Getter, interval time.Duration, logger *slog.Logger) *Waiter {
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{getter: getter, interval: interval, logger: logger}
}

// errStillRunning drives the retry loop; Wait translates it into
// ErrWaitTimeout when the budget runs out.
var errStillRunning = errors.New("run not yet completed")

// Wait blocks until runID completes with a success conclusion and
// returns the terminal run.  A non-success conclusion fails with
// ErrRunFailed; exceeding timeout with no terminal status fails with
// ErrWaitTimeout.
func (w *Waiter) Wait(ctx context.Context, runID int64, timeout time.Duration) (*gh.WorkflowRun, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	p := poll.Policy{Interval: w.interval, MaxElapsed: timeout}

	run, err := poll.Until(ctx, p, func(ctx context.Context) (*gh.WorkflowRun, error) {
		run, err := w.getter.GetWorkflowRun(ctx, runID)
		if err != nil {
			return nil, poll.Fail(err)
		}

		w.logger.Info("run status",
			slog.Int64("runID", runID),
			slog.String("status", run.Status),
			slog.String("conclusion", run.Conclusion),
		)

		if !run.Completed() {
			return nil, fmt.Errorf("%w: run %d status %s", errStillRunning, runID, run.Status)
		}
		if !run.Succeeded() {
			return nil, poll.Fail(fmt.Errorf("%w: run %d concluded %s", ErrRunFailed, runID, run.Conclusion))
		}
		return run, nil
	})
	if err != nil {
		if errors.Is(err, errStillRunning) {
			return nil, fmt.Errorf("%w: run %d still not completed after %s", ErrWaitTimeout, runID, timeout)
		}
		return nil, err
	}
	return run, nil
}
