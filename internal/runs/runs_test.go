package runs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/pushbutan/internal/gh"
	"github.com/terrpan/pushbutan/internal/poll"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// mockLister serves one canned listing per call, repeating the last
// one once the script runs out.
type mockLister struct {
	mu       sync.Mutex
	listings [][]gh.WorkflowRun
	calls    int
	err      error // if set, ListWorkflowRuns returns this error
}

func (m *mockLister) ListWorkflowRuns(_ context.Context, _ int64) ([]gh.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	i := m.calls
	m.calls++
	if i >= len(m.listings) {
		i = len(m.listings) - 1
	}
	if i < 0 {
		return nil, nil
	}
	return m.listings[i], nil
}

// mockGetter serves one canned run state per call, repeating the last.
type mockGetter struct {
	mu     sync.Mutex
	states []*gh.WorkflowRun
	calls  int
	err    error
}

func (m *mockGetter) GetWorkflowRun(_ context.Context, _ int64) (*gh.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	i := m.calls
	m.calls++
	if i >= len(m.states) {
		i = len(m.states) - 1
	}
	return m.states[i], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastPolicy keeps correlation tests quick.
func fastPolicy(attempts uint) poll.Policy {
	return poll.Policy{Interval: time.Millisecond, MaxAttempts: attempts}
}

func runBy(id int64, actor string, createdAt time.Time) gh.WorkflowRun {
	return gh.WorkflowRun{ID: id, Actor: gh.Actor{Login: actor}, CreatedAt: createdAt, Status: "queued"}
}

// ---------------------------------------------------------------------------
// Intent
// ---------------------------------------------------------------------------

type IntentSuite struct {
	suite.Suite
}

func TestIntentSuite(t *testing.T) {
	suite.Run(t, new(IntentSuite))
}

func (s *IntentSuite) TestMatches_SameActorAfterDispatch() {
	in := Intent{Actor: "octocat", DispatchedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	run := runBy(1, "octocat", in.DispatchedAt.Add(3*time.Second))
	assert.True(s.T(), in.Matches(&run))
}

func (s *IntentSuite) TestMatches_ExactDispatchInstant() {
	in := Intent{Actor: "octocat", DispatchedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	// created_at == dispatch time must match; the dispatch time is
	// captured before the dispatch call for exactly this reason.
	run := runBy(1, "octocat", in.DispatchedAt)
	assert.True(s.T(), in.Matches(&run))
}

func (s *IntentSuite) TestMatches_RejectsEarlierRun() {
	in := Intent{Actor: "octocat", DispatchedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	run := runBy(1, "octocat", in.DispatchedAt.Add(-time.Second))
	assert.False(s.T(), in.Matches(&run))
}

func (s *IntentSuite) TestMatches_RejectsOtherActor() {
	in := Intent{Actor: "octocat", DispatchedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	run := runBy(1, "hubot", in.DispatchedAt.Add(time.Second))
	assert.False(s.T(), in.Matches(&run))
}

func (s *IntentSuite) TestNewIntent_CapturesUTCNow() {
	before := time.Now().UTC()
	in := NewIntent(42, "octocat")
	after := time.Now().UTC()

	assert.NotEmpty(s.T(), in.ID)
	assert.Equal(s.T(), int64(42), in.WorkflowID)
	assert.Equal(s.T(), "octocat", in.Actor)
	assert.False(s.T(), in.DispatchedAt.Before(before))
	assert.False(s.T(), in.DispatchedAt.After(after))
	assert.Equal(s.T(), time.UTC, in.DispatchedAt.Location())
}

// ---------------------------------------------------------------------------
// Correlator
// ---------------------------------------------------------------------------

type CorrelatorSuite struct {
	suite.Suite

	dispatchedAt time.Time
	intent       Intent
}

func TestCorrelatorSuite(t *testing.T) {
	suite.Run(t, new(CorrelatorSuite))
}

func (s *CorrelatorSuite) SetupTest() {
	s.dispatchedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.intent = Intent{ID: "test-intent", WorkflowID: 42, Actor: "octocat", DispatchedAt: s.dispatchedAt}
}

func (s *CorrelatorSuite) TestFind_MatchInFirstListing() {
	lister := &mockLister{listings: [][]gh.WorkflowRun{{
		runBy(100, "hubot", s.dispatchedAt.Add(time.Second)),
		runBy(101, "octocat", s.dispatchedAt.Add(2*time.Second)),
	}}}

	c := NewCorrelator(lister, fastPolicy(5), discardLogger())
	runID, err := c.Find(context.Background(), s.intent)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(101), runID)
}

func (s *CorrelatorSuite) TestFind_ScansWholeListing() {
	// The matching run sits behind newer non-matching entries; listing
	// order carries no guarantee.
	lister := &mockLister{listings: [][]gh.WorkflowRun{{
		runBy(300, "hubot", s.dispatchedAt.Add(10*time.Second)),
		runBy(200, "octocat", s.dispatchedAt.Add(-time.Hour)),
		runBy(250, "octocat", s.dispatchedAt.Add(time.Second)),
	}}}

	c := NewCorrelator(lister, fastPolicy(5), discardLogger())
	runID, err := c.Find(context.Background(), s.intent)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(250), runID)
}

func (s *CorrelatorSuite) TestFind_RunAppearsOnLaterAttempt() {
	lister := &mockLister{listings: [][]gh.WorkflowRun{
		{},
		{},
		{runBy(500, "octocat", s.dispatchedAt.Add(4*time.Second))},
	}}

	c := NewCorrelator(lister, fastPolicy(10), discardLogger())
	runID, err := c.Find(context.Background(), s.intent)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(500), runID)
	assert.Equal(s.T(), 3, lister.calls)
}

func (s *CorrelatorSuite) TestFind_ExhaustionWrapsErrCorrelation() {
	lister := &mockLister{listings: [][]gh.WorkflowRun{{
		runBy(700, "octocat", s.dispatchedAt.Add(-time.Minute)),
		runBy(701, "hubot", s.dispatchedAt.Add(time.Second)),
	}}}

	c := NewCorrelator(lister, fastPolicy(3), discardLogger())
	_, err := c.Find(context.Background(), s.intent)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, ErrCorrelation)

	// The failure carries the search parameters and a diagnostic
	// summary of what the platform actually listed.
	assert.Contains(s.T(), err.Error(), "workflow 42")
	assert.Contains(s.T(), err.Error(), "octocat")
	assert.Contains(s.T(), err.Error(), "recent runs:")
	assert.Contains(s.T(), err.Error(), "id=700")
}

func (s *CorrelatorSuite) TestFind_ListingErrorAborts() {
	errRemote := errors.New("boom")
	lister := &mockLister{err: errRemote}

	c := NewCorrelator(lister, fastPolicy(10), discardLogger())
	_, err := c.Find(context.Background(), s.intent)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, errRemote)
	assert.NotErrorIs(s.T(), err, ErrCorrelation)
}

// ---------------------------------------------------------------------------
// Waiter
// ---------------------------------------------------------------------------

type WaiterSuite struct {
	suite.Suite
}

func TestWaiterSuite(t *testing.T) {
	suite.Run(t, new(WaiterSuite))
}

func (s *WaiterSuite) TestWait_SucceedsAfterPolling() {
	getter := &mockGetter{states: []*gh.WorkflowRun{
		{ID: 9, Status: "queued"},
		{ID: 9, Status: "in_progress"},
		{ID: 9, Status: gh.StatusCompleted, Conclusion: gh.ConclusionSuccess},
	}}

	w := NewWaiter(getter, time.Millisecond, discardLogger())
	run, err := w.Wait(context.Background(), 9, time.Second)
	require.NoError(s.T(), err)
	assert.True(s.T(), run.Succeeded())
	assert.Equal(s.T(), 3, getter.calls)
}

func (s *WaiterSuite) TestWait_FailureConclusion() {
	getter := &mockGetter{states: []*gh.WorkflowRun{
		{ID: 9, Status: gh.StatusCompleted, Conclusion: gh.ConclusionFailure},
	}}

	w := NewWaiter(getter, time.Millisecond, discardLogger())
	_, err := w.Wait(context.Background(), 9, time.Second)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, ErrRunFailed)
	assert.Contains(s.T(), err.Error(), "failure")
}

func (s *WaiterSuite) TestWait_CanceledConclusion() {
	getter := &mockGetter{states: []*gh.WorkflowRun{
		{ID: 9, Status: gh.StatusCompleted, Conclusion: gh.ConclusionCanceled},
	}}

	w := NewWaiter(getter, time.Millisecond, discardLogger())
	_, err := w.Wait(context.Background(), 9, time.Second)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, ErrRunFailed)
}

func (s *WaiterSuite) TestWait_Timeout() {
	getter := &mockGetter{states: []*gh.WorkflowRun{
		{ID: 9, Status: "in_progress"},
	}}

	w := NewWaiter(getter, 2*time.Millisecond, discardLogger())
	_, err := w.Wait(context.Background(), 9, 20*time.Millisecond)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, ErrWaitTimeout)
	assert.NotErrorIs(s.T(), err, ErrRunFailed)
}

func (s *WaiterSuite) TestWait_GetterErrorAborts() {
	errRemote := errors.New("boom")
	getter := &mockGetter{err: errRemote}

	w := NewWaiter(getter, time.Millisecond, discardLogger())
	_, err := w.Wait(context.Background(), 9, time.Second)
	require.Error(s.T(), err)
	assert.ErrorIs(s.T(), err, errRemote)
	assert.Equal(s.T(), 0, getter.calls)
}
