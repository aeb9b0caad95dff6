package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shizukutanaka/orefleet/internal/identity"
	"github.com/shizukutanaka/orefleet/internal/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeQuerier returns balances by keypair path; a missing path fails.
type fakeQuerier struct {
	mu       sync.Mutex
	balances map[string]float64
	calls    int
}

func (f *fakeQuerier) Rewards(_ context.Context, keypair string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	amount, ok := f.balances[keypair]
	if !ok {
		return 0, errors.New("exit status 1")
	}
	return amount, nil
}

func (f *fakeQuerier) set(keypair string, amount float64) {
	f.mu.Lock()
	f.balances[keypair] = amount
	f.mu.Unlock()
}

func testIDs() []identity.Identity {
	return []identity.Identity{
		identity.New("/keys/A.json"),
		identity.New("/keys/B.json"),
		identity.New("/keys/C.json"),
	}
}

func TestPollAllFoldsFailuresToZero(t *testing.T) {
	q := &fakeQuerier{balances: map[string]float64{"/keys/A.json": 5, "/keys/C.json": 3}}
	l := NewLedger(zaptest.NewLogger(t), q, monitoring.NewMetrics(""))

	poll := l.PollAll(context.Background(), testIDs())
	assert.Equal(t, 8.0, poll.Total)
	assert.Equal(t, 1, poll.Failed)
	assert.Len(t, poll.Samples, 2)
	assert.Len(t, l.Latest(), 2)
}

func TestPollOneWrapsQueryFailed(t *testing.T) {
	q := &fakeQuerier{balances: map[string]float64{}}
	l := NewLedger(zaptest.NewLogger(t), q, nil)

	_, err := l.PollOne(context.Background(), identity.New("/keys/B.json"))
	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.Contains(t, err.Error(), "B")
}

func TestLatestKeepsOnlyMostRecent(t *testing.T) {
	q := &fakeQuerier{balances: map[string]float64{"/keys/A.json": 1}}
	l := NewLedger(zaptest.NewLogger(t), q, nil)
	id := identity.New("/keys/A.json")

	_, err := l.PollOne(context.Background(), id)
	require.NoError(t, err)
	q.set("/keys/A.json", 4)
	_, err = l.PollOne(context.Background(), id)
	require.NoError(t, err)

	latest := l.Latest()
	require.Len(t, latest, 1)
	assert.Equal(t, 4.0, latest[0].Amount)
}

func TestRate(t *testing.T) {
	assert.Equal(t, 2.0, Rate(10, 22, 6*time.Minute))
	assert.Equal(t, 0.0, Rate(10, 22, 0))
	assert.Equal(t, -1.0, Rate(10, 4, 6*time.Minute))
}

func TestSessionObserve(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession("s1", 10, start)

	r := s.Observe(13, start.Add(3*time.Minute))
	assert.Equal(t, 3.0, r.Delta)
	assert.Equal(t, 3.0, r.Gain)
	assert.Equal(t, 1.0, r.Rate)

	r = s.Observe(22, start.Add(6*time.Minute))
	assert.Equal(t, 9.0, r.Delta)
	assert.Equal(t, 12.0, r.Gain)
	assert.Equal(t, 2.0, r.Rate)

	// A claim made elsewhere lowers the total; it is reported, not rejected.
	r = s.Observe(1, start.Add(7*time.Minute))
	assert.Equal(t, -21.0, r.Delta)

	sum := s.Summary()
	assert.Equal(t, "s1", sum.SessionID)
	assert.Equal(t, 10.0, sum.Initial)
	assert.Equal(t, 1.0, sum.Final)
	assert.Equal(t, -9.0, sum.Gain)
	assert.Equal(t, 3, sum.Polls)
	assert.Equal(t, 7*time.Minute, sum.Elapsed)
	assert.Contains(t, sum.String(), "Gained a total of -9.000000 ORE")
	assert.Contains(t, r.String(), "totaling 1.000000 ORE")
}

type recordingStore struct {
	mu      sync.Mutex
	started []string
	samples int
	ended   []Summary
}

func (s *recordingStore) StartSession(_ context.Context, id string, _ time.Time, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, id)
	return nil
}

func (s *recordingStore) RecordBalance(context.Context, string, BalanceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples++
	return nil
}

func (s *recordingStore) EndSession(_ context.Context, summary Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, summary)
	return nil
}

type cancelingReporter struct {
	initial  Poll
	reports  []Report
	after    int
	cancel   context.CancelFunc
	onReport func(n int)
}

func (r *cancelingReporter) Start(_ string, initial Poll) { r.initial = initial }

func (r *cancelingReporter) Progress(rep Report) {
	r.reports = append(r.reports, rep)
	if r.onReport != nil {
		r.onReport(len(r.reports))
	}
	if len(r.reports) == r.after {
		r.cancel()
	}
}

func TestTrackerRunUntilCanceled(t *testing.T) {
	q := &fakeQuerier{balances: map[string]float64{"/keys/A.json": 1, "/keys/B.json": 2}}
	l := NewLedger(zaptest.NewLogger(t), q, nil)
	store := &recordingStore{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep := &cancelingReporter{after: 2, cancel: cancel}
	rep.onReport = func(n int) { q.set("/keys/A.json", 1+float64(n)) }

	tr, err := NewTracker(zaptest.NewLogger(t), l, testIDs(), 5*time.Millisecond, store, rep)
	require.NoError(t, err)

	summary, err := tr.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3.0, rep.initial.Total)
	assert.Equal(t, 1, rep.initial.Failed)
	// Two ticks plus the closing poll.
	require.Len(t, rep.reports, 3)
	assert.Equal(t, 3.0, rep.reports[0].Total)
	assert.Equal(t, 1, rep.reports[0].Failed)
	assert.Equal(t, 4.0, rep.reports[1].Total)
	assert.Equal(t, 1.0, rep.reports[1].Delta)
	assert.Equal(t, 5.0, rep.reports[2].Total)

	assert.Equal(t, 3.0, summary.Initial)
	assert.Equal(t, 5.0, summary.Final)
	assert.Equal(t, 2.0, summary.Gain)
	assert.Equal(t, 3, summary.Polls)

	require.Len(t, store.started, 1)
	assert.Equal(t, summary.SessionID, store.started[0])
	assert.Equal(t, 8, store.samples)
	require.Len(t, store.ended, 1)
}

// interruptingQuerier cancels the session on call cancelOn and fails every
// query made on a cancelled context.
type interruptingQuerier struct {
	mu       sync.Mutex
	calls    int
	cancelOn int
	cancel   context.CancelFunc
}

func (q *interruptingQuerier) Rewards(ctx context.Context, _ string) (float64, error) {
	q.mu.Lock()
	q.calls++
	if q.calls == q.cancelOn {
		q.cancel()
	}
	q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 10, nil
}

type collectingReporter struct {
	mu      sync.Mutex
	reports []Report
}

func (r *collectingReporter) Start(string, Poll) {}

func (r *collectingReporter) Progress(rep Report) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
}

func TestTrackerInterruptedPollIsNotReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Opening poll is calls 1-3, the first tick 4-6; the interrupt lands
	// inside the second tick.
	q := &interruptingQuerier{cancelOn: 8, cancel: cancel}
	l := NewLedger(zaptest.NewLogger(t), q, nil)
	rep := &collectingReporter{}

	tr, err := NewTracker(zaptest.NewLogger(t), l, testIDs(), 5*time.Millisecond, nil, rep)
	require.NoError(t, err)

	summary, err := tr.Run(ctx)
	require.NoError(t, err)

	// The first tick and the closing poll only.
	require.Len(t, rep.reports, 2)
	for _, r := range rep.reports {
		assert.Equal(t, 30.0, r.Total)
		assert.Zero(t, r.Delta)
		assert.Zero(t, r.Failed)
	}
	assert.Equal(t, 30.0, summary.Final)
	assert.Zero(t, summary.Gain)
}

func TestNewTrackerRejectsBadInterval(t *testing.T) {
	_, err := NewTracker(zaptest.NewLogger(t), nil, nil, 0, nil, nil)
	assert.Error(t, err)
}

func TestTrackerCanceledBeforeStart(t *testing.T) {
	q := &fakeQuerier{balances: map[string]float64{}}
	l := NewLedger(zaptest.NewLogger(t), q, nil)
	tr, err := NewTracker(zaptest.NewLogger(t), l, testIDs(), time.Second, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
