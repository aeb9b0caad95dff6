package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shizukutanaka/orefleet/internal/endpoint"
	"github.com/shizukutanaka/orefleet/internal/identity"
	"github.com/shizukutanaka/orefleet/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sleepRecorder advances the fake clock instead of sleeping.
type sleepRecorder struct {
	clock  *fakeClock
	sleeps []time.Duration
	// cancelAfter cancels once this many sleeps were recorded, when > 0.
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sleeps = append(s.sleeps, d)
	s.clock.Advance(d)
	if s.cancelAfter > 0 && len(s.sleeps) >= s.cancelAfter {
		s.cancel()
		return context.Canceled
	}
	return nil
}

type fakeLauncher struct {
	specs  []worker.LaunchSpec
	failOn map[int]bool
}

func (f *fakeLauncher) Launch(_ context.Context, spec worker.LaunchSpec) (worker.Handle, error) {
	f.specs = append(f.specs, spec)
	if f.failOn[spec.DisplayID] {
		return nil, fmt.Errorf("%w: boom", worker.ErrSpawnFailed)
	}
	return fakeHandle(spec.DisplayID), nil
}

type fakeHandle int

func (h fakeHandle) DisplayID() int   { return int(h) }
func (h fakeHandle) PID() int         { return 1000 + int(h) }
func (h fakeHandle) Alive() bool      { return true }
func (h fakeHandle) ExitErr() error   { return nil }
func (h fakeHandle) Terminate() error { return nil }

type fakeSampler struct {
	loads []float64
	calls int
}

func (s *fakeSampler) Sample(context.Context) float64 {
	load := s.loads[len(s.loads)-1]
	if s.calls < len(s.loads) {
		load = s.loads[s.calls]
	}
	s.calls++
	return load
}

func ids(names ...string) []identity.Identity {
	out := make([]identity.Identity, 0, len(names))
	for _, n := range names {
		out = append(out, identity.New("/keys/"+n+".json"))
	}
	return out
}

func newTestOrchestrator(t *testing.T, launcher worker.Launcher, endpoints []string, pacing Pacing, opts ...Option) (*Orchestrator, *sleepRecorder) {
	t.Helper()
	pool, err := endpoint.NewPool(endpoints)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := &sleepRecorder{clock: clock}
	opts = append([]Option{WithClock(clock), WithSleep(rec.Sleep)}, opts...)

	o, err := NewOrchestrator(zaptest.NewLogger(t), launcher, pool, pacing, opts...)
	require.NoError(t, err)
	return o, rec
}

func secs(values ...float64) []time.Duration {
	out := make([]time.Duration, 0, len(values))
	for _, v := range values {
		out = append(out, time.Duration(v*float64(time.Second)))
	}
	return out
}

func TestRunLaunchesEveryIdentityPerPass(t *testing.T) {
	launcher := &fakeLauncher{}
	o, _ := newTestOrchestrator(t, launcher, []string{"https://a", "https://b"},
		Pacing{WaveSize: 100, LaunchDelay: time.Second})

	plan := Plan{Identities: ids("x", "y", "z"), Parallelism: 2, Fee: 7, Threads: 4}
	summary, err := o.Run(context.Background(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, Summary{Attempted: 6, Launched: 6}, summary)
	require.Len(t, launcher.specs, 6)

	wantNames := []string{"x", "y", "z", "x", "y", "z"}
	for n, spec := range launcher.specs {
		assert.Equal(t, n+1, spec.DisplayID)
		assert.Equal(t, wantNames[n], spec.Identity.Name)
		assert.Equal(t, endpoint.Endpoint([]string{"https://a", "https://b"}[n%2]), spec.Endpoint)
		assert.Equal(t, uint64(7), spec.Fee)
		assert.Equal(t, 4, spec.Threads)
	}
}

func TestRunSpawnFailureKeepsEndpointAssignment(t *testing.T) {
	launcher := &fakeLauncher{failOn: map[int]bool{2: true}}
	o, _ := newTestOrchestrator(t, launcher, []string{"https://a", "https://b", "https://c"},
		Pacing{WaveSize: 10})

	var results []Result
	summary, err := o.Run(context.Background(), Plan{Identities: ids("p", "q", "r", "s"), Parallelism: 1},
		func(r Result) { results = append(results, r) })
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Attempted)
	assert.Equal(t, 3, summary.Launched)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []int{2}, summary.FailedIDs)

	require.Len(t, results, 4)
	assert.ErrorIs(t, results[1].Err, worker.ErrSpawnFailed)
	assert.Nil(t, results[1].Handle)
	assert.Equal(t, endpoint.Endpoint("https://c"), results[2].Endpoint)
	assert.Equal(t, endpoint.Endpoint("https://a"), results[3].Endpoint)
	assert.NotNil(t, results[3].Handle)
}

func TestRunWavePacingFullDelayUnderLoad(t *testing.T) {
	sampler := &fakeSampler{loads: []float64{95}}
	o, rec := newTestOrchestrator(t, &fakeLauncher{}, []string{"https://a"},
		Pacing{WaveSize: 5, WaveDelay: 10 * time.Second, MinDelay: 3 * time.Second, LaunchDelay: time.Second, CPUThreshold: 50},
		WithLoadSampler(sampler))

	_, err := o.Run(context.Background(), Plan{Identities: ids("a", "b", "c", "d", "e", "f"), Parallelism: 1}, nil)
	require.NoError(t, err)

	// Launches 1-4 wait the short delay; launch 5 opens a new wave.
	assert.Equal(t, secs(1, 1, 1, 1, 3, 1, 1, 1, 1, 1, 1, 1), rec.sleeps)
	assert.Equal(t, 7, sampler.calls)
}

func TestRunWavePacingEarlyRelease(t *testing.T) {
	sampler := &fakeSampler{loads: []float64{90, 80, 50}}
	o, rec := newTestOrchestrator(t, &fakeLauncher{}, []string{"https://a"},
		Pacing{WaveSize: 5, WaveDelay: 10 * time.Second, MinDelay: 3 * time.Second, LaunchDelay: time.Second, CPUThreshold: 50},
		WithLoadSampler(sampler))

	_, err := o.Run(context.Background(), Plan{Identities: ids("a", "b", "c", "d", "e", "f"), Parallelism: 1}, nil)
	require.NoError(t, err)

	assert.Equal(t, secs(1, 1, 1, 1, 3, 1, 1), rec.sleeps)
	assert.Equal(t, 3, sampler.calls)
}

// slowSampler blocks for window on the fake clock per sample.
type slowSampler struct {
	clock  *fakeClock
	window time.Duration
	calls  int
}

func (s *slowSampler) Sample(context.Context) float64 {
	s.calls++
	s.clock.Advance(s.window)
	return 100
}

func TestRunWavePauseBoundedBySlowSamples(t *testing.T) {
	o, rec := newTestOrchestrator(t, &fakeLauncher{}, []string{"https://a"},
		Pacing{WaveSize: 1, WaveDelay: 10 * time.Second, MinDelay: 3 * time.Second, CPUThreshold: 50})
	sampler := &slowSampler{clock: rec.clock, window: 5 * time.Second}
	o.sampler = sampler

	begin := rec.clock.Now()
	_, err := o.Run(context.Background(), Plan{Identities: ids("a", "b"), Parallelism: 1}, nil)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, rec.clock.Since(begin))
	assert.Equal(t, 1, sampler.calls)
	assert.Equal(t, secs(3, 2), rec.sleeps)
}

func TestRunWavePauseBoundedBySlightlySlowSamples(t *testing.T) {
	o, rec := newTestOrchestrator(t, &fakeLauncher{}, []string{"https://a"},
		Pacing{WaveSize: 1, WaveDelay: 10 * time.Second, MinDelay: 3 * time.Second, CPUThreshold: 50})
	o.sampler = &slowSampler{clock: rec.clock, window: 1100 * time.Millisecond}

	begin := rec.clock.Now()
	_, err := o.Run(context.Background(), Plan{Identities: ids("a", "b"), Parallelism: 1}, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, rec.clock.Since(begin), 10*time.Second)
}

func TestRunWavePacingWithoutSampler(t *testing.T) {
	o, rec := newTestOrchestrator(t, &fakeLauncher{}, []string{"https://a"},
		Pacing{WaveSize: 2, WaveDelay: 10 * time.Second, MinDelay: 3 * time.Second, LaunchDelay: time.Second})

	_, err := o.Run(context.Background(), Plan{Identities: ids("a", "b"), Parallelism: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, secs(1, 10, 1), rec.sleeps)
}

func TestRunWavePacingFractionalBudget(t *testing.T) {
	sampler := &fakeSampler{loads: []float64{100}}
	o, rec := newTestOrchestrator(t, &fakeLauncher{}, []string{"https://a"},
		Pacing{WaveSize: 1, WaveDelay: 3500 * time.Millisecond, MinDelay: time.Second, CPUThreshold: 10},
		WithLoadSampler(sampler))

	_, err := o.Run(context.Background(), Plan{Identities: ids("a", "b"), Parallelism: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, secs(1, 1, 1, 0.5), rec.sleeps)
}

func TestRunCancellation(t *testing.T) {
	launcher := &fakeLauncher{}
	o, rec := newTestOrchestrator(t, launcher, []string{"https://a"}, Pacing{WaveSize: 10, LaunchDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.cancelAfter = 2
	rec.cancel = cancel

	summary, err := o.Run(ctx, Plan{Identities: ids("a", "b", "c", "d"), Parallelism: 1}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 2, summary.Attempted)
	assert.Len(t, launcher.specs, 2)
}

func TestRunEmptyPlan(t *testing.T) {
	launcher := &fakeLauncher{}
	o, rec := newTestOrchestrator(t, launcher, []string{"https://a"}, Pacing{WaveSize: 1})

	summary, err := o.Run(context.Background(), Plan{Parallelism: 3}, nil)
	require.NoError(t, err)
	assert.Zero(t, summary.Attempted)
	assert.Empty(t, rec.sleeps)

	_, err = o.Run(context.Background(), Plan{Identities: ids("a"), Parallelism: 0}, nil)
	assert.Error(t, err)
}

func TestProgressAndUpdatePacing(t *testing.T) {
	o, rec := newTestOrchestrator(t, &fakeLauncher{}, []string{"https://a"}, Pacing{WaveSize: 10, LaunchDelay: time.Second})

	assert.Error(t, o.UpdatePacing(Pacing{WaveSize: 0}))
	assert.Error(t, o.UpdatePacing(Pacing{WaveSize: 1, WaveDelay: time.Second, MinDelay: 2 * time.Second}))
	require.NoError(t, o.UpdatePacing(Pacing{WaveSize: 10, LaunchDelay: 2 * time.Second}))
	assert.Equal(t, 2*time.Second, o.Pacing().LaunchDelay)

	_, err := o.Run(context.Background(), Plan{Identities: ids("a", "b"), Parallelism: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, secs(2), rec.sleeps)

	progress, total := o.Progress()
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, progress.Launched)
}

func TestNewOrchestratorValidation(t *testing.T) {
	_, err := NewOrchestrator(zaptest.NewLogger(t), &fakeLauncher{}, nil, Pacing{WaveSize: 1})
	assert.ErrorIs(t, err, endpoint.ErrEmptyPool)

	pool, err := endpoint.NewPool([]string{"https://a"})
	require.NoError(t, err)
	_, err = NewOrchestrator(zaptest.NewLogger(t), &fakeLauncher{}, pool, Pacing{WaveSize: 1, CPUThreshold: 120})
	assert.Error(t, err)
}

func TestIsWaveBoundary(t *testing.T) {
	assert.False(t, isWaveBoundary(0, 5))
	assert.False(t, isWaveBoundary(4, 5))
	assert.True(t, isWaveBoundary(5, 5))
	assert.True(t, isWaveBoundary(10, 5))
	assert.True(t, isWaveBoundary(1, 1))
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
