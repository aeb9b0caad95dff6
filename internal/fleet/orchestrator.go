// Package fleet launches miner workers in load-aware waves.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shizukutanaka/orefleet/internal/endpoint"
	"github.com/shizukutanaka/orefleet/internal/identity"
	"github.com/shizukutanaka/orefleet/internal/monitoring"
	"github.com/shizukutanaka/orefleet/internal/worker"
	"go.uber.org/zap"
)

// Plan is the fleet to bring up.
type Plan struct {
	Identities  []identity.Identity
	Parallelism int
	Fee         uint64
	Threads     int
}

// Total is the number of launches the plan calls for.
func (p Plan) Total() int {
	return len(p.Identities) * p.Parallelism
}

// Result is produced for every launch attempt.
type Result struct {
	DisplayID int
	Identity  identity.Identity
	Endpoint  endpoint.Endpoint
	Handle    worker.Handle
	Err       error
	At        time.Time
}

// Summary aggregates the results of one Run.
type Summary struct {
	Attempted int   `json:"attempted"`
	Launched  int   `json:"launched"`
	Failed    int   `json:"failed"`
	FailedIDs []int `json:"failed_ids,omitempty"`
}

// Orchestrator owns the launch counter and drives the launch sequence from a
// single goroutine.
type Orchestrator struct {
	logger   *zap.Logger
	launcher worker.Launcher
	pool     *endpoint.Pool
	sampler  LoadSampler
	metrics  *monitoring.Metrics
	clock    Clock
	sleep    SleepFunc

	pacing atomic.Pointer[Pacing]

	progressMu sync.Mutex
	progress   Summary
	total      int
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLoadSampler enables load-aware release of wave pauses.
func WithLoadSampler(s LoadSampler) Option {
	return func(o *Orchestrator) { o.sampler = s }
}

// WithMetrics records launch activity.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithSleep replaces how the orchestrator suspends.
func WithSleep(s SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(logger *zap.Logger, launcher worker.Launcher, pool *endpoint.Pool, pacing Pacing, opts ...Option) (*Orchestrator, error) {
	if err := pacing.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pacing: %w", err)
	}
	if pool == nil || pool.Len() == 0 {
		return nil, endpoint.ErrEmptyPool
	}

	o := &Orchestrator{
		logger:   logger.Named("fleet"),
		launcher: launcher,
		pool:     pool,
		clock:    RealClock{},
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.pacing.Store(&pacing)
	return o, nil
}

// Pacing returns the pacing in effect.
func (o *Orchestrator) Pacing() Pacing {
	return *o.pacing.Load()
}

// UpdatePacing replaces the pacing for launches that have not happened yet.
func (o *Orchestrator) UpdatePacing(p Pacing) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid pacing: %w", err)
	}
	o.pacing.Store(&p)
	o.logger.Info("Pacing updated",
		zap.Int("wave_size", p.WaveSize),
		zap.Duration("wave_delay", p.WaveDelay),
		zap.Duration("min_delay", p.MinDelay),
		zap.Duration("launch_delay", p.LaunchDelay),
		zap.Float64("cpu_threshold", p.CPUThreshold),
	)
	return nil
}

// Progress returns the results aggregated so far and the planned total.
func (o *Orchestrator) Progress() (Summary, int) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	s := o.progress
	s.FailedIDs = append([]int(nil), o.progress.FailedIDs...)
	return s, o.total
}

// Run attempts every launch of the plan and returns once all have been
// attempted; it does not wait for workers. Launch n uses endpoint n mod K and
// display id n+1 whether or not earlier launches failed. onResult, when set,
// is called from the aggregator goroutine for every attempt. On cancellation
// the summary of the attempts made so far is returned with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, plan Plan, onResult func(Result)) (Summary, error) {
	if plan.Parallelism < 1 {
		return Summary{}, errors.New("parallelism must be at least 1")
	}

	o.progressMu.Lock()
	o.progress = Summary{}
	o.total = plan.Total()
	o.progressMu.Unlock()

	if plan.Total() == 0 {
		o.logger.Warn("No identities to launch, fleet is empty")
		return Summary{}, nil
	}

	o.logger.Info("Launching fleet",
		zap.Int("identities", len(plan.Identities)),
		zap.Int("parallelism", plan.Parallelism),
		zap.Int("total", plan.Total()),
		zap.Int("endpoints", o.pool.Len()),
	)

	results := make(chan Result)
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.aggregate(results, onResult)
	}()

	err := o.launchAll(ctx, plan, results)
	close(results)
	<-done

	summary, _ := o.Progress()
	o.logger.Info("Fleet launch finished",
		zap.Int("attempted", summary.Attempted),
		zap.Int("launched", summary.Launched),
		zap.Int("failed", summary.Failed),
	)
	return summary, err
}

func (o *Orchestrator) launchAll(ctx context.Context, plan Plan, results chan<- Result) error {
	n := 0
	for pass := 0; pass < plan.Parallelism; pass++ {
		for _, id := range plan.Identities {
			if err := o.pace(ctx, n); err != nil {
				return err
			}
			results <- o.launch(ctx, plan, id, n)
			n++
		}
	}
	return nil
}

// pace suspends before launch n.
func (o *Orchestrator) pace(ctx context.Context, n int) error {
	if n == 0 {
		return ctx.Err()
	}
	p := o.Pacing()
	if isWaveBoundary(n, p.WaveSize) {
		o.logger.Debug("Wave boundary, pacing",
			zap.Int("launched", n),
			zap.Duration("min_delay", p.MinDelay),
			zap.Duration("wave_delay", p.WaveDelay),
		)
		return o.paceWave(ctx, p)
	}
	return o.wait(ctx, p.LaunchDelay)
}

func (o *Orchestrator) launch(ctx context.Context, plan Plan, id identity.Identity, n int) Result {
	spec := worker.LaunchSpec{
		Identity:  id,
		Endpoint:  o.pool.Select(uint(n)),
		Fee:       plan.Fee,
		Threads:   plan.Threads,
		DisplayID: n + 1,
	}

	h, err := o.launcher.Launch(ctx, spec)
	return Result{
		DisplayID: spec.DisplayID,
		Identity:  id,
		Endpoint:  spec.Endpoint,
		Handle:    h,
		Err:       err,
		At:        o.clock.Now(),
	}
}

// aggregate is the single consumer of launch results.
func (o *Orchestrator) aggregate(results <-chan Result, onResult func(Result)) {
	for r := range results {
		o.progressMu.Lock()
		o.progress.Attempted++
		if r.Err != nil {
			o.progress.Failed++
			o.progress.FailedIDs = append(o.progress.FailedIDs, r.DisplayID)
		} else {
			o.progress.Launched++
		}
		o.progressMu.Unlock()

		o.metrics.LaunchResult(r.Err == nil)
		if r.Err != nil {
			o.logger.Warn("Worker launch failed",
				zap.Int("display_id", r.DisplayID),
				zap.String("identity", r.Identity.Name),
				zap.String("endpoint", r.Endpoint.String()),
				zap.Error(r.Err),
			)
		} else {
			o.logger.Info("Worker launched",
				zap.Int("display_id", r.DisplayID),
				zap.String("identity", r.Identity.Name),
				zap.String("endpoint", r.Endpoint.String()),
			)
		}

		if onResult != nil {
			onResult(r)
		}
	}
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return o.sleep(ctx, d)
}
