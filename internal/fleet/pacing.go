package fleet

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultLoadStep is the length of one load-aware release increment.
const DefaultLoadStep = time.Second

// LoadSampler reports current host CPU utilization in [0,100]. It may block
// for its sampling window.
type LoadSampler interface {
	Sample(ctx context.Context) float64
}

// Pacing controls how launches are spread over time.
type Pacing struct {
	// WaveSize is the number of launches between wave pauses.
	WaveSize int
	// WaveDelay is the upper bound of a wave pause.
	WaveDelay time.Duration
	// MinDelay is always waited at a wave boundary before load is consulted.
	MinDelay time.Duration
	// LaunchDelay separates launches inside a wave.
	LaunchDelay time.Duration
	// CPUThreshold releases a wave pause early once load is at or below it.
	CPUThreshold float64
	// LoadStep is the spacing of load checks; DefaultLoadStep when zero.
	LoadStep time.Duration
}

// Validate checks the pacing invariants.
func (p Pacing) Validate() error {
	switch {
	case p.WaveSize < 1:
		return errors.New("wave size must be at least 1")
	case p.WaveDelay < 0 || p.MinDelay < 0 || p.LaunchDelay < 0:
		return errors.New("delays must not be negative")
	case p.MinDelay > p.WaveDelay:
		return errors.New("min delay must not exceed wave delay")
	case p.CPUThreshold < 0 || p.CPUThreshold > 100:
		return errors.New("cpu threshold must be within [0,100]")
	}
	return nil
}

func (p Pacing) step() time.Duration {
	if p.LoadStep <= 0 {
		return DefaultLoadStep
	}
	return p.LoadStep
}

// isWaveBoundary reports whether launch n starts a new wave. The very first
// launch never waits.
func isWaveBoundary(n, waveSize int) bool {
	return n > 0 && n%waveSize == 0
}

// paceWave waits MinDelay, then checks load once per step until it drops to
// the threshold or WaveDelay has fully elapsed. The pause never outlasts
// WaveDelay, however long a single sample blocks.
func (o *Orchestrator) paceWave(ctx context.Context, p Pacing) error {
	start := o.clock.Now()
	defer func() {
		o.metrics.ObserveWaveWait(o.clock.Since(start))
	}()

	if o.sampler == nil {
		return o.wait(ctx, p.WaveDelay)
	}

	if err := o.wait(ctx, p.MinDelay); err != nil {
		return err
	}

	deadline := start.Add(p.WaveDelay)
	step := p.step()
	var sampleCost time.Duration

	for now := o.clock.Now(); now.Before(deadline); now = o.clock.Now() {
		remaining := deadline.Sub(now)
		if sampleCost > remaining {
			// Another sample would overrun the pause.
			return o.wait(ctx, remaining)
		}

		load, took := o.sample(ctx, remaining)
		if err := ctx.Err(); err != nil {
			return err
		}
		if took > sampleCost {
			sampleCost = took
		}
		o.metrics.SetHostLoad(load)

		if load <= p.CPUThreshold {
			o.logger.Debug("Host load below threshold, releasing wave",
				zap.Float64("cpu_percent", load),
				zap.Float64("threshold", p.CPUThreshold),
				zap.Duration("waited", o.clock.Since(start)),
			)
			return nil
		}

		rest := step - took
		if left := deadline.Sub(o.clock.Now()); rest > left {
			rest = left
		}
		if err := o.wait(ctx, rest); err != nil {
			return err
		}
	}
	return nil
}

// sample reads host load, giving up once limit has passed.
func (o *Orchestrator) sample(ctx context.Context, limit time.Duration) (float64, time.Duration) {
	sampleCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	begin := o.clock.Now()
	load := o.sampler.Sample(sampleCtx)
	return load, o.clock.Since(begin)
}
