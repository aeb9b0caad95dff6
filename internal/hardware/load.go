package hardware

import (
	"context"
	"runtime"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// DefaultSampleWindow is how long one CPU utilization sample observes the host.
const DefaultSampleWindow = time.Second

// CPUSampler reports host-wide CPU utilization.
type CPUSampler struct {
	logger *zap.Logger
	window time.Duration

	percent func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
}

// NewCPUSampler creates a sampler observing the host for window per sample.
func NewCPUSampler(logger *zap.Logger, window time.Duration) *CPUSampler {
	if window <= 0 {
		window = DefaultSampleWindow
	}
	return &CPUSampler{
		logger:  logger.Named("cpu_sampler"),
		window:  window,
		percent: cpu.PercentWithContext,
	}
}

// Sample blocks for the sample window and returns utilization in [0,100].
// A failed sample reports 100 so callers pacing on load keep waiting.
func (s *CPUSampler) Sample(ctx context.Context) float64 {
	percentages, err := s.percent(ctx, s.window, false)
	if err != nil || len(percentages) == 0 {
		if ctx.Err() == nil {
			s.logger.Warn("CPU sample failed", zap.Error(err))
		}
		return 100
	}
	return clampPercent(percentages[0])
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// RecommendedThreads returns the physical core count, falling back to the
// logical CPU count when cpuid cannot tell.
func RecommendedThreads() int {
	if cores := cpuid.CPU.PhysicalCores; cores > 0 {
		return cores
	}
	return runtime.NumCPU()
}

// Describe returns the processor brand for startup logs.
func Describe() string {
	if cpuid.CPU.BrandName != "" {
		return cpuid.CPU.BrandName
	}
	return runtime.GOARCH
}
