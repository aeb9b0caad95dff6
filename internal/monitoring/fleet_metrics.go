package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every exported metric.
const DefaultNamespace = "orefleet"

// Metrics records fleet, ledger and claim activity. All methods are safe on a
// nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	launches       *prometheus.CounterVec
	hostLoad       prometheus.Gauge
	waveWait       prometheus.Histogram
	workersRunning prometheus.Gauge

	balance       *prometheus.GaugeVec
	queryFailures *prometheus.CounterVec
	sessionTotal  prometheus.Gauge
	sessionRate   prometheus.Gauge

	claimAttempts *prometheus.CounterVec
	claimOutcomes *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "launches_total",
			Help:      "Worker launch attempts by result",
		}, []string{"result"}),
		hostLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "host_cpu_percent",
			Help:      "Last sampled host CPU utilization",
		}),
		waveWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "wave_wait_seconds",
			Help:      "Time spent pacing at wave boundaries",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "workers_running",
			Help:      "Workers spawned by this run that are still alive",
		}),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "balance",
			Help:      "Last observed claimable balance per identity",
		}, []string{"identity"}),
		queryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "query_failures_total",
			Help:      "Balance queries that failed or returned unparsable output",
		}, []string{"identity"}),
		sessionTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "total",
			Help:      "Sum of balances across identities at the last poll",
		}),
		sessionRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rate_per_minute",
			Help:      "Session gain per minute since start",
		}),
		claimAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "attempts_total",
			Help:      "Claim requests issued per identity",
		}, []string{"identity"}),
		claimOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "outcomes_total",
			Help:      "Finished claims by terminal state",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.launches, m.hostLoad, m.waveWait, m.workersRunning,
		m.balance, m.queryFailures, m.sessionTotal, m.sessionRate,
		m.claimAttempts, m.claimOutcomes,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the collectors for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) LaunchResult(ok bool) {
	if m == nil {
		return
	}
	result := "launched"
	if !ok {
		result = "failed"
	}
	m.launches.WithLabelValues(result).Inc()
}

func (m *Metrics) SetHostLoad(percent float64) {
	if m == nil {
		return
	}
	m.hostLoad.Set(percent)
}

func (m *Metrics) ObserveWaveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.waveWait.Observe(d.Seconds())
}

func (m *Metrics) SetWorkersRunning(n int) {
	if m == nil {
		return
	}
	m.workersRunning.Set(float64(n))
}

func (m *Metrics) SetBalance(identity string, amount float64) {
	if m == nil {
		return
	}
	m.balance.WithLabelValues(identity).Set(amount)
}

func (m *Metrics) QueryFailed(identity string) {
	if m == nil {
		return
	}
	m.queryFailures.WithLabelValues(identity).Inc()
}

func (m *Metrics) SetSession(total, ratePerMinute float64) {
	if m == nil {
		return
	}
	m.sessionTotal.Set(total)
	m.sessionRate.Set(ratePerMinute)
}

func (m *Metrics) ClaimAttempt(identity string) {
	if m == nil {
		return
	}
	m.claimAttempts.WithLabelValues(identity).Inc()
}

func (m *Metrics) ClaimOutcome(state string) {
	if m == nil {
		return
	}
	m.claimOutcomes.WithLabelValues(state).Inc()
}
