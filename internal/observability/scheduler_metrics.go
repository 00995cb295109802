package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes simulation-loop Prometheus metrics.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	StepDuration      prometheus.Histogram
	SimulatedSeconds  prometheus.Gauge
	PacingSleepTotal  prometheus.Counter
	ClockSlipTotal    prometheus.Counter
	SnapshotRefreshes prometheus.Counter
	StepFailures      prometheus.Counter
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	stepHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "simenv_step_duration_seconds",
		Help:    "Wall-clock duration of one simulation tick including physics, bodies and problems.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})
	stepHistogram, err := registerHistogram(reg, stepHistogram, "simenv_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	simGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simenv_simulated_seconds",
		Help: "Simulated time elapsed since the simulation was last started.",
	})
	simGauge, err = registerGauge(reg, simGauge, "simenv_simulated_seconds")
	if err != nil {
		return nil, err
	}

	sleeps := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simenv_pacing_sleep_seconds_total",
		Help: "Cumulative time the scheduler slept to stay in step with wall-clock time.",
	})
	sleeps, err = registerCounter(reg, sleeps, "simenv_pacing_sleep_seconds_total")
	if err != nil {
		return nil, err
	}

	slips := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simenv_clock_slip_seconds_total",
		Help: "Cumulative lag absorbed by moving the wall-clock reference forward.",
	})
	slips, err = registerCounter(reg, slips, "simenv_clock_slip_seconds_total")
	if err != nil {
		return nil, err
	}

	refreshes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simenv_published_refresh_total",
		Help: "Number of published body state snapshots built.",
	})
	refreshes, err = registerCounter(reg, refreshes, "simenv_published_refresh_total")
	if err != nil {
		return nil, err
	}

	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simenv_step_failures_total",
		Help: "Number of simulation ticks skipped because a backend or module panicked.",
	})
	failures, err = registerCounter(reg, failures, "simenv_step_failures_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:          gatherer,
		StepDuration:      stepHistogram,
		SimulatedSeconds:  simGauge,
		PacingSleepTotal:  sleeps,
		ClockSlipTotal:    slips,
		SnapshotRefreshes: refreshes,
		StepFailures:      failures,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveStep records one tick's duration and the simulated time reached.
func (c *SchedulerCollector) ObserveStep(d, simulated time.Duration) {
	if c == nil {
		return
	}
	if c.StepDuration != nil {
		c.StepDuration.Observe(d.Seconds())
	}
	if c.SimulatedSeconds != nil {
		c.SimulatedSeconds.Set(simulated.Seconds())
	}
}

// ObservePacing records a pacing decision.
func (c *SchedulerCollector) ObservePacing(sleep, slip time.Duration) {
	if c == nil {
		return
	}
	if sleep > 0 && c.PacingSleepTotal != nil {
		c.PacingSleepTotal.Add(sleep.Seconds())
	}
	if slip > 0 && c.ClockSlipTotal != nil {
		c.ClockSlipTotal.Add(slip.Seconds())
	}
}

// IncSnapshotRefresh counts a published-state rebuild.
func (c *SchedulerCollector) IncSnapshotRefresh() {
	if c == nil || c.SnapshotRefreshes == nil {
		return
	}
	c.SnapshotRefreshes.Inc()
}

// IncStepFailures counts a skipped tick.
func (c *SchedulerCollector) IncStepFailures() {
	if c == nil || c.StepFailures == nil {
		return
	}
	c.StepFailures.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
