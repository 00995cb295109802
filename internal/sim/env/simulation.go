package env

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/model"
	"github.com/signalsfoundry/simenv/timectrl"
)

// StartSimulation enables the worker's stepping with the given step and
// pacing mode. Simulated time restarts at zero.
func (e *Environment) StartSimulation(delta time.Duration, realTime bool) {
	if delta <= 0 {
		delta = e.defaultDelta
	}
	e.mu.Lock()
	e.clock.Reset(delta, timectrl.ModeFor(realTime))
	e.simEnabled.Store(true)
	e.mu.Unlock()
	e.log.Info(context.Background(), "simulation started",
		logging.Duration("delta", delta),
		logging.Bool("real_time", realTime),
	)
}

// StopSimulation disables stepping. A tick in progress completes first.
func (e *Environment) StopSimulation() {
	e.mu.Lock()
	e.simEnabled.Store(false)
	e.mu.Unlock()
}

// IsSimulationRunning reports whether the worker is stepping.
func (e *Environment) IsSimulationRunning() bool { return e.simEnabled.Load() }

// SimulationTime returns the simulated time since the simulation started.
func (e *Environment) SimulationTime() time.Duration { return e.clock.Elapsed() }

// Clock exposes the simulation clock.
func (e *Environment) Clock() timectrl.SimClock { return e.clock }

// StepSimulation runs exactly one tick of delta on the caller's goroutine,
// including every attached problem, and returns once it completes. It works
// whether or not the worker is stepping.
func (e *Environment) StepSimulation(delta time.Duration) error {
	if delta <= 0 {
		return fmt.Errorf("%w: non-positive step %s", core.ErrInvalidArguments, delta)
	}
	if err := e.checkUsable(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepLocked(delta)
}

// LastSimulationError returns the most recent tick failure, or nil.
func (e *Environment) LastSimulationError() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.lastErr
}

// PublishedBodies returns the latest published snapshot. It takes only the
// registry lock, so it never waits for a tick.
func (e *Environment) PublishedBodies() []model.BodyState { return e.registry.Published() }

// stepLocked advances physics, then bodies, then problems, then the clock. A
// panic inside the tick is recovered, recorded and the tick is skipped.
func (e *Environment) stepLocked(delta time.Duration) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("simulation step panicked: %v", r)
			e.errMu.Lock()
			e.lastErr = err
			e.errMu.Unlock()
			e.schedMetrics.IncStepFailures()
			e.log.Error(context.Background(), "simulation step failed", logging.Err(err))
		}
	}()

	step := timectrl.RoundStep(delta)
	e.physics.Get().SimulateStep(step)

	bodies, stamp := e.registry.Snapshot()
	for _, b := range bodies {
		if e.registry.Stamp() != stamp && !e.registry.Contains(b) {
			continue
		}
		b.SimulationStep(step)
	}

	scene := sceneView{e}
	for _, p := range e.problemSnapshot() {
		p.SimulationStep(scene, step)
	}

	e.clock.Advance(step)
	e.schedMetrics.ObserveStep(time.Since(start), e.clock.Elapsed())
	return nil
}

// refreshPublishedLocked rebuilds the published snapshot in registry order.
func (e *Environment) refreshPublishedLocked() {
	bodies := e.registry.Bodies()
	states := make([]model.BodyState, 0, len(bodies))
	for _, b := range bodies {
		states = append(states, model.CaptureState(b))
	}
	e.registry.Publish(states)
	e.schedMetrics.IncSnapshotRefresh()
}

func (e *Environment) startWorker() {
	if e.started.CompareAndSwap(false, true) {
		go e.run()
	}
}

func (e *Environment) stopWorker() {
	if !e.started.Load() {
		return
	}
	close(e.stop)
	<-e.done
}

// sleep waits for d or until the worker is asked to stop. It reports whether
// the worker should keep running.
func (e *Environment) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.stop:
		return false
	case <-t.C:
		return true
	}
}

// run is the simulation worker. The scene lock is released only around the
// pacing sleep and between iterations.
func (e *Environment) run() {
	defer close(e.done)
	lastPublish := time.Now()
	lastSlept := time.Now()

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		idle := true
		if e.simEnabled.Load() {
			idle = false
			var pacing timectrl.Pacing
			e.mu.Lock()
			// Stop may have landed while waiting for the lock.
			if e.simEnabled.Load() {
				_ = e.stepLocked(e.clock.Tick())
				pacing = e.clock.Pace()
			}
			e.mu.Unlock()

			e.schedMetrics.ObservePacing(pacing.Sleep, pacing.Slip)
			if pacing.Sleep > 0 {
				if !e.sleep(pacing.Sleep) {
					return
				}
				lastSlept = time.Now()
			}
		}

		if time.Since(lastSlept) > yieldInterval {
			if !e.sleep(idleSleep) {
				return
			}
			idle = false
			lastSlept = time.Now()
		}

		if time.Since(lastPublish) > publishInterval {
			e.mu.Lock()
			lastPublish = time.Now()
			e.refreshPublishedLocked()
			e.mu.Unlock()
		}

		if idle {
			if !e.sleep(idleSleep) {
				return
			}
			if e.db != nil {
				e.db.CleanupUnusedLibraries()
			}
		}
	}
}
