package env

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/model"
)

func TestStepSimulationWhileStopped(t *testing.T) {
	e := newTestEnv(t)
	p := &fakeProblem{env: e.ID()}
	if _, err := e.LoadProblem(context.Background(), p, ""); err != nil {
		t.Fatalf("LoadProblem error: %v", err)
	}
	box := addBox(t, e, "box")
	var ticks int
	box.SetController(model.BodyControllerFunc(func(*model.Body, time.Duration) { ticks++ }))

	if e.IsSimulationRunning() {
		t.Fatalf("simulation running before StartSimulation")
	}
	if err := e.StepSimulation(10 * time.Millisecond); err != nil {
		t.Fatalf("StepSimulation error: %v", err)
	}
	if got := e.SimulationTime(); got != 10*time.Millisecond {
		t.Fatalf("SimulationTime = %s, want 10ms", got)
	}
	if got := p.steps.Load(); got != 1 {
		t.Fatalf("problem steps = %d, want 1", got)
	}
	if ticks != 1 {
		t.Fatalf("body controller ticks = %d, want 1", ticks)
	}
	if err := e.StepSimulation(0); !errors.Is(err, core.ErrInvalidArguments) {
		t.Fatalf("StepSimulation(0) error = %v, want ErrInvalidArguments", err)
	}
}

func TestStepRoundsToMicroseconds(t *testing.T) {
	e := newTestEnv(t)
	if err := e.StepSimulation(1500 * time.Nanosecond); err != nil {
		t.Fatalf("StepSimulation error: %v", err)
	}
	if got := e.SimulationTime(); got != 2*time.Microsecond {
		t.Fatalf("SimulationTime = %s, want 2µs", got)
	}
}

func TestRealTimeSimulationTracksWallClock(t *testing.T) {
	if testing.Short() {
		t.Skip("wall-clock pacing test")
	}
	e := newTestEnv(t)
	const tick = 10 * time.Millisecond

	start := time.Now()
	e.StartSimulation(tick, true)
	time.Sleep(time.Second)
	e.StopSimulation()
	wall := time.Since(start)
	sim := e.SimulationTime()

	if sim > wall+3*tick {
		t.Fatalf("simulated %s ran ahead of wall clock %s", sim, wall)
	}
	if sim < wall/2 {
		t.Fatalf("simulated %s fell far behind wall clock %s", sim, wall)
	}
}

func TestAcceleratedSimulationRunsProblems(t *testing.T) {
	e := newTestEnv(t)
	p := &fakeProblem{env: e.ID()}
	if _, err := e.LoadProblem(context.Background(), p, ""); err != nil {
		t.Fatalf("LoadProblem error: %v", err)
	}
	e.StartSimulation(time.Millisecond, false)
	if !waitFor(t, 2*time.Second, func() bool { return p.steps.Load() >= 20 }) {
		t.Fatalf("problem stepped %d times, want at least 20", p.steps.Load())
	}
	e.StopSimulation()

	// A tick in flight completes before StopSimulation returns.
	steps := p.steps.Load()
	time.Sleep(20 * time.Millisecond)
	if got := p.steps.Load(); got != steps {
		t.Fatalf("problem stepped %d more times after StopSimulation", got-steps)
	}
}

func TestLoadProblemExitCode(t *testing.T) {
	e := newTestEnv(t)
	failing := &fakeProblem{env: e.ID(), code: 3}
	code, err := e.LoadProblem(context.Background(), failing, "--fail")
	if err != nil || code != 3 {
		t.Fatalf("LoadProblem = %d, %v; want 3, nil", code, err)
	}
	if n := len(e.LoadedProblems()); n != 0 {
		t.Fatalf("failed problem attached, %d loaded", n)
	}

	ok := &fakeProblem{env: e.ID()}
	if code, err := e.LoadProblem(context.Background(), ok, ""); err != nil || code != 0 {
		t.Fatalf("LoadProblem = %d, %v; want 0, nil", code, err)
	}
	if removed, err := e.RemoveProblem(ok); err != nil || !removed {
		t.Fatalf("RemoveProblem = %v, %v; want true, nil", removed, err)
	}
	if ok.destroys.Load() != 1 {
		t.Fatalf("removed problem Destroy calls = %d, want 1", ok.destroys.Load())
	}
	if removed, _ := e.RemoveProblem(ok); removed {
		t.Fatalf("second RemoveProblem reported attached")
	}
}

func TestPanickingStepIsRecorded(t *testing.T) {
	e := newTestEnv(t)
	phys := newFakePhysics(e, 0)
	if err := e.SetPhysicsEngine(phys); err != nil {
		t.Fatalf("SetPhysicsEngine error: %v", err)
	}
	phys.panics.Store(true)

	if err := e.StepSimulation(time.Millisecond); err == nil {
		t.Fatalf("StepSimulation returned nil for a panicking engine")
	}
	if e.LastSimulationError() == nil {
		t.Fatalf("LastSimulationError not recorded")
	}
	if got := e.SimulationTime(); got != 0 {
		t.Fatalf("failed tick advanced time to %s", got)
	}

	phys.panics.Store(false)
	if err := e.StepSimulation(time.Millisecond); err != nil {
		t.Fatalf("StepSimulation after recovery error: %v", err)
	}
}

func TestDestroyDuringSlowStep(t *testing.T) {
	e := New()
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	phys := newFakePhysics(e, 20*time.Millisecond)
	if err := e.SetPhysicsEngine(phys); err != nil {
		t.Fatalf("SetPhysicsEngine error: %v", err)
	}
	var bodies []*model.Body
	for _, name := range []string{"a", "b", "c"} {
		bodies = append(bodies, addBox(t, e, name))
	}

	e.StartSimulation(time.Millisecond, false)
	if !waitFor(t, time.Second, func() bool { return phys.steps.Load() > 0 }) {
		t.Fatalf("worker never stepped")
	}
	e.Destroy()

	if phys.stepAfterDestroy.Load() {
		t.Fatalf("physics stepped after its environment was destroyed")
	}
	steps := phys.steps.Load()
	time.Sleep(50 * time.Millisecond)
	if got := phys.steps.Load(); got != steps {
		t.Fatalf("physics stepped %d times after Destroy", got-steps)
	}
	for _, b := range bodies {
		if b.CollisionData() != nil || b.PhysicsData() != nil {
			t.Fatalf("body %q kept backend data after Destroy", b.Name())
		}
	}
	if e.IsSimulationRunning() {
		t.Fatalf("simulation still enabled after Destroy")
	}
}
