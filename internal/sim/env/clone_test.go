package env

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/model"
)

func TestCloneCopiesBodiesIndependently(t *testing.T) {
	src := newTestEnv(t)
	box := addBox(t, src, "box")
	arm := addArm(t, src, "arm")
	if err := arm.Grab(box, 1); err != nil {
		t.Fatalf("Grab error: %v", err)
	}
	box.SetDOFValues([]float64{0.25})

	dst, err := src.Clone(context.Background(), model.CloneBodies)
	if err != nil {
		t.Fatalf("Clone error: %v", err)
	}
	t.Cleanup(dst.Destroy)

	if dst.ID() == src.ID() {
		t.Fatalf("clone shares the source identity")
	}
	dbox := dst.Body("box")
	if dbox == nil {
		t.Fatalf("clone is missing body box")
	}
	if dbox == box {
		t.Fatalf("clone shares the source body pointer")
	}
	if dbox.ID() != box.ID() {
		t.Fatalf("clone body id = %d, want %d", dbox.ID(), box.ID())
	}
	if dbox.EnvironmentID() != dst.ID() {
		t.Fatalf("clone body belongs to %s, want %s", dbox.EnvironmentID(), dst.ID())
	}
	if got := dbox.DOFValues(); len(got) != 1 || got[0] != 0.25 {
		t.Fatalf("clone DOF values = %v, want [0.25]", got)
	}
	if dbox.CollisionData() == nil {
		t.Fatalf("clone body was not initialised with the collision backend")
	}

	darm := dst.Robot("arm")
	if darm == nil {
		t.Fatalf("clone is missing robot arm")
	}
	if !darm.IsGrabbing(dbox) {
		t.Fatalf("clone robot lost its grab")
	}

	if _, err := dst.RemoveBody(dbox); err != nil {
		t.Fatalf("RemoveBody on clone error: %v", err)
	}
	if src.Body("box") != box || !arm.IsGrabbing(box) {
		t.Fatalf("removing from the clone changed the source")
	}

	fresh := addBox(t, dst, "fresh")
	if fresh.ID() <= arm.ID() || fresh.ID() <= box.ID() {
		t.Fatalf("clone reissued identity %d", fresh.ID())
	}
}

func TestCloneWithoutBodies(t *testing.T) {
	src := newTestEnv(t)
	addBox(t, src, "box")
	dst, err := src.Clone(context.Background(), 0)
	if err != nil {
		t.Fatalf("Clone error: %v", err)
	}
	t.Cleanup(dst.Destroy)
	if n := len(dst.Bodies()); n != 0 {
		t.Fatalf("clone without bodies has %d bodies", n)
	}
}

func TestCloneSimulationState(t *testing.T) {
	src := newTestEnv(t)
	for range 3 {
		if err := src.StepSimulation(5 * time.Millisecond); err != nil {
			t.Fatalf("StepSimulation error: %v", err)
		}
	}

	plain, err := src.Clone(context.Background(), model.CloneBodies)
	if err != nil {
		t.Fatalf("Clone error: %v", err)
	}
	t.Cleanup(plain.Destroy)
	if plain.SimulationTime() != 0 || plain.IsSimulationRunning() {
		t.Fatalf("clone without simulation kept time %s", plain.SimulationTime())
	}

	withSim, err := src.Clone(context.Background(), model.CloneBodies|model.CloneSimulation)
	if err != nil {
		t.Fatalf("Clone error: %v", err)
	}
	t.Cleanup(withSim.Destroy)
	if got := withSim.SimulationTime(); got != 15*time.Millisecond {
		t.Fatalf("clone simulation time = %s, want 15ms", got)
	}
}

func TestCloneOfDestroyedEnvironment(t *testing.T) {
	src := New()
	if _, err := src.Clone(context.Background(), model.CloneBodies); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Clone of uninitialised env error = %v, want ErrInvalidState", err)
	}
	if err := src.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	src.Destroy()
	if _, err := src.Clone(context.Background(), model.CloneBodies); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Clone of destroyed env error = %v, want ErrInvalidState", err)
	}
}
