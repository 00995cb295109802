package env

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/model"
)

func newTestEnv(t *testing.T, opts ...Option) *Environment {
	t.Helper()
	e := New(opts...)
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	t.Cleanup(e.Destroy)
	return e
}

func newBox(t *testing.T, e *Environment, name string) *model.Body {
	t.Helper()
	b, err := e.CreateKinBody("")
	if err != nil {
		t.Fatalf("CreateKinBody error: %v", err)
	}
	b.SetName(name)
	b.AddLink("base", model.IdentityTransform(), model.Vec3{X: 0.5, Y: 0.5, Z: 0.5})
	return b
}

func addBox(t *testing.T, e *Environment, name string) *model.Body {
	t.Helper()
	b := newBox(t, e, name)
	if err := e.AddBody(b, false); err != nil {
		t.Fatalf("AddBody(%q) error: %v", name, err)
	}
	return b
}

func addArm(t *testing.T, e *Environment, name string) *model.Robot {
	t.Helper()
	r, err := e.CreateRobot("")
	if err != nil {
		t.Fatalf("CreateRobot error: %v", err)
	}
	r.SetName(name)
	r.AddLink("base", model.IdentityTransform(), model.Vec3{X: 0.1, Y: 0.1, Z: 0.1})
	r.AddLink("hand", model.IdentityTransform(), model.Vec3{X: 0.05, Y: 0.05, Z: 0.05})
	if err := e.AddRobot(r, false); err != nil {
		t.Fatalf("AddRobot(%q) error: %v", name, err)
	}
	return r
}

// fakePhysics counts steps and flags any step that runs after its environment
// state was destroyed.
type fakePhysics struct {
	*core.NoopPhysicsEngine

	delay            time.Duration
	panics           atomic.Bool
	steps            atomic.Int64
	destroyed        atomic.Bool
	stepAfterDestroy atomic.Bool
}

func newFakePhysics(e *Environment, delay time.Duration) *fakePhysics {
	return &fakePhysics{NoopPhysicsEngine: core.NewNoopPhysicsEngine(e.ID()), delay: delay}
}

func (p *fakePhysics) XMLID() string { return "fakephysics" }

func (p *fakePhysics) InitEnvironment() bool {
	p.destroyed.Store(false)
	return true
}

func (p *fakePhysics) DestroyEnvironment() { p.destroyed.Store(true) }

func (p *fakePhysics) SimulateStep(time.Duration) {
	if p.destroyed.Load() {
		p.stepAfterDestroy.Store(true)
	}
	if p.panics.Load() {
		panic("integrator diverged")
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.steps.Add(1)
}

type fakeProblem struct {
	env  model.EnvironmentID
	code int

	steps    atomic.Int64
	resets   atomic.Int32
	destroys atomic.Int32
}

func (p *fakeProblem) XMLID() string                      { return "fakeproblem" }
func (p *fakeProblem) EnvironmentID() model.EnvironmentID { return p.env }
func (p *fakeProblem) Main(string) int                    { return p.code }
func (p *fakeProblem) SimulationStep(core.Scene, time.Duration) {
	p.steps.Add(1)
}
func (p *fakeProblem) Reset()   { p.resets.Add(1) }
func (p *fakeProblem) Destroy() { p.destroys.Add(1) }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// refusingChecker fails InitEnvironment.
type refusingChecker struct {
	*core.NoopCollisionChecker
	destroyed atomic.Bool
}

func (c *refusingChecker) XMLID() string         { return "refusing" }
func (c *refusingChecker) InitEnvironment() bool { return false }
func (c *refusingChecker) DestroyEnvironment()   { c.destroyed.Store(true) }

// checkerDB is a factory database that only builds refusing checkers.
type checkerDB struct {
	built []*refusingChecker
}

func (d *checkerDB) CreateInterface(env core.Environment, kind core.Kind, name string) (core.Interface, error) {
	if kind != core.KindCollisionChecker || name != "refusing" {
		return nil, nil
	}
	c := &refusingChecker{NoopCollisionChecker: core.NewNoopCollisionChecker(env.ID())}
	d.built = append(d.built, c)
	return c, nil
}

func (d *checkerDB) AddPlugin(string) bool    { return false }
func (d *checkerDB) AddDirectory(string) bool { return false }
func (d *checkerDB) ReloadPlugins()           {}
func (d *checkerDB) CleanupUnusedLibraries()  {}

func (d *checkerDB) HasInterface(kind core.Kind, name string) bool {
	return kind == core.KindCollisionChecker && name == "refusing"
}

func (d *checkerDB) Plugins() []core.PluginInfo {
	return []core.PluginInfo{{Name: "refusal", Interfaces: map[core.Kind][]string{core.KindCollisionChecker: {"refusing"}}}}
}
