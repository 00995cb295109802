package env

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/model"
)

func TestInitTwiceFails(t *testing.T) {
	e := newTestEnv(t)
	if err := e.Init(context.Background()); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("second Init error = %v, want ErrInvalidState", err)
	}
}

func TestInitWithoutDatabaseUsesNoopBackends(t *testing.T) {
	e := newTestEnv(t)
	if got := e.CollisionChecker().XMLID(); got != core.NoopXMLID {
		t.Fatalf("collision checker = %q, want %q", got, core.NoopXMLID)
	}
	if got := e.PhysicsEngine().XMLID(); got != core.NoopXMLID {
		t.Fatalf("physics engine = %q, want %q", got, core.NoopXMLID)
	}
	if e.Viewer() == nil {
		t.Fatalf("Viewer returned nil")
	}
}

func TestAddBodyAssignsFreshIdentities(t *testing.T) {
	e := newTestEnv(t)
	first := addBox(t, e, "box")
	firstID := first.ID()
	if firstID == 0 {
		t.Fatalf("AddBody did not assign an identity")
	}
	if got := e.BodyByID(firstID); got != first {
		t.Fatalf("BodyByID(%d) = %p, want %p", firstID, got, first)
	}
	if removed, err := e.RemoveBody(first); err != nil || !removed {
		t.Fatalf("RemoveBody = %v, %v; want true, nil", removed, err)
	}
	if e.BodyByID(firstID) != nil {
		t.Fatalf("identity %d resolves after removal", firstID)
	}

	second := addBox(t, e, "box")
	if second.ID() == firstID {
		t.Fatalf("identity %d handed out twice", firstID)
	}
	if second.CollisionData() == nil || second.PhysicsData() == nil {
		t.Fatalf("added body has no backend data")
	}
}

func TestAddBodyNaming(t *testing.T) {
	e := newTestEnv(t)
	addBox(t, e, "box")

	dup := newBox(t, e, "box")
	if err := e.AddBody(dup, false); !errors.Is(err, core.ErrNamingConflict) {
		t.Fatalf("duplicate AddBody error = %v, want ErrNamingConflict", err)
	}
	if err := e.AddBody(dup, true); err != nil {
		t.Fatalf("anonymous AddBody error: %v", err)
	}
	if dup.Name() != "box0" {
		t.Fatalf("anonymous rename = %q, want box0", dup.Name())
	}

	bad := newBox(t, e, "has space")
	if err := e.AddBody(bad, false); !errors.Is(err, core.ErrInvalidName) {
		t.Fatalf("invalid name error = %v, want ErrInvalidName", err)
	}
}

func TestAddBodyRejectsForeignBody(t *testing.T) {
	e := newTestEnv(t)
	foreign := model.NewBody(uuid.New(), "")
	foreign.SetName("stranger")
	if err := e.AddBody(foreign, false); !errors.Is(err, core.ErrInterfaceMismatch) {
		t.Fatalf("AddBody error = %v, want ErrInterfaceMismatch", err)
	}
	if e.Body("stranger") != nil {
		t.Fatalf("foreign body was registered")
	}
}

func TestRobotsAppearInBothSequences(t *testing.T) {
	e := newTestEnv(t)
	addBox(t, e, "table")
	arm := addArm(t, e, "arm")

	if got := e.Robot("arm"); got != arm {
		t.Fatalf("Robot(arm) = %p, want %p", got, arm)
	}
	if got := e.Body("arm"); got != arm.Body {
		t.Fatalf("Body(arm) is not the robot base")
	}
	if n := len(e.Bodies()); n != 2 {
		t.Fatalf("len(Bodies) = %d, want 2", n)
	}
	if n := len(e.Robots()); n != 1 {
		t.Fatalf("len(Robots) = %d, want 1", n)
	}
}

func TestRemoveGrabbedBodyReleasesGrab(t *testing.T) {
	e := newTestEnv(t)
	box := addBox(t, e, "box")
	arm := addArm(t, e, "arm")
	if err := arm.Grab(box, 1); err != nil {
		t.Fatalf("Grab error: %v", err)
	}

	removed, err := e.RemoveBody(box)
	if err != nil || !removed {
		t.Fatalf("RemoveBody = %v, %v; want true, nil", removed, err)
	}
	if len(arm.GrabbedRecords()) != 0 {
		t.Fatalf("robot still holds grab records after removal")
	}
	if box.CollisionData() != nil || box.PhysicsData() != nil {
		t.Fatalf("removed body kept backend data")
	}
	if removed, err := e.RemoveBody(box); err != nil || removed {
		t.Fatalf("second RemoveBody = %v, %v; want false, nil", removed, err)
	}
}

func TestSetNilBackendInstallsNoop(t *testing.T) {
	e := newTestEnv(t)
	box := addBox(t, e, "box")
	phys := newFakePhysics(e, 0)

	if err := e.SetPhysicsEngine(phys); err != nil {
		t.Fatalf("SetPhysicsEngine error: %v", err)
	}
	if e.PhysicsEngine() != core.PhysicsEngine(phys) {
		t.Fatalf("physics engine was not installed")
	}
	if err := e.SetPhysicsEngine(nil); err != nil {
		t.Fatalf("SetPhysicsEngine(nil) error: %v", err)
	}
	if got := e.PhysicsEngine(); got == nil || got.XMLID() != core.NoopXMLID {
		t.Fatalf("SetPhysicsEngine(nil) left %v, want no-op engine", got)
	}
	if !phys.destroyed.Load() {
		t.Fatalf("outgoing engine was not torn down")
	}
	if box.PhysicsData() == nil {
		t.Fatalf("no-op engine did not initialise registered body")
	}

	if err := e.SetCollisionChecker(nil); err != nil {
		t.Fatalf("SetCollisionChecker(nil) error: %v", err)
	}
	if e.CollisionChecker() == nil {
		t.Fatalf("CollisionChecker returned nil")
	}
}

func TestSetBackendRejectsForeignInstance(t *testing.T) {
	e := newTestEnv(t)
	other := core.NewNoopPhysicsEngine(uuid.New())
	if err := e.SetPhysicsEngine(other); !errors.Is(err, core.ErrInterfaceMismatch) {
		t.Fatalf("SetPhysicsEngine error = %v, want ErrInterfaceMismatch", err)
	}
}

func TestGravityPassesThroughToEngine(t *testing.T) {
	e := newTestEnv(t)
	g := model.Vec3{Z: -9.81}
	e.SetGravity(g)
	if got := e.Gravity(); got != g {
		t.Fatalf("Gravity = %+v, want %+v", got, g)
	}
}

func TestCollisionQueryValidation(t *testing.T) {
	e := newTestEnv(t)
	box := addBox(t, e, "box")

	hit, err := e.CheckCollision(box, nil)
	if err != nil || hit {
		t.Fatalf("CheckCollision = %v, %v; want false, nil", hit, err)
	}

	loose := newBox(t, e, "loose")
	hit, err = e.CheckCollision(loose, nil)
	if err != nil || hit {
		t.Fatalf("unregistered body query = %v, %v; want false, nil", hit, err)
	}

	foreign := model.NewBody(uuid.New(), "")
	if _, err := e.CheckCollisionPair(box, foreign, nil); !errors.Is(err, core.ErrInterfaceMismatch) {
		t.Fatalf("foreign pair error = %v, want ErrInterfaceMismatch", err)
	}
	if _, err := e.CheckCollisionExcluding(box, []*model.Body{foreign}, nil, nil); !errors.Is(err, core.ErrInterfaceMismatch) {
		t.Fatalf("foreign exclusion error = %v, want ErrInterfaceMismatch", err)
	}
	if _, err := e.CheckRayCollision(core.Ray{}, nil); !errors.Is(err, core.ErrInvalidArguments) {
		t.Fatalf("zero ray error = %v, want ErrInvalidArguments", err)
	}
	if _, err := e.CheckLinkCollision(nil, nil); !errors.Is(err, core.ErrInvalidArguments) {
		t.Fatalf("nil link error = %v, want ErrInvalidArguments", err)
	}
	if _, err := e.CheckLinkCollision(&model.Link{Name: "orphan"}, nil); !errors.Is(err, core.ErrInvalidArguments) {
		t.Fatalf("orphan link error = %v, want ErrInvalidArguments", err)
	}
	if _, err := e.CheckRayBodyCollision(core.Ray{Dir: model.Vec3{X: 1}}, box, nil); err != nil {
		t.Fatalf("ray body query error: %v", err)
	}
}

func TestTriangulateScene(t *testing.T) {
	e := newTestEnv(t)
	addBox(t, e, "box")
	addArm(t, e, "arm")

	obstacles, err := e.TriangulateScene(model.TriangulateObstacles, "")
	if err != nil {
		t.Fatalf("TriangulateScene error: %v", err)
	}
	if len(obstacles.Vertices) != 8 || len(obstacles.Indices) != 36 {
		t.Fatalf("obstacles mesh has %d vertices, %d indices; want 8, 36", len(obstacles.Vertices), len(obstacles.Indices))
	}
	all, err := e.TriangulateScene(model.TriangulateEverything, "")
	if err != nil {
		t.Fatalf("TriangulateScene error: %v", err)
	}
	if len(all.Vertices) != 24 {
		t.Fatalf("scene mesh has %d vertices, want 24", len(all.Vertices))
	}
	except, err := e.TriangulateScene(model.TriangulateAllExceptBody, "box")
	if err != nil {
		t.Fatalf("TriangulateScene error: %v", err)
	}
	if len(except.Vertices) != 16 {
		t.Fatalf("all-except mesh has %d vertices, want 16", len(except.Vertices))
	}
	if _, err := e.TriangulateScene(model.TriangulateOptions(99), ""); !errors.Is(err, core.ErrInvalidArguments) {
		t.Fatalf("bad options error = %v, want ErrInvalidArguments", err)
	}
}

func TestDrawOnHeadlessViewer(t *testing.T) {
	e := newTestEnv(t)
	h := e.Draw(core.Geometry{Kind: core.GeometryPoints, Points: []model.Vec3{{X: 1}}})
	if h.ID() != 0 {
		t.Fatalf("headless Draw handle = %d, want 0", h.ID())
	}
	h.Close()
	h.Close()
}

func TestOwnInterfaceDedupesAndChecksOwner(t *testing.T) {
	e := newTestEnv(t)
	p := &fakeProblem{env: e.ID()}
	if err := e.OwnInterface(p); err != nil {
		t.Fatalf("OwnInterface error: %v", err)
	}
	if err := e.OwnInterface(p); err != nil {
		t.Fatalf("repeat OwnInterface error: %v", err)
	}
	if !e.DisownInterface(p) {
		t.Fatalf("DisownInterface reported not owned")
	}
	if e.DisownInterface(p) {
		t.Fatalf("interface owned twice")
	}
	if err := e.OwnInterface(&fakeProblem{env: uuid.New()}); !errors.Is(err, core.ErrInterfaceMismatch) {
		t.Fatalf("foreign OwnInterface error = %v, want ErrInterfaceMismatch", err)
	}
}

func TestResetClearsSceneAndStaysUsable(t *testing.T) {
	e := newTestEnv(t)
	box := addBox(t, e, "box")
	p := &fakeProblem{env: e.ID()}
	if _, err := e.LoadProblem(context.Background(), p, ""); err != nil {
		t.Fatalf("LoadProblem error: %v", err)
	}
	if err := e.SetPhysicsEngine(newFakePhysics(e, 0)); err != nil {
		t.Fatalf("SetPhysicsEngine error: %v", err)
	}

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if n := len(e.Bodies()); n != 0 {
		t.Fatalf("len(Bodies) after Reset = %d, want 0", n)
	}
	if box.ID() != 0 || box.CollisionData() != nil {
		t.Fatalf("reset body kept identity or backend data")
	}
	if p.resets.Load() != 1 {
		t.Fatalf("problem Reset calls = %d, want 1", p.resets.Load())
	}
	if got := e.PhysicsEngine().XMLID(); got != core.NoopXMLID {
		t.Fatalf("physics after Reset = %q, want no-op", got)
	}
	addBox(t, e, "box")
}

func TestDestroyIsIdempotentAndFinal(t *testing.T) {
	e := New()
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	box := addBox(t, e, "box")
	p := &fakeProblem{env: e.ID()}
	if _, err := e.LoadProblem(context.Background(), p, ""); err != nil {
		t.Fatalf("LoadProblem error: %v", err)
	}

	e.Destroy()
	e.Destroy()

	if e.lifecycle() != stateDestroyed {
		t.Fatalf("state = %s, want destroyed", e.lifecycle())
	}
	if p.destroys.Load() != 1 {
		t.Fatalf("problem Destroy calls = %d, want 1", p.destroys.Load())
	}
	if box.CollisionData() != nil || box.PhysicsData() != nil {
		t.Fatalf("destroyed environment left backend data on a body")
	}
	if err := e.AddBody(newBox(t, e, "late"), false); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("AddBody after Destroy error = %v, want ErrInvalidState", err)
	}
	if err := e.StepSimulation(time.Millisecond); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("StepSimulation after Destroy error = %v, want ErrInvalidState", err)
	}
}

func TestWithSceneRunsUnderLock(t *testing.T) {
	e := newTestEnv(t)
	err := e.WithScene(func(s core.Scene) error {
		b, err := s.NewBody("")
		if err != nil {
			return err
		}
		b.SetName("made_in_scene")
		return s.AddBody(b, false)
	})
	if err != nil {
		t.Fatalf("WithScene error: %v", err)
	}
	if e.Body("made_in_scene") == nil {
		t.Fatalf("body added through the scene view is missing")
	}
	if !waitFor(t, time.Second, func() bool { return len(e.PublishedBodies()) == 1 }) {
		t.Fatalf("worker never published the new body")
	}
}

func TestLoadWithoutParser(t *testing.T) {
	e := newTestEnv(t)
	if err := e.Load(context.Background(), "scene.yaml"); !errors.Is(err, core.ErrParserUnavailable) {
		t.Fatalf("Load error = %v, want ErrParserUnavailable", err)
	}
	if err := e.LoadData(context.Background(), []byte("bodies: []")); !errors.Is(err, core.ErrParserUnavailable) {
		t.Fatalf("LoadData error = %v, want ErrParserUnavailable", err)
	}
	if err := e.Save("out.yaml"); !errors.Is(err, core.ErrParserUnavailable) {
		t.Fatalf("Save error = %v, want ErrParserUnavailable", err)
	}
}

type countingSceneMetrics struct {
	mu                       sync.Mutex
	bodies, robots, problems int
}

func (m *countingSceneMetrics) SetSceneCounts(bodies, robots, problems int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies, m.robots, m.problems = bodies, robots, problems
}

func (m *countingSceneMetrics) counts() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodies, m.robots, m.problems
}

func TestSceneMetricsFollowRegistry(t *testing.T) {
	m := &countingSceneMetrics{}
	e := newTestEnv(t, WithSceneMetrics(m))

	box := addBox(t, e, "box")
	addArm(t, e, "arm")
	if b, r, _ := m.counts(); b != 2 || r != 1 {
		t.Fatalf("counts after add = %d bodies %d robots, want 2 and 1", b, r)
	}

	if ok, err := e.RemoveBody(box); err != nil || !ok {
		t.Fatalf("RemoveBody = %v, %v", ok, err)
	}
	if b, r, _ := m.counts(); b != 1 || r != 1 {
		t.Fatalf("counts after remove = %d bodies %d robots, want 1 and 1", b, r)
	}

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if b, r, p := m.counts(); b != 0 || r != 0 || p != 0 {
		t.Fatalf("counts after reset = %d/%d/%d, want zeros", b, r, p)
	}
}

func TestRefusingCollisionCheckerFallsBackToNoop(t *testing.T) {
	db := &checkerDB{}
	e := newTestEnv(t, WithDatabase(db), WithCollisionPreferences("refusing"))

	if got := e.CollisionChecker().XMLID(); got != core.NoopXMLID {
		t.Fatalf("active checker = %q, want %q", got, core.NoopXMLID)
	}
	if len(db.built) == 0 {
		t.Fatalf("refusing checker was never tried")
	}
	for _, c := range db.built {
		if !c.destroyed.Load() {
			t.Fatalf("refused checker was not torn down")
		}
	}
	addBox(t, e, "box")
}
