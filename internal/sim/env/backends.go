package env

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/model"
)

// activateBackend runs InitEnvironment on b and InitKinBody for every
// registered body. Called by slot hooks with the scene lock held.
func (e *Environment) activateBackend(b core.Backend, kind string) bool {
	ctx := context.Background()
	if !b.InitEnvironment() {
		e.log.Warn(ctx, "backend refused environment", logging.String("kind", kind), logging.String("xml_id", b.XMLID()))
		return false
	}
	for _, body := range e.registry.Bodies() {
		if !b.InitKinBody(body) {
			e.log.Warn(ctx, "backend failed to init body",
				logging.String("kind", kind),
				logging.String("xml_id", b.XMLID()),
				logging.String("body", body.Name()),
			)
		}
	}
	return true
}

// deactivateBackend tears down b's environment state and clears its data slot
// on every registered body.
func (e *Environment) deactivateBackend(b core.Backend, clear func(*model.Body, any)) {
	b.DestroyEnvironment()
	for _, body := range e.registry.Bodies() {
		clear(body, nil)
	}
}

// SetCollisionChecker swaps the active collision checker. nil installs the
// no-op checker.
func (e *Environment) SetCollisionChecker(c core.CollisionChecker) error {
	if c != nil {
		if err := e.checkOwnership(c); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setCollisionCheckerLocked(c)
}

func (e *Environment) setCollisionCheckerLocked(c core.CollisionChecker) error {
	if !e.collision.Set(c) {
		return fmt.Errorf("%w: collision checker %q", ErrBackendInit, e.collision.Get().XMLID())
	}
	return nil
}

// CollisionChecker returns the active collision checker. Never nil.
func (e *Environment) CollisionChecker() core.CollisionChecker { return e.collision.Get() }

// SetPhysicsEngine swaps the active physics engine. nil installs the no-op
// engine.
func (e *Environment) SetPhysicsEngine(p core.PhysicsEngine) error {
	if p != nil {
		if err := e.checkOwnership(p); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setPhysicsEngineLocked(p)
}

func (e *Environment) setPhysicsEngineLocked(p core.PhysicsEngine) error {
	if !e.physics.Set(p) {
		return fmt.Errorf("%w: physics engine %q", ErrBackendInit, e.physics.Get().XMLID())
	}
	return nil
}

// PhysicsEngine returns the active physics engine. Never nil.
func (e *Environment) PhysicsEngine() core.PhysicsEngine { return e.physics.Get() }

// AttachViewer swaps the active viewer. The outgoing viewer is asked to quit.
// nil installs the headless viewer.
func (e *Environment) AttachViewer(v core.Viewer) error {
	if v != nil {
		if err := e.checkOwnership(v); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.viewer.Set(v)
	return nil
}

// Viewer returns the active viewer. Never nil.
func (e *Environment) Viewer() core.Viewer { return e.viewer.Get() }

// SetCollisionOptions forwards options to the active collision checker.
func (e *Environment) SetCollisionOptions(options int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collision.Get().SetCollisionOptions(options)
}

// CollisionOptions returns the active collision checker's options.
func (e *Environment) CollisionOptions() int { return e.collision.Get().CollisionOptions() }

// SetPhysicsOptions forwards options to the active physics engine.
func (e *Environment) SetPhysicsOptions(options int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.physics.Get().SetPhysicsOptions(options)
}

// PhysicsOptions returns the active physics engine's options.
func (e *Environment) PhysicsOptions() int { return e.physics.Get().PhysicsOptions() }

// SetGravity forwards g to the active physics engine.
func (e *Environment) SetGravity(g model.Vec3) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.physics.Get().SetGravity(g)
}

// Gravity returns the active physics engine's gravity.
func (e *Environment) Gravity() model.Vec3 { return e.physics.Get().Gravity() }

// SetCamera moves the active viewer's camera.
func (e *Environment) SetCamera(t model.Transform) { e.viewer.Get().SetCamera(t) }

// CameraTransform returns the active viewer's camera.
func (e *Environment) CameraTransform() model.Transform { return e.viewer.Get().CameraTransform() }

// GraphHandle is a drawing made through the environment. Close removes it if
// the viewer that drew it is still attached.
type GraphHandle struct {
	once   sync.Once
	env    *Environment
	viewer core.Viewer
	id     core.GraphHandle
}

// ID returns the viewer-local handle. 0 means nothing was drawn.
func (h *GraphHandle) ID() core.GraphHandle {
	if h == nil {
		return 0
	}
	return h.id
}

// Close removes the drawing. Later calls are no-ops.
func (h *GraphHandle) Close() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.id == 0 {
			return
		}
		if h.env.viewer.Get() == h.viewer {
			h.viewer.CloseGraph(h.id)
		}
	})
}

// Draw renders g in the active viewer.
func (e *Environment) Draw(g core.Geometry) *GraphHandle {
	v := e.viewer.Get()
	return &GraphHandle{env: e, viewer: v, id: v.Draw(g)}
}

// createInterface asks the database for kind/name and checks ownership.
// A nil result with nil error means no plugin provides name.
func (e *Environment) createInterface(kind core.Kind, name string) (core.Interface, error) {
	if e.db == nil {
		return nil, nil
	}
	iface, err := e.db.CreateInterface(e, kind, name)
	if err != nil {
		return nil, fmt.Errorf("create %s %q: %w", kind, name, err)
	}
	if iface == nil {
		return nil, nil
	}
	if err := e.checkOwnership(iface); err != nil {
		return nil, err
	}
	return iface, nil
}

func assertKind[T any](iface core.Interface, kind core.Kind, name string) (T, error) {
	var zero T
	if iface == nil {
		return zero, nil
	}
	v, ok := iface.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q created a %T, not a %s", core.ErrInvalidPlugin, name, iface, kind)
	}
	return v, nil
}

// CreateCollisionChecker constructs a collision checker through the database.
// It returns nil, nil when no plugin provides name.
func (e *Environment) CreateCollisionChecker(name string) (core.CollisionChecker, error) {
	iface, err := e.createInterface(core.KindCollisionChecker, name)
	if err != nil {
		return nil, err
	}
	return assertKind[core.CollisionChecker](iface, core.KindCollisionChecker, name)
}

// CreatePhysicsEngine constructs a physics engine through the database.
func (e *Environment) CreatePhysicsEngine(name string) (core.PhysicsEngine, error) {
	iface, err := e.createInterface(core.KindPhysicsEngine, name)
	if err != nil {
		return nil, err
	}
	return assertKind[core.PhysicsEngine](iface, core.KindPhysicsEngine, name)
}

// CreateViewer constructs a viewer through the database.
func (e *Environment) CreateViewer(name string) (core.Viewer, error) {
	iface, err := e.createInterface(core.KindViewer, name)
	if err != nil {
		return nil, err
	}
	return assertKind[core.Viewer](iface, core.KindViewer, name)
}

// CreateProblem constructs a problem through the database.
func (e *Environment) CreateProblem(name string) (core.Problem, error) {
	iface, err := e.createInterface(core.KindProblem, name)
	if err != nil {
		return nil, err
	}
	return assertKind[core.Problem](iface, core.KindProblem, name)
}

// CreateKinBody constructs an unregistered body. An empty name or the default
// kind builds a plain body without consulting the database.
func (e *Environment) CreateKinBody(name string) (*model.Body, error) {
	return e.newBody(name)
}

// CreateRobot constructs an unregistered robot. An empty name or the default
// kind builds a plain robot without consulting the database.
func (e *Environment) CreateRobot(name string) (*model.Robot, error) {
	return e.newRobot(name)
}

func (e *Environment) newBody(name string) (*model.Body, error) {
	if name == "" || name == model.DefaultBodyKind {
		return model.NewBody(e.id, ""), nil
	}
	iface, err := e.createInterface(core.KindKinBody, name)
	if err != nil {
		return nil, err
	}
	return assertKind[*model.Body](iface, core.KindKinBody, name)
}

func (e *Environment) newRobot(name string) (*model.Robot, error) {
	if name == "" || name == model.DefaultRobotKind {
		return model.NewRobot(e.id, ""), nil
	}
	iface, err := e.createInterface(core.KindRobot, name)
	if err != nil {
		return nil, err
	}
	return assertKind[*model.Robot](iface, core.KindRobot, name)
}

// selectCollisionCheckerLocked installs the first checker found by preference
// order, then the first checker any plugin lists, then the no-op checker.
func (e *Environment) selectCollisionCheckerLocked(ctx context.Context) {
	if e.db == nil {
		e.log.Warn(ctx, "no factory database, using no-op collision checker")
		return
	}
	try := func(name string) bool {
		c, err := e.CreateCollisionChecker(name)
		if err != nil {
			e.log.Debug(ctx, "collision checker unavailable", logging.String("name", name), logging.Err(err))
			return false
		}
		if c == nil {
			return false
		}
		if err := e.setCollisionCheckerLocked(c); err != nil {
			e.log.Warn(ctx, "collision checker failed to initialise", logging.String("name", name), logging.Err(err))
			e.collision.Set(nil)
			return false
		}
		e.log.Debug(ctx, "using collision checker", logging.String("xml_id", c.XMLID()))
		return true
	}
	for _, name := range e.collisionPrefs {
		if try(name) {
			return
		}
	}
	for _, info := range e.db.Plugins() {
		for _, name := range info.Interfaces[core.KindCollisionChecker] {
			if try(name) {
				return
			}
		}
	}
	e.log.Warn(ctx, "failed to find any collision checker, using no-op checker")
}

// Plugins lists the plugins the database has loaded.
func (e *Environment) Plugins() []core.PluginInfo {
	if e.db == nil {
		return nil
	}
	return e.db.Plugins()
}

// LoadPlugin asks the database to load the plugin at path.
func (e *Environment) LoadPlugin(path string) bool {
	if e.db == nil {
		return false
	}
	return e.db.AddPlugin(path)
}

// ReloadPlugins asks the database to reload every plugin.
func (e *Environment) ReloadPlugins() {
	if e.db != nil {
		e.db.ReloadPlugins()
	}
}

// HasInterface reports whether any plugin provides kind/name.
func (e *Environment) HasInterface(kind core.Kind, name string) bool {
	return e.db != nil && e.db.HasInterface(kind, name)
}
