// Package env implements the simulation environment: the owner of the body
// registry, the backend slots, attached problems and the simulation worker.
//
// Lock ordering: the scene lock (mu) is taken first. The registry lock, the
// identity-map lock and the problems lock (probMu) nest inside it and are
// siblings of each other. Exported methods take the scene lock once and
// delegate to ...Locked helpers; code that runs while the lock is held uses
// the core.Scene view instead of the exported methods.
package env

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/internal/observability"
	"github.com/signalsfoundry/simenv/kb"
	"github.com/signalsfoundry/simenv/model"
	"github.com/signalsfoundry/simenv/timectrl"
)

// Re-export core sentinels so callers of the environment can depend on env.*
// instead of core.* directly if they want to.
var (
	ErrInvalidArguments  = core.ErrInvalidArguments
	ErrInvalidName       = core.ErrInvalidName
	ErrNamingConflict    = core.ErrNamingConflict
	ErrInterfaceMismatch = core.ErrInterfaceMismatch
	ErrInvalidState      = core.ErrInvalidState
	ErrParserUnavailable = core.ErrParserUnavailable
	// ErrBackendInit indicates a backend refused InitEnvironment.
	ErrBackendInit = errors.New("backend failed to initialise")
)

// DefaultCollisionPreferences is the start-up collision checker search order.
var DefaultCollisionPreferences = []string{"ode", "bullet", "pqp"}

// Defaults used when options do not override them.
const (
	DefaultDelta = 10 * time.Millisecond

	publishInterval = 10 * time.Millisecond
	yieldInterval   = 100 * time.Millisecond
	idleSleep       = time.Millisecond
)

type lifecycle int32

const (
	stateUninitialized lifecycle = iota
	stateInitialized
	stateDestroying
	stateDestroyed
)

func (s lifecycle) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitialized:
		return "initialized"
	case stateDestroying:
		return "destroying"
	case stateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// SceneMetricsRecorder receives entity counts whenever the scene changes.
type SceneMetricsRecorder interface {
	SetSceneCounts(bodies, robots, problems int)
}

// SchedulerMetricsRecorder receives simulation loop observations.
type SchedulerMetricsRecorder interface {
	ObserveStep(d, simulated time.Duration)
	ObservePacing(sleep, slip time.Duration)
	IncSnapshotRefresh()
	IncStepFailures()
}

type nopSceneMetrics struct{}

func (nopSceneMetrics) SetSceneCounts(int, int, int) {}

type nopSchedulerMetrics struct{}

func (nopSchedulerMetrics) ObserveStep(time.Duration, time.Duration)   {}
func (nopSchedulerMetrics) ObservePacing(time.Duration, time.Duration) {}
func (nopSchedulerMetrics) IncSnapshotRefresh()                        {}
func (nopSchedulerMetrics) IncStepFailures()                           {}

// Environment owns a scene of bodies and robots, one instance of each backend
// kind, the attached problems and the simulation worker.
type Environment struct {
	id     uuid.UUID
	base   logging.Logger
	log    logging.Logger
	tracer trace.Tracer

	db          core.Database
	markup      core.SceneParser
	interchange core.SceneParser
	writer      core.SceneWriter

	sceneMetrics SceneMetricsRecorder
	schedMetrics SchedulerMetricsRecorder

	collisionPrefs []string
	pluginDirs     []string

	defaultDelta    time.Duration
	defaultRealTime bool
	autostart       bool

	// mu is the scene lock.
	mu sync.Mutex

	registry  *kb.Registry
	collision *core.Slot[core.CollisionChecker]
	physics   *core.Slot[core.PhysicsEngine]
	viewer    *core.Slot[core.Viewer]

	// probMu guards problems only.
	probMu   sync.Mutex
	problems []core.Problem

	// owned and callbacks are guarded by mu.
	owned     []core.Interface
	callbacks []callbackEntry

	clock      *timectrl.TimeController
	simEnabled atomic.Bool

	state   atomic.Int32
	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}

	errMu   sync.Mutex
	lastErr error
}

var _ core.Environment = (*Environment)(nil)

// Option customises Environment construction.
type Option func(*Environment)

// WithLogger sets the base logger. Environment log lines carry env_id.
func WithLogger(l logging.Logger) Option {
	return func(e *Environment) {
		if l != nil {
			e.base = l
		}
	}
}

// WithDatabase sets the factory database used to construct interfaces.
func WithDatabase(db core.Database) Option {
	return func(e *Environment) {
		e.db = db
	}
}

// WithSceneParser sets the markup scene parser. A parser that also
// implements core.SceneWriter is used by Save.
func WithSceneParser(p core.SceneParser) Option {
	return func(e *Environment) {
		e.markup = p
		if w, ok := p.(core.SceneWriter); ok && e.writer == nil {
			e.writer = w
		}
	}
}

// WithInterchangeParser sets the parser used for .dae sources.
func WithInterchangeParser(p core.SceneParser) Option {
	return func(e *Environment) {
		e.interchange = p
	}
}

// WithSceneWriter sets the writer used by Save.
func WithSceneWriter(w core.SceneWriter) Option {
	return func(e *Environment) {
		e.writer = w
	}
}

// WithSceneMetrics attaches a recorder for scene entity counts.
func WithSceneMetrics(m SceneMetricsRecorder) Option {
	return func(e *Environment) {
		if m != nil {
			e.sceneMetrics = m
		}
	}
}

// WithSchedulerMetrics attaches a recorder for simulation loop metrics.
func WithSchedulerMetrics(m SchedulerMetricsRecorder) Option {
	return func(e *Environment) {
		if m != nil {
			e.schedMetrics = m
		}
	}
}

// WithCollisionPreferences overrides the start-up collision checker search
// order.
func WithCollisionPreferences(prefs ...string) Option {
	return func(e *Environment) {
		e.collisionPrefs = append([]string(nil), prefs...)
	}
}

// WithPluginDirs lists directories handed to the database on Init.
func WithPluginDirs(dirs ...string) Option {
	return func(e *Environment) {
		e.pluginDirs = append([]string(nil), dirs...)
	}
}

// WithSimulationDefaults sets the step used by Reset and Clone and, when
// autostart is set, starts the simulation on Init.
func WithSimulationDefaults(delta time.Duration, realTime, autostart bool) Option {
	return func(e *Environment) {
		if delta > 0 {
			e.defaultDelta = delta
		}
		e.defaultRealTime = realTime
		e.autostart = autostart
	}
}

// New constructs an uninitialised environment. Call Init before use.
func New(opts ...Option) *Environment {
	e := &Environment{
		id:             uuid.New(),
		base:           logging.Noop(),
		tracer:         observability.Tracer(),
		sceneMetrics:   nopSceneMetrics{},
		schedMetrics:   nopSchedulerMetrics{},
		collisionPrefs: append([]string(nil), DefaultCollisionPreferences...),
		defaultDelta:   DefaultDelta,
		registry:       kb.New(),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.log = logging.ForEnvironment(e.base, e.id.String())
	e.registry.Subscribe(e.onRegistryEvent)
	e.clock = timectrl.NewTimeController(time.Now().UTC(), e.defaultDelta, timectrl.ModeFor(e.defaultRealTime))
	e.collision = core.NewSlot(core.SlotHooks[core.CollisionChecker]{
		Fallback:   func() core.CollisionChecker { return core.NewNoopCollisionChecker(e.id) },
		Activate:   func(c core.CollisionChecker) bool { return e.activateBackend(c, "collision") },
		Deactivate: func(c core.CollisionChecker) { e.deactivateBackend(c, (*model.Body).SetCollisionData) },
	})
	e.physics = core.NewSlot(core.SlotHooks[core.PhysicsEngine]{
		Fallback:   func() core.PhysicsEngine { return core.NewNoopPhysicsEngine(e.id) },
		Activate:   func(p core.PhysicsEngine) bool { return e.activateBackend(p, "physics") },
		Deactivate: func(p core.PhysicsEngine) { e.deactivateBackend(p, (*model.Body).SetPhysicsData) },
	})
	e.viewer = core.NewSlot(core.SlotHooks[core.Viewer]{
		Fallback:   func() core.Viewer { return core.NewHeadlessViewer(e.id) },
		Deactivate: func(v core.Viewer) { v.Quit() },
	})
	return e
}

// ID returns the environment identity.
func (e *Environment) ID() model.EnvironmentID { return e.id }

// Logger returns the environment logger.
func (e *Environment) Logger() logging.Logger { return e.log }

// Database returns the factory database, which may be nil.
func (e *Environment) Database() core.Database { return e.db }

func (e *Environment) lifecycle() lifecycle { return lifecycle(e.state.Load()) }

func (e *Environment) checkUsable() error {
	switch s := e.lifecycle(); s {
	case stateDestroying, stateDestroyed:
		return fmt.Errorf("%w: environment is %s", core.ErrInvalidState, s)
	}
	return nil
}

// Init resolves backends, hands plugin directories to the database, starts the
// simulation worker and, when configured, the simulation itself.
func (e *Environment) Init(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(stateUninitialized), int32(stateInitialized)) {
		return fmt.Errorf("%w: Init called on %s environment", core.ErrInvalidState, e.lifecycle())
	}

	if e.db != nil {
		for _, dir := range e.pluginDirs {
			if dir == "" {
				continue
			}
			if !e.db.AddDirectory(dir) {
				e.log.Warn(ctx, "failed to add plugin directory", logging.String("dir", dir))
			}
		}
	}

	e.mu.Lock()
	e.selectCollisionCheckerLocked(ctx)
	e.updateSceneMetricsLocked()
	e.mu.Unlock()

	e.startWorker()
	if e.autostart {
		e.StartSimulation(e.defaultDelta, e.defaultRealTime)
	}
	e.log.Info(ctx, "environment initialised",
		logging.String("collision", e.collision.Get().XMLID()),
		logging.Bool("simulating", e.simEnabled.Load()),
	)
	return nil
}

// Destroy stops the simulation worker and releases every owned object. It is
// best-effort: a failing teardown step is logged and the sequence continues.
// Calling Destroy more than once is safe.
func (e *Environment) Destroy() {
	for {
		s := e.lifecycle()
		if s == stateDestroying || s == stateDestroyed {
			return
		}
		if e.state.CompareAndSwap(int32(s), int32(stateDestroying)) {
			break
		}
	}
	ctx := context.Background()

	e.simEnabled.Store(false)
	e.stopWorker()

	v := e.viewer.Get()
	e.bestEffort(ctx, "reset viewer", v.Reset)
	e.bestEffort(ctx, "quit viewer", v.Quit)

	e.mu.Lock()
	e.bestEffort(ctx, "destroy physics environment", e.physics.Deactivate)
	e.bestEffort(ctx, "destroy collision environment", e.collision.Deactivate)
	e.bestEffort(ctx, "release bodies", func() {
		for _, r := range e.registry.Robots() {
			r.ReleaseAll()
		}
		for _, b := range e.registry.Clear() {
			b.ResetBackendData()
		}
	})

	e.probMu.Lock()
	problems := e.problems
	e.problems = nil
	e.probMu.Unlock()
	for _, p := range problems {
		e.bestEffort(ctx, "destroy problem "+p.XMLID(), p.Destroy)
	}

	e.releaseOwnedLocked(ctx)
	e.callbacks = nil
	e.collision.Reset()
	e.physics.Reset()
	e.viewer.Reset()
	e.updateSceneMetricsLocked()
	e.mu.Unlock()

	e.state.Store(int32(stateDestroyed))
	e.log.Info(ctx, "environment destroyed")
}

// Reset removes every body, resets attached problems, installs the no-op
// physics engine and re-initialises the remaining backends. The environment
// stays usable.
func (e *Environment) Reset() error {
	if err := e.checkUsable(); err != nil {
		return err
	}
	ctx := context.Background()

	e.viewer.Get().Reset()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.bestEffort(ctx, "destroy physics environment", e.physics.Get().DestroyEnvironment)
	e.bestEffort(ctx, "destroy collision environment", e.collision.Get().DestroyEnvironment)
	for _, b := range e.registry.Clear() {
		b.ResetBackendData()
	}

	for _, p := range e.problemSnapshot() {
		e.bestEffort(ctx, "reset problem "+p.XMLID(), p.Reset)
	}
	e.releaseOwnedLocked(ctx)

	e.physics.Reset()
	e.clock.Reset(e.clock.Tick(), e.clock.Mode())
	e.bestEffort(ctx, "init collision environment", func() { e.collision.Get().InitEnvironment() })
	e.bestEffort(ctx, "init physics environment", func() { e.physics.Get().InitEnvironment() })
	e.log.Info(ctx, "environment reset")
	return nil
}

// OwnInterface keeps iface alive until Destroy or Reset. Owned objects that
// implement io.Closer are closed on release.
func (e *Environment) OwnInterface(iface core.Interface) error {
	if iface == nil {
		return fmt.Errorf("%w: nil interface", core.ErrInvalidArguments)
	}
	if err := e.checkOwnership(iface); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.owned {
		if o == iface {
			return nil
		}
	}
	e.owned = append(e.owned, iface)
	return nil
}

// DisownInterface drops iface from the owned set without closing it.
func (e *Environment) DisownInterface(iface core.Interface) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, o := range e.owned {
		if o == iface {
			e.owned = append(e.owned[:i], e.owned[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Environment) releaseOwnedLocked(ctx context.Context) {
	owned := e.owned
	e.owned = nil
	for _, o := range owned {
		c, ok := o.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			e.log.Warn(ctx, "failed to close owned interface", logging.String("xml_id", o.XMLID()), logging.Err(err))
		}
	}
}

func (e *Environment) checkOwnership(iface core.Interface) error {
	if got := iface.EnvironmentID(); got != e.id {
		return fmt.Errorf("%w: %q belongs to %s", core.ErrInterfaceMismatch, iface.XMLID(), got)
	}
	return nil
}

// bestEffort runs fn, logging and swallowing any panic.
func (e *Environment) bestEffort(ctx context.Context, step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error(ctx, "teardown step failed", logging.String("step", step), logging.Any("panic", r))
		}
	}()
	fn()
}

func (e *Environment) updateSceneMetricsLocked() {
	bodies, robots := e.registry.Len()
	e.probMu.Lock()
	problems := len(e.problems)
	e.probMu.Unlock()
	e.sceneMetrics.SetSceneCounts(bodies, robots, problems)
}
