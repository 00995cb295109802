package env

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/internal/observability"
	"github.com/signalsfoundry/simenv/model"
)

// interchangeExt selects the interchange parser; every other extension uses
// the markup parser.
const interchangeExt = ".dae"

// sceneView is the core.Scene handed to code running under the scene lock.
type sceneView struct{ e *Environment }

var _ core.Scene = sceneView{}

func (s sceneView) ID() model.EnvironmentID                 { return s.e.id }
func (s sceneView) Bodies() []*model.Body                   { return s.e.registry.Bodies() }
func (s sceneView) Robots() []*model.Robot                  { return s.e.registry.Robots() }
func (s sceneView) Body(name string) *model.Body            { return s.e.registry.Find(name) }
func (s sceneView) Robot(name string) *model.Robot          { return s.e.registry.FindRobot(name) }
func (s sceneView) BodyByID(id int) *model.Body             { return s.e.registry.FindByID(id) }
func (s sceneView) SimulationTime() time.Duration           { return s.e.clock.Elapsed() }
func (s sceneView) CollisionChecker() core.CollisionChecker { return s.e.collision.Get() }
func (s sceneView) PhysicsEngine() core.PhysicsEngine       { return s.e.physics.Get() }

func (s sceneView) NewBody(xmlID string) (*model.Body, error)   { return s.e.newBody(xmlID) }
func (s sceneView) NewRobot(xmlID string) (*model.Robot, error) { return s.e.newRobot(xmlID) }

func (s sceneView) AddBody(body *model.Body, anonymous bool) error {
	return s.e.addBodyLocked(body, anonymous)
}

func (s sceneView) AddRobot(robot *model.Robot, anonymous bool) error {
	if robot == nil {
		return fmt.Errorf("%w: nil robot", core.ErrInvalidArguments)
	}
	return s.e.addBodyLocked(robot.Body, anonymous)
}

func (s sceneView) RemoveBody(body *model.Body) (bool, error) {
	return s.e.removeBodyLocked(body)
}

func (s sceneView) CheckCollision(q core.CollisionQuery, report *core.CollisionReport) (bool, error) {
	return s.e.checkCollisionLocked(q, report)
}

func (s sceneView) CollisionCallbacks() []core.CollisionCallback {
	return s.e.callbacksLocked()
}

// WithScene runs fn under the scene lock. fn must use the Scene it receives
// rather than the environment's exported methods.
func (e *Environment) WithScene(fn func(core.Scene) error) error {
	if fn == nil {
		return nil
	}
	if err := e.checkUsable(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(sceneView{e})
}

func (e *Environment) parserFor(path string) core.SceneParser {
	if strings.EqualFold(filepath.Ext(path), interchangeExt) {
		return e.interchange
	}
	return e.markup
}

// Load populates the scene from the file at path under the scene lock.
func (e *Environment) Load(ctx context.Context, path string) error {
	ctx, span := e.tracer.Start(ctx, "env.Load", trace.WithAttributes(
		attribute.String("path", path),
		attribute.String("env_id", e.id.String()),
	))
	defer span.End()

	if err := e.checkUsable(); err != nil {
		return err
	}
	parser := e.parserFor(path)
	if parser == nil {
		err := fmt.Errorf("%w: %q", core.ErrParserUnavailable, path)
		observability.FailSpan(span, err, "no parser")
		return err
	}

	e.mu.Lock()
	err := parser.ParseFile(sceneView{e}, path)
	e.refreshPublishedLocked()
	bodies, _ := e.registry.Len()
	e.mu.Unlock()

	if err != nil {
		observability.FailSpan(span, err, "scene load failed")
		return fmt.Errorf("load %q: %w", path, err)
	}
	span.SetAttributes(attribute.Int("bodies", bodies))
	e.log.Info(ctx, "scene loaded", logging.String("path", path), logging.Int("bodies", bodies))
	return nil
}

// LoadData populates the scene from markup held in memory.
func (e *Environment) LoadData(ctx context.Context, data []byte) error {
	ctx, span := e.tracer.Start(ctx, "env.LoadData", trace.WithAttributes(
		attribute.Int("bytes", len(data)),
		attribute.String("env_id", e.id.String()),
	))
	defer span.End()

	if err := e.checkUsable(); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty scene data", core.ErrInvalidArguments)
	}
	if e.markup == nil {
		return fmt.Errorf("%w: no markup parser", core.ErrParserUnavailable)
	}

	e.mu.Lock()
	err := e.markup.ParseData(sceneView{e}, data)
	e.refreshPublishedLocked()
	e.mu.Unlock()

	if err != nil {
		observability.FailSpan(span, err, "scene load failed")
		return fmt.Errorf("load scene data: %w", err)
	}
	e.log.Debug(ctx, "scene data loaded", logging.Int("bytes", len(data)))
	return nil
}

// Save writes the scene to path under the scene lock.
func (e *Environment) Save(path string) error {
	if e.writer == nil {
		return fmt.Errorf("%w: no scene writer", core.ErrParserUnavailable)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writer.WriteFile(sceneView{e}, path); err != nil {
		return fmt.Errorf("save %q: %w", path, err)
	}
	return nil
}
