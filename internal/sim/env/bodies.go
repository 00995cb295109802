package env

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/kb"
	"github.com/signalsfoundry/simenv/model"
)

// AddBody registers body. A body that is the base of a robot is registered as
// that robot. See kb.Registry.Add for naming rules.
func (e *Environment) AddBody(body *model.Body, anonymous bool) error {
	if err := e.checkUsable(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addBodyLocked(body, anonymous)
}

// AddRobot registers robot in both the body and robot sequences.
func (e *Environment) AddRobot(robot *model.Robot, anonymous bool) error {
	if robot == nil {
		return fmt.Errorf("%w: nil robot", core.ErrInvalidArguments)
	}
	return e.AddBody(robot.Body, anonymous)
}

// addBodyLocked assigns an identity, then initialises the body with the
// collision backend, the physics backend and its own kinematics, in that
// order.
func (e *Environment) addBodyLocked(body *model.Body, anonymous bool) error {
	if body == nil {
		return fmt.Errorf("%w: nil body", core.ErrInvalidArguments)
	}
	if err := e.checkOwnership(body); err != nil {
		return err
	}

	var err error
	if r := body.Robot(); r != nil {
		err = e.registry.AddRobot(r, anonymous)
	} else {
		err = e.registry.Add(body, anonymous)
	}
	if err != nil {
		return err
	}

	ctx := context.Background()
	if c := e.collision.Get(); !c.InitKinBody(body) {
		e.log.Warn(ctx, "collision checker failed to init body", logging.String("body", body.Name()), logging.String("xml_id", c.XMLID()))
	}
	if p := e.physics.Get(); !p.InitKinBody(body) {
		e.log.Warn(ctx, "physics engine failed to init body", logging.String("body", body.Name()), logging.String("xml_id", p.XMLID()))
	}
	body.ComputeInternalInformation()
	e.log.Debug(ctx, "body added", logging.String("body", body.Name()), logging.Int("id", body.ID()))
	return nil
}

// RemoveBody unregisters body. Robots grabbing it release it first. It
// reports false when the body was not registered.
func (e *Environment) RemoveBody(body *model.Body) (bool, error) {
	if err := e.checkUsable(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeBodyLocked(body)
}

func (e *Environment) removeBodyLocked(body *model.Body) (bool, error) {
	if body == nil {
		return false, fmt.Errorf("%w: nil body", core.ErrInvalidArguments)
	}
	if err := e.checkOwnership(body); err != nil {
		return false, err
	}
	ctx := context.Background()
	name := body.Name()

	released, ok := e.registry.Remove(body)
	if !ok {
		return false, nil
	}
	for _, r := range released {
		e.log.Warn(ctx, "robot was grabbing removed body",
			logging.String("robot", r.Name()),
			logging.String("body", name),
		)
	}
	e.collision.Get().DestroyKinBody(body)
	e.physics.Get().DestroyKinBody(body)
	body.ResetBackendData()
	e.log.Debug(ctx, "body removed", logging.String("body", name))
	return true, nil
}

// Body returns the registered body named name, or nil.
func (e *Environment) Body(name string) *model.Body { return e.registry.Find(name) }

// Robot returns the registered robot named name, or nil.
func (e *Environment) Robot(name string) *model.Robot { return e.registry.FindRobot(name) }

// BodyByID returns the registered body with identity id, or nil. It takes
// only the identity-map lock.
func (e *Environment) BodyByID(id int) *model.Body { return e.registry.FindByID(id) }

// Bodies returns a copy of the body sequence. It takes only the registry lock.
func (e *Environment) Bodies() []*model.Body { return e.registry.Bodies() }

// Robots returns a copy of the robot sequence. It takes only the registry lock.
func (e *Environment) Robots() []*model.Robot { return e.registry.Robots() }

// Triangulate returns the box meshes of every link of body in world frame.
func (e *Environment) Triangulate(body *model.Body) (model.TriMesh, error) {
	if body == nil {
		return model.TriMesh{}, fmt.Errorf("%w: nil body", core.ErrInvalidArguments)
	}
	if err := e.checkOwnership(body); err != nil {
		return model.TriMesh{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return triangulate(body), nil
}

func triangulate(body *model.Body) model.TriMesh {
	var mesh model.TriMesh
	for _, l := range body.Links() {
		mesh.Append(model.BoxMesh(l.Transform, l.Extents))
	}
	return mesh
}

// TriangulateScene merges the meshes of the bodies selected by opts. name is
// only consulted by TriangulateBody and TriangulateAllExceptBody.
func (e *Environment) TriangulateScene(opts model.TriangulateOptions, name string) (model.TriMesh, error) {
	var include func(*model.Body) bool
	switch opts {
	case model.TriangulateObstacles:
		include = func(b *model.Body) bool { return !b.IsRobot() }
	case model.TriangulateRobots:
		include = (*model.Body).IsRobot
	case model.TriangulateEverything:
		include = func(*model.Body) bool { return true }
	case model.TriangulateBody:
		include = func(b *model.Body) bool { return b.Name() == name }
	case model.TriangulateAllExceptBody:
		include = func(b *model.Body) bool { return b.Name() != name }
	default:
		return model.TriMesh{}, fmt.Errorf("%w: triangulate options %d", core.ErrInvalidArguments, opts)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var mesh model.TriMesh
	for _, b := range e.registry.Bodies() {
		if include(b) {
			mesh.Append(triangulate(b))
		}
	}
	return mesh, nil
}

// onRegistryEvent keeps the scene gauges in step with the registry. Events are
// delivered while the scene lock is held.
func (e *Environment) onRegistryEvent(kb.Event) {
	e.updateSceneMetricsLocked()
}
