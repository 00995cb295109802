package core

import (
	"sync"
	"time"

	"github.com/signalsfoundry/simenv/model"
)

// NoopXMLID is the factory identifier reported by every no-op backend.
const NoopXMLID = "noop"

// noopData marks bodies registered with a no-op backend.
type noopData struct{}

// NoopCollisionChecker never reports a collision.
type NoopCollisionChecker struct {
	env model.EnvironmentID

	mu      sync.Mutex
	options int
}

// NewNoopCollisionChecker returns the inert collision checker for env.
func NewNoopCollisionChecker(env model.EnvironmentID) *NoopCollisionChecker {
	return &NoopCollisionChecker{env: env}
}

func (c *NoopCollisionChecker) XMLID() string                      { return NoopXMLID }
func (c *NoopCollisionChecker) EnvironmentID() model.EnvironmentID { return c.env }
func (c *NoopCollisionChecker) InitEnvironment() bool              { return true }
func (c *NoopCollisionChecker) DestroyEnvironment()                {}

func (c *NoopCollisionChecker) InitKinBody(body *model.Body) bool {
	body.SetCollisionData(noopData{})
	return true
}

func (c *NoopCollisionChecker) DestroyKinBody(body *model.Body) {
	body.SetCollisionData(nil)
}

func (c *NoopCollisionChecker) SetCollisionOptions(options int) bool {
	c.mu.Lock()
	c.options = options
	c.mu.Unlock()
	return true
}

func (c *NoopCollisionChecker) CollisionOptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options
}

func (c *NoopCollisionChecker) SetTolerance(float64) bool     { return true }
func (c *NoopCollisionChecker) Enable(*model.Body, bool) bool { return true }

func (c *NoopCollisionChecker) CheckCollision(CollisionQuery, *CollisionReport) bool {
	return false
}

// NoopPhysicsEngine does not integrate anything. Velocity and force queries
// return zero values with joint slices sized to the body DOF.
type NoopPhysicsEngine struct {
	env model.EnvironmentID

	mu      sync.Mutex
	options int
	gravity model.Vec3
}

// NewNoopPhysicsEngine returns the inert physics engine for env.
func NewNoopPhysicsEngine(env model.EnvironmentID) *NoopPhysicsEngine {
	return &NoopPhysicsEngine{env: env}
}

func (p *NoopPhysicsEngine) XMLID() string                      { return NoopXMLID }
func (p *NoopPhysicsEngine) EnvironmentID() model.EnvironmentID { return p.env }
func (p *NoopPhysicsEngine) InitEnvironment() bool              { return true }
func (p *NoopPhysicsEngine) DestroyEnvironment()                {}

func (p *NoopPhysicsEngine) InitKinBody(body *model.Body) bool {
	body.SetPhysicsData(noopData{})
	return true
}

func (p *NoopPhysicsEngine) DestroyKinBody(body *model.Body) {
	body.SetPhysicsData(nil)
}

func (p *NoopPhysicsEngine) SetPhysicsOptions(options int) bool {
	p.mu.Lock()
	p.options = options
	p.mu.Unlock()
	return true
}

func (p *NoopPhysicsEngine) PhysicsOptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.options
}

func (p *NoopPhysicsEngine) SimulateStep(time.Duration) {}

func (p *NoopPhysicsEngine) BodyVelocity(body *model.Body) (model.Vec3, model.Vec3, []float64, bool) {
	return model.Vec3{}, model.Vec3{}, make([]float64, body.DOF()), true
}

func (p *NoopPhysicsEngine) SetBodyVelocity(*model.Body, model.Vec3, model.Vec3, []float64) bool {
	return true
}

func (p *NoopPhysicsEngine) LinkVelocity(*model.Link) (model.Vec3, model.Vec3, bool) {
	return model.Vec3{}, model.Vec3{}, true
}

func (p *NoopPhysicsEngine) SetBodyForce(*model.Link, model.Vec3, model.Vec3, bool) bool { return true }
func (p *NoopPhysicsEngine) SetBodyTorque(*model.Link, model.Vec3, bool) bool            { return true }
func (p *NoopPhysicsEngine) AddJointTorque(*model.Body, []float64) bool                  { return true }

func (p *NoopPhysicsEngine) LinkForceTorque(*model.Link) (model.Vec3, model.Vec3, bool) {
	return model.Vec3{}, model.Vec3{}, true
}

func (p *NoopPhysicsEngine) SetGravity(g model.Vec3) {
	p.mu.Lock()
	p.gravity = g
	p.mu.Unlock()
}

func (p *NoopPhysicsEngine) Gravity() model.Vec3 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gravity
}

// HeadlessViewer renders nothing. Main returns immediately.
type HeadlessViewer struct {
	env model.EnvironmentID

	mu     sync.Mutex
	camera model.Transform
}

// NewHeadlessViewer returns the inert viewer for env.
func NewHeadlessViewer(env model.EnvironmentID) *HeadlessViewer {
	return &HeadlessViewer{env: env, camera: model.IdentityTransform()}
}

func (v *HeadlessViewer) XMLID() string                      { return NoopXMLID }
func (v *HeadlessViewer) EnvironmentID() model.EnvironmentID { return v.env }
func (v *HeadlessViewer) Main(bool) int                      { return 0 }
func (v *HeadlessViewer) Quit()                              {}
func (v *HeadlessViewer) Reset()                             {}
func (v *HeadlessViewer) SetTitle(string)                    {}
func (v *HeadlessViewer) SetSize(int, int)                   {}
func (v *HeadlessViewer) Draw(Geometry) GraphHandle          { return 0 }
func (v *HeadlessViewer) CloseGraph(GraphHandle)             {}

func (v *HeadlessViewer) SetCamera(t model.Transform) {
	v.mu.Lock()
	v.camera = t
	v.mu.Unlock()
}

func (v *HeadlessViewer) CameraTransform() model.Transform {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.camera
}

var (
	_ CollisionChecker = (*NoopCollisionChecker)(nil)
	_ PhysicsEngine    = (*NoopPhysicsEngine)(nil)
	_ Viewer           = (*HeadlessViewer)(nil)
)
