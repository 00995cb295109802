// Package core defines the contracts between the environment and its pluggable
// collaborators: collision, physics and viewer backends, problem modules, scene
// parsers and the factory database.
package core

import (
	"strings"
	"time"

	"github.com/signalsfoundry/simenv/model"
)

// Kind names a family of objects a plugin can construct.
type Kind int

const (
	KindInvalid Kind = iota
	KindKinBody
	KindRobot
	KindCollisionChecker
	KindPhysicsEngine
	KindViewer
	KindProblem
)

var kindNames = map[Kind]string{
	KindKinBody:          "kinbody",
	KindRobot:            "robot",
	KindCollisionChecker: "collisionchecker",
	KindPhysicsEngine:    "physicsengine",
	KindViewer:           "viewer",
	KindProblem:          "problem",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "invalid"
}

// ParseKind is the inverse of Kind.String. Matching ignores case.
func ParseKind(s string) Kind {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindInvalid
}

// Kinds lists every valid kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindKinBody, KindRobot, KindCollisionChecker, KindPhysicsEngine, KindViewer, KindProblem}
}

// Interface is implemented by every object a factory constructs.
type Interface interface {
	// XMLID is the factory identifier the object was created from.
	XMLID() string
	// EnvironmentID is the environment the object was created for.
	EnvironmentID() model.EnvironmentID
}

// Backend is the environment-scoped lifecycle shared by collision checkers and
// physics engines.
type Backend interface {
	Interface
	InitEnvironment() bool
	DestroyEnvironment()
	InitKinBody(body *model.Body) bool
	DestroyKinBody(body *model.Body)
}

// Ray is a half line used by ray collision queries. Dir carries the length.
type Ray struct {
	Origin model.Vec3
	Dir    model.Vec3
}

// Contact is a single contact point.
type Contact struct {
	Pos   model.Vec3
	Norm  model.Vec3
	Depth float64
}

// CollisionReport is filled in by collision checkers.
type CollisionReport struct {
	Body1, Body2 *model.Body
	Link1, Link2 *model.Link
	Contacts     []Contact
	MinDistance  float64
}

// Reset clears the report for reuse.
func (r *CollisionReport) Reset() {
	if r == nil {
		return
	}
	*r = CollisionReport{}
}

// Collision option bits understood by SetCollisionOptions.
const (
	CollisionOptionDistance = 1 << iota
	CollisionOptionUseTolerance
	CollisionOptionContacts
)

// QueryKind selects the shape of a collision query.
type QueryKind int

const (
	QueryBody QueryKind = iota
	QueryBodyPair
	QueryLink
	QueryLinkPair
	QueryLinkBody
	QueryRay
	QueryRayLink
	QueryRayBody
	QuerySelf
)

// CollisionQuery is forwarded unmodified to the active collision checker.
type CollisionQuery struct {
	Kind           QueryKind
	Body1, Body2   *model.Body
	Link1, Link2   *model.Link
	Ray            Ray
	ExcludedBodies []*model.Body
	ExcludedLinks  []*model.Link
}

// Bodies returns every body the query names, including link parents. Exclusion
// lists are not included.
func (q CollisionQuery) Bodies() []*model.Body {
	var out []*model.Body
	for _, b := range []*model.Body{q.Body1, q.Body2, q.Link1.Parent(), q.Link2.Parent()} {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// CollisionAction is returned by collision callbacks.
type CollisionAction int

const (
	ActionDefault CollisionAction = iota
	ActionIgnore
)

// CollisionCallback observes collisions found by a backend.
type CollisionCallback func(report *CollisionReport, fromPhysics bool) CollisionAction

// CollisionChecker answers collision queries for one environment.
type CollisionChecker interface {
	Backend
	SetCollisionOptions(options int) bool
	CollisionOptions() int
	SetTolerance(tolerance float64) bool
	Enable(body *model.Body, enable bool) bool
	CheckCollision(q CollisionQuery, report *CollisionReport) bool
}

// PhysicsEngine integrates body motion.
type PhysicsEngine interface {
	Backend
	SetPhysicsOptions(options int) bool
	PhysicsOptions() int
	SimulateStep(dt time.Duration)
	BodyVelocity(body *model.Body) (linear, angular model.Vec3, joints []float64, ok bool)
	SetBodyVelocity(body *model.Body, linear, angular model.Vec3, joints []float64) bool
	LinkVelocity(link *model.Link) (linear, angular model.Vec3, ok bool)
	SetBodyForce(link *model.Link, force, position model.Vec3, add bool) bool
	SetBodyTorque(link *model.Link, torque model.Vec3, add bool) bool
	AddJointTorque(body *model.Body, torques []float64) bool
	LinkForceTorque(link *model.Link) (force, torque model.Vec3, ok bool)
	SetGravity(g model.Vec3)
	Gravity() model.Vec3
}

// GeometryKind selects what Viewer.Draw renders.
type GeometryKind int

const (
	GeometryPoints GeometryKind = iota
	GeometryLineStrip
	GeometryLineList
	GeometryArrow
	GeometryBox
	GeometryTriMesh
)

// Geometry is a transient drawing.
type Geometry struct {
	Kind    GeometryKind
	Points  []model.Vec3
	Extents model.Vec3
	Color   [4]float32
	Width   float64
}

// GraphHandle identifies a drawing inside one viewer. 0 means nothing was drawn.
type GraphHandle uint64

// Viewer renders an environment. Main blocks until Quit is called.
type Viewer interface {
	Interface
	Main(show bool) int
	Quit()
	Reset()
	SetTitle(title string)
	SetSize(width, height int)
	SetCamera(t model.Transform)
	CameraTransform() model.Transform
	Draw(g Geometry) GraphHandle
	CloseGraph(h GraphHandle)
}

// Problem is an extension module attached to an environment.
type Problem interface {
	Interface
	// Main runs the module entry point. Only a zero return attaches the module.
	Main(cmd string) int
	// SimulationStep is called once per tick while the scene lock is held.
	SimulationStep(scene Scene, dt time.Duration)
	Reset()
	Destroy()
}

// Scene is the view of an environment available while its scene lock is held.
// Its methods never take the scene lock.
type Scene interface {
	ID() model.EnvironmentID
	Bodies() []*model.Body
	Robots() []*model.Robot
	Body(name string) *model.Body
	Robot(name string) *model.Robot
	BodyByID(id int) *model.Body
	NewBody(xmlID string) (*model.Body, error)
	NewRobot(xmlID string) (*model.Robot, error)
	AddBody(body *model.Body, anonymous bool) error
	AddRobot(robot *model.Robot, anonymous bool) error
	RemoveBody(body *model.Body) (bool, error)
	CheckCollision(q CollisionQuery, report *CollisionReport) (bool, error)
	CollisionCallbacks() []CollisionCallback
	CollisionChecker() CollisionChecker
	PhysicsEngine() PhysicsEngine
	SimulationTime() time.Duration
}

// Environment is what plugins receive at construction.
type Environment interface {
	ID() model.EnvironmentID
	WithScene(fn func(Scene) error) error
	PublishedBodies() []model.BodyState
	StartSimulation(delta time.Duration, realTime bool)
	StopSimulation()
	IsSimulationRunning() bool
	SimulationTime() time.Duration
}

// PluginInfo describes what a plugin can construct.
type PluginInfo struct {
	Name       string
	Path       string
	Interfaces map[Kind][]string
}

// Provides reports whether the plugin lists name under kind.
func (p PluginInfo) Provides(kind Kind, name string) bool {
	for _, n := range p.Interfaces[kind] {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// Database constructs interfaces from loaded plugins. CreateInterface returns a
// nil Interface and nil error when no plugin provides the name.
type Database interface {
	CreateInterface(env Environment, kind Kind, name string) (Interface, error)
	AddPlugin(path string) bool
	AddDirectory(dir string) bool
	ReloadPlugins()
	HasInterface(kind Kind, name string) bool
	Plugins() []PluginInfo
	CleanupUnusedLibraries()
}

// SceneParser populates a scene from a source.
type SceneParser interface {
	ParseFile(scene Scene, path string) error
	ParseData(scene Scene, data []byte) error
}

// SceneWriter serialises a scene.
type SceneWriter interface {
	WriteFile(scene Scene, path string) error
}
