package model

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EnvironmentID identifies the environment instance that owns an object.
type EnvironmentID = uuid.UUID

// DefaultBodyKind and DefaultRobotKind are the factory identifiers of bodies
// constructed without a plugin.
const (
	DefaultBodyKind  = "KinBody"
	DefaultRobotKind = "RobotBase"
)

// Link is a rigid part of a body.
type Link struct {
	Index     int
	Name      string
	Transform Transform
	// Extents are the half sizes of the link's box geometry.
	Extents Vec3

	parent *Body
}

// Parent returns the body that owns the link.
func (l *Link) Parent() *Body {
	if l == nil {
		return nil
	}
	return l.parent
}

// BodyController advances a body by one simulation tick.
type BodyController interface {
	SimulationStep(body *Body, dt time.Duration)
}

// BodyControllerFunc adapts a function to BodyController.
type BodyControllerFunc func(body *Body, dt time.Duration)

// SimulationStep calls f.
func (f BodyControllerFunc) SimulationStep(body *Body, dt time.Duration) { f(body, dt) }

// Body is a simulable object. Identity, ownership and backend data are managed
// by the environment that registered it.
type Body struct {
	mu sync.RWMutex

	name  string
	xmlID string
	envID EnvironmentID
	id    int

	links    []*Link
	dof      []float64
	attached []int

	collisionData any
	physicsData   any
	guiData       any

	controller      BodyController
	kinematicsStamp uint64

	robot *Robot
}

// NewBody constructs an unregistered body owned by env.
func NewBody(env EnvironmentID, xmlID string) *Body {
	if xmlID == "" {
		xmlID = DefaultBodyKind
	}
	return &Body{xmlID: xmlID, envID: env}
}

// Name returns the body name.
func (b *Body) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

// SetName renames the body. Renaming a registered body bypasses name checks.
func (b *Body) SetName(name string) {
	b.mu.Lock()
	b.name = name
	b.mu.Unlock()
}

// XMLID returns the factory identifier the body was created from.
func (b *Body) XMLID() string { return b.xmlID }

// EnvironmentID returns the id of the owning environment.
func (b *Body) EnvironmentID() EnvironmentID { return b.envID }

// ID returns the environment identity, 0 when not registered.
func (b *Body) ID() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

// SetID is reserved for the body registry.
func (b *Body) SetID(id int) {
	b.mu.Lock()
	b.id = id
	b.mu.Unlock()
}

// IsRobot reports whether the body is the base of a robot.
func (b *Body) IsRobot() bool { return b.robot != nil }

// Robot returns the robot wrapping the body, or nil.
func (b *Body) Robot() *Robot { return b.robot }

// AddLink appends a link and returns it.
func (b *Body) AddLink(name string, t Transform, extents Vec3) *Link {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := &Link{Index: len(b.links), Name: name, Transform: t, Extents: extents, parent: b}
	b.links = append(b.links, l)
	return l
}

// Links returns the body links. The slice is a copy; the links are shared.
func (b *Body) Links() []*Link {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.links)
}

// Link returns the link at index, or nil.
func (b *Body) Link(index int) *Link {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if index < 0 || index >= len(b.links) {
		return nil
	}
	return b.links[index]
}

// LinkCount returns the number of links.
func (b *Body) LinkCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.links)
}

// Transform returns the transform of the first link, or identity.
func (b *Body) Transform() Transform {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.links) == 0 {
		return IdentityTransform()
	}
	return b.links[0].Transform
}

// SetTransform moves the whole body so that its first link lands on t.
func (b *Body) SetTransform(t Transform) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.links) == 0 {
		return
	}
	delta := t.Trans.Sub(b.links[0].Transform.Trans)
	b.links[0].Transform = t
	for _, l := range b.links[1:] {
		l.Transform.Trans = l.Transform.Trans.Add(delta)
	}
}

// LinkTransforms returns a copy of every link transform.
func (b *Body) LinkTransforms() []Transform {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Transform, len(b.links))
	for i, l := range b.links {
		out[i] = l.Transform
	}
	return out
}

// SetLinkTransforms overwrites link transforms in index order.
func (b *Body) SetLinkTransforms(ts []Transform) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < len(ts) && i < len(b.links); i++ {
		b.links[i].Transform = ts[i]
	}
}

// DOF returns the number of joint values.
func (b *Body) DOF() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.dof)
}

// DOFValues returns a copy of the joint values.
func (b *Body) DOFValues() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.dof)
}

// SetDOFValues replaces the joint values.
func (b *Body) SetDOFValues(values []float64) {
	b.mu.Lock()
	b.dof = slices.Clone(values)
	b.mu.Unlock()
}

// AttachedIDs returns the identities of attached bodies.
func (b *Body) AttachedIDs() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.attached)
}

// SetAttachedIDs replaces the attached relation. Used when relinking clones.
func (b *Body) SetAttachedIDs(ids []int) {
	b.mu.Lock()
	b.attached = slices.Clone(ids)
	b.mu.Unlock()
}

// Attach records a symmetric attachment between two registered bodies.
func (b *Body) Attach(other *Body) bool {
	if other == nil || other == b {
		return false
	}
	bid, oid := b.ID(), other.ID()
	if bid == 0 || oid == 0 {
		return false
	}
	b.addAttached(oid)
	other.addAttached(bid)
	return true
}

// Detach removes a symmetric attachment.
func (b *Body) Detach(other *Body) {
	if other == nil {
		return
	}
	b.removeAttached(other.ID())
	other.removeAttached(b.ID())
}

// IsAttached reports whether other is attached to b.
func (b *Body) IsAttached(other *Body) bool {
	if other == nil {
		return false
	}
	id := other.ID()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Contains(b.attached, id)
}

func (b *Body) addAttached(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.attached, id) {
		b.attached = append(b.attached, id)
	}
}

func (b *Body) removeAttached(id int) {
	b.mu.Lock()
	b.attached = slices.DeleteFunc(b.attached, func(v int) bool { return v == id })
	b.mu.Unlock()
}

// CollisionData returns the collision backend's private data.
func (b *Body) CollisionData() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.collisionData
}

// SetCollisionData is called by the collision backend.
func (b *Body) SetCollisionData(v any) {
	b.mu.Lock()
	b.collisionData = v
	b.mu.Unlock()
}

// PhysicsData returns the physics backend's private data.
func (b *Body) PhysicsData() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.physicsData
}

// SetPhysicsData is called by the physics backend.
func (b *Body) SetPhysicsData(v any) {
	b.mu.Lock()
	b.physicsData = v
	b.mu.Unlock()
}

// GuiData returns the viewer payload.
func (b *Body) GuiData() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.guiData
}

// SetGuiData sets the viewer payload.
func (b *Body) SetGuiData(v any) {
	b.mu.Lock()
	b.guiData = v
	b.mu.Unlock()
}

// SetController installs the per-tick controller. nil removes it.
func (b *Body) SetController(c BodyController) {
	b.mu.Lock()
	b.controller = c
	b.mu.Unlock()
}

// SimulationStep advances the body's own simulation by dt.
func (b *Body) SimulationStep(dt time.Duration) {
	b.mu.RLock()
	c := b.controller
	b.mu.RUnlock()
	if c != nil {
		c.SimulationStep(b, dt)
	}
}

// ComputeInternalInformation recomputes cached kinematics. Link rotations are
// renormalised.
func (b *Body) ComputeInternalInformation() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.links {
		l.Transform.Rot = l.Transform.Rot.Normalize()
	}
	b.kinematicsStamp++
}

// KinematicsStamp counts ComputeInternalInformation calls.
func (b *Body) KinematicsStamp() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.kinematicsStamp
}

// Clone copies name, links, joint values and the attached relation from src.
// Identity, backend data and the controller are not copied.
func (b *Body) Clone(src *Body) {
	if src == nil || src == b {
		return
	}
	src.mu.RLock()
	name := src.name
	dof := slices.Clone(src.dof)
	attached := slices.Clone(src.attached)
	gui := src.guiData
	links := make([]Link, len(src.links))
	for i, l := range src.links {
		links[i] = *l
	}
	src.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = name
	b.dof = dof
	b.attached = attached
	b.guiData = gui
	b.links = make([]*Link, len(links))
	for i := range links {
		l := links[i]
		l.parent = b
		b.links[i] = &l
	}
}

// ResetBackendData clears both backend data slots.
func (b *Body) ResetBackendData() {
	b.mu.Lock()
	b.collisionData = nil
	b.physicsData = nil
	b.mu.Unlock()
}
