// Package kb holds the authoritative body registry of an environment.
package kb

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/model"
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventBodyAdded EventType = iota
	EventBodyRemoved
	EventCleared
)

// Event is emitted to subscribers when the body sequence changes.
type Event struct {
	Type EventType
	Body *model.Body
}

// Registry is the in-memory, thread-safe store of bodies and robots.
//
// Lock ordering: mu (sequence) and idMu (identity map) are siblings and are
// never held together. Callers that need "add + backend init" to be atomic
// hold the environment scene lock around the registry calls.
type Registry struct {
	mu sync.RWMutex

	bodies    []*model.Body
	robots    []*model.Robot
	published []model.BodyState
	subs      []*subscription

	stamp atomic.Uint64

	idMu   sync.Mutex
	nextID int
	ids    map[int]weak.Pointer[model.Body]
}

type subscription struct {
	fn func(Event)
}

// New constructs an empty registry. Identities start at 1.
func New() *Registry {
	return &Registry{
		nextID: 1,
		ids:    make(map[int]weak.Pointer[model.Body]),
	}
}

// IsValidName reports whether name is non-empty and only uses [A-Za-z0-9_.-].
func IsValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}

// Add registers body. Invalid names fail with core.ErrInvalidName. A
// duplicate name fails with core.ErrNamingConflict unless anonymous is set, in
// which case the body is renamed name0, name1, ... until unique.
func (r *Registry) Add(body *model.Body, anonymous bool) error {
	return r.add(body, nil, anonymous)
}

// AddRobot registers robot in both the body and robot sequences.
func (r *Registry) AddRobot(robot *model.Robot, anonymous bool) error {
	if robot == nil {
		return fmt.Errorf("%w: nil robot", core.ErrInvalidArguments)
	}
	return r.add(robot.Body, robot, anonymous)
}

func (r *Registry) add(body *model.Body, robot *model.Robot, anonymous bool) error {
	if body == nil {
		return fmt.Errorf("%w: nil body", core.ErrInvalidArguments)
	}
	if body.ID() != 0 {
		return fmt.Errorf("%w: body %q is already registered", core.ErrInvalidArguments, body.Name())
	}
	name := body.Name()
	if !IsValidName(name) {
		return fmt.Errorf("%w: %q", core.ErrInvalidName, name)
	}

	r.mu.Lock()
	if r.findLocked(name) != nil {
		if !anonymous {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", core.ErrNamingConflict, name)
		}
		name = r.uniqueNameLocked(name)
		body.SetName(name)
	}
	r.mu.Unlock()

	r.assignID(body)

	r.mu.Lock()
	if r.findLocked(name) != nil {
		// Lost a race with a concurrent Add of the same name.
		r.mu.Unlock()
		r.releaseID(body)
		return fmt.Errorf("%w: %q", core.ErrNamingConflict, name)
	}
	r.bodies = append(r.bodies, body)
	if robot != nil {
		r.robots = append(r.robots, robot)
	}
	r.stamp.Add(1)
	subs := slices.Clone(r.subs)
	r.mu.Unlock()

	r.notify(subs, Event{Type: EventBodyAdded, Body: body})
	return nil
}

func (r *Registry) uniqueNameLocked(base string) string {
	for i := 0; ; i++ {
		candidate := base + strconv.Itoa(i)
		if IsValidName(candidate) && r.findLocked(candidate) == nil {
			return candidate
		}
	}
}

func (r *Registry) assignID(body *model.Body) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	id := r.nextID
	r.nextID++
	r.ids[id] = weak.Make(body)
	body.SetID(id)
}

func (r *Registry) releaseID(body *model.Body) {
	r.idMu.Lock()
	delete(r.ids, body.ID())
	r.idMu.Unlock()
	body.SetID(0)
}

// Remove unregisters body. Robots grabbing it are forced to release it and
// returned so the caller can report them; attached peers are detached. The
// identity is never handed out again.
func (r *Registry) Remove(body *model.Body) (released []*model.Robot, ok bool) {
	if body == nil {
		return nil, false
	}

	r.mu.Lock()
	idx := slices.Index(r.bodies, body)
	if idx < 0 {
		r.mu.Unlock()
		return nil, false
	}
	for _, robot := range r.robots {
		if robot.Body != body && robot.IsGrabbing(body) {
			robot.Release(body)
			released = append(released, robot)
		}
	}
	attached := body.AttachedIDs()
	r.bodies = slices.Delete(r.bodies, idx, idx+1)
	if rb := body.Robot(); rb != nil {
		r.robots = slices.DeleteFunc(r.robots, func(x *model.Robot) bool { return x == rb })
	}
	r.stamp.Add(1)
	subs := slices.Clone(r.subs)
	r.mu.Unlock()

	for _, peerID := range attached {
		if peer := r.FindByID(peerID); peer != nil {
			body.Detach(peer)
		}
	}

	r.releaseID(body)

	r.notify(subs, Event{Type: EventBodyRemoved, Body: body})
	return released, true
}

// Find returns the body named name, or nil.
func (r *Registry) Find(name string) *model.Body {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(name)
}

func (r *Registry) findLocked(name string) *model.Body {
	for _, b := range r.bodies {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

// FindRobot returns the robot named name, or nil.
func (r *Registry) FindRobot(name string) *model.Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rb := range r.robots {
		if rb.Name() == name {
			return rb
		}
	}
	return nil
}

// FindByID returns the registered body with identity id, or nil.
func (r *Registry) FindByID(id int) *model.Body {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	wp, ok := r.ids[id]
	if !ok {
		return nil
	}
	return wp.Value()
}

// Snapshot returns a copy of the body sequence together with the modification
// stamp it corresponds to.
func (r *Registry) Snapshot() ([]*model.Body, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.bodies), r.stamp.Load()
}

// Bodies returns a copy of the body sequence in registration order.
func (r *Registry) Bodies() []*model.Body {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.bodies)
}

// Robots returns a copy of the robot sequence in registration order.
func (r *Registry) Robots() []*model.Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.robots)
}

// Len returns the number of bodies and robots.
func (r *Registry) Len() (bodies, robots int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bodies), len(r.robots)
}

// Contains reports whether body is still registered.
func (r *Registry) Contains(body *model.Body) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.bodies, body)
}

// Stamp returns the structural modification counter.
func (r *Registry) Stamp() uint64 { return r.stamp.Load() }

// NextID returns the identity the next Add will assign.
func (r *Registry) NextID() int {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return r.nextID
}

// Clear unregisters every body without running release logic and returns the
// removed sequence. Identities stay retired.
func (r *Registry) Clear() []*model.Body {
	r.mu.Lock()
	bodies := r.bodies
	r.bodies = nil
	r.robots = nil
	r.published = nil
	r.stamp.Add(1)
	subs := slices.Clone(r.subs)
	r.mu.Unlock()

	r.idMu.Lock()
	clear(r.ids)
	r.idMu.Unlock()

	for _, b := range bodies {
		b.SetID(0)
	}
	r.notify(subs, Event{Type: EventCleared})
	return bodies
}

// Restore installs bodies whose identities were assigned elsewhere, keeping
// them verbatim. robots must be a subset of bodies. nextID is raised so that
// later additions never collide with restored identities.
func (r *Registry) Restore(bodies []*model.Body, robots []*model.Robot, nextID int) error {
	seen := make(map[int]bool, len(bodies))
	for _, b := range bodies {
		id := b.ID()
		if id <= 0 || seen[id] {
			return fmt.Errorf("%w: restored body %q has invalid identity %d", core.ErrInvalidArguments, b.Name(), id)
		}
		seen[id] = true
	}

	r.idMu.Lock()
	for _, b := range bodies {
		id := b.ID()
		r.ids[id] = weak.Make(b)
		if id >= r.nextID {
			r.nextID = id + 1
		}
	}
	if nextID > r.nextID {
		r.nextID = nextID
	}
	r.idMu.Unlock()

	r.mu.Lock()
	r.bodies = append(r.bodies, bodies...)
	r.robots = append(r.robots, robots...)
	r.stamp.Add(1)
	subs := slices.Clone(r.subs)
	r.mu.Unlock()

	for _, b := range bodies {
		r.notify(subs, Event{Type: EventBodyAdded, Body: b})
	}
	return nil
}

// Publish replaces the published snapshot.
func (r *Registry) Publish(states []model.BodyState) {
	r.mu.Lock()
	r.published = states
	r.mu.Unlock()
}

// Published returns a copy of the latest published snapshot.
func (r *Registry) Published() []model.BodyState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.published)
}

// Subscribe registers a callback for registry events. It returns an
// unsubscribe function.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	s := &subscription{fn: fn}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.subs = slices.DeleteFunc(r.subs, func(x *subscription) bool { return x == s })
	}
}

// notify runs subscribers outside the lock to avoid deadlocks.
func (r *Registry) notify(subs []*subscription, ev Event) {
	for _, s := range subs {
		s.fn(ev)
	}
}
