package model

import (
	"fmt"
	"slices"
)

// Grabbed records a body held by a robot link. Links are referenced by index
// and the body by identity so the record survives cloning.
type Grabbed struct {
	BodyID            int
	RobotLink         int
	CollidingLinks    []int
	NonCollidingLinks []int
}

func (g Grabbed) clone() Grabbed {
	g.CollidingLinks = slices.Clone(g.CollidingLinks)
	g.NonCollidingLinks = slices.Clone(g.NonCollidingLinks)
	return g
}

// Robot is a body that can grab other bodies.
type Robot struct {
	*Body

	grabbed []Grabbed
}

// NewRobot constructs an unregistered robot owned by env.
func NewRobot(env EnvironmentID, xmlID string) *Robot {
	if xmlID == "" {
		xmlID = DefaultRobotKind
	}
	r := &Robot{Body: NewBody(env, xmlID)}
	r.Body.robot = r
	return r
}

// Grab attaches body to the robot link at robotLink. The grabbing link is
// recorded as non-colliding and every other robot link as colliding.
func (r *Robot) Grab(body *Body, robotLink int) error {
	if body == nil || body == r.Body {
		return fmt.Errorf("robot %q cannot grab itself or nil", r.Name())
	}
	id := body.ID()
	if id == 0 {
		return fmt.Errorf("body %q is not registered", body.Name())
	}
	n := r.LinkCount()
	if robotLink < 0 || robotLink >= n {
		return fmt.Errorf("robot %q has no link %d", r.Name(), robotLink)
	}
	g := Grabbed{BodyID: id, RobotLink: robotLink, NonCollidingLinks: []int{robotLink}}
	for i := range n {
		if i != robotLink {
			g.CollidingLinks = append(g.CollidingLinks, i)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.grabbed {
		if r.grabbed[i].BodyID == id {
			r.grabbed[i] = g
			return nil
		}
	}
	r.grabbed = append(r.grabbed, g)
	return nil
}

// IsGrabbing reports whether the robot holds body.
func (r *Robot) IsGrabbing(body *Body) bool {
	if body == nil {
		return false
	}
	id := body.ID()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.ContainsFunc(r.grabbed, func(g Grabbed) bool { return g.BodyID == id })
}

// Release drops body from the grabbed set. It reports whether it was held.
func (r *Robot) Release(body *Body) bool {
	if body == nil {
		return false
	}
	id := body.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.grabbed)
	r.grabbed = slices.DeleteFunc(r.grabbed, func(g Grabbed) bool { return g.BodyID == id })
	return len(r.grabbed) != n
}

// ReleaseAll drops every grabbed body.
func (r *Robot) ReleaseAll() {
	r.mu.Lock()
	r.grabbed = nil
	r.mu.Unlock()
}

// GrabbedRecords returns a deep copy of the grabbed set.
func (r *Robot) GrabbedRecords() []Grabbed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Grabbed, len(r.grabbed))
	for i, g := range r.grabbed {
		out[i] = g.clone()
	}
	return out
}

// SetGrabbedRecords replaces the grabbed set.
func (r *Robot) SetGrabbedRecords(records []Grabbed) {
	cp := make([]Grabbed, len(records))
	for i, g := range records {
		cp[i] = g.clone()
	}
	r.mu.Lock()
	r.grabbed = cp
	r.mu.Unlock()
}

// Clone copies body state and grab records from src.
func (r *Robot) Clone(src *Robot) {
	if src == nil || src == r {
		return
	}
	r.Body.Clone(src.Body)
	r.SetGrabbedRecords(src.GrabbedRecords())
}
