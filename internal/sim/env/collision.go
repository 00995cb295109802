package env

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/model"
)

// errBodyNotAdded marks a query naming a body the collision backend never saw.
// It is logged and reported as no collision.
var errBodyNotAdded = errors.New("body not added to collision checker")

// CheckCollision tests body against the rest of the scene.
func (e *Environment) CheckCollision(body *model.Body, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QueryBody, Body1: body}, report)
}

// CheckCollisionPair tests two bodies against each other.
func (e *Environment) CheckCollisionPair(b1, b2 *model.Body, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QueryBodyPair, Body1: b1, Body2: b2}, report)
}

// CheckCollisionExcluding tests body against the scene minus the excluded
// bodies and links.
func (e *Environment) CheckCollisionExcluding(body *model.Body, bodies []*model.Body, links []*model.Link, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QueryBody, Body1: body, ExcludedBodies: bodies, ExcludedLinks: links}, report)
}

// CheckLinkCollision tests link against the rest of the scene.
func (e *Environment) CheckLinkCollision(link *model.Link, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QueryLink, Link1: link}, report)
}

// CheckLinkPairCollision tests two links against each other.
func (e *Environment) CheckLinkPairCollision(l1, l2 *model.Link, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QueryLinkPair, Link1: l1, Link2: l2}, report)
}

// CheckLinkBodyCollision tests link against body.
func (e *Environment) CheckLinkBodyCollision(link *model.Link, body *model.Body, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QueryLinkBody, Link1: link, Body1: body}, report)
}

// CheckLinkCollisionExcluding tests link against the scene minus the excluded
// bodies and links.
func (e *Environment) CheckLinkCollisionExcluding(link *model.Link, bodies []*model.Body, links []*model.Link, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QueryLink, Link1: link, ExcludedBodies: bodies, ExcludedLinks: links}, report)
}

// CheckRayCollision tests ray against the whole scene.
func (e *Environment) CheckRayCollision(ray core.Ray, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QueryRay, Ray: ray}, report)
}

// CheckRayLinkCollision tests ray against link.
func (e *Environment) CheckRayLinkCollision(ray core.Ray, link *model.Link, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QueryRayLink, Ray: ray, Link1: link}, report)
}

// CheckRayBodyCollision tests ray against body.
func (e *Environment) CheckRayBodyCollision(ray core.Ray, body *model.Body, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QueryRayBody, Ray: ray, Body1: body}, report)
}

// CheckSelfCollision tests the links of body against each other.
func (e *Environment) CheckSelfCollision(body *model.Body, report *core.CollisionReport) (bool, error) {
	return e.check(core.CollisionQuery{Kind: core.QuerySelf, Body1: body}, report)
}

func (e *Environment) check(q core.CollisionQuery, report *core.CollisionReport) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkCollisionLocked(q, report)
}

// checkCollisionLocked validates q and forwards it unmodified to the active
// collision checker.
func (e *Environment) checkCollisionLocked(q core.CollisionQuery, report *core.CollisionReport) (bool, error) {
	if err := e.validateQuery(q); err != nil {
		if errors.Is(err, errBodyNotAdded) {
			e.log.Warn(context.Background(), "collision query skipped", logging.Err(err))
			return false, nil
		}
		return false, err
	}
	return e.collision.Get().CheckCollision(q, report), nil
}

func (e *Environment) validateQuery(q core.CollisionQuery) error {
	type need struct{ body1, body2, link1, link2, ray bool }
	var n need
	switch q.Kind {
	case core.QueryBody, core.QuerySelf:
		n = need{body1: true}
	case core.QueryBodyPair:
		n = need{body1: true, body2: true}
	case core.QueryLink:
		n = need{link1: true}
	case core.QueryLinkPair:
		n = need{link1: true, link2: true}
	case core.QueryLinkBody:
		n = need{link1: true, body1: true}
	case core.QueryRay:
		n = need{ray: true}
	case core.QueryRayLink:
		n = need{ray: true, link1: true}
	case core.QueryRayBody:
		n = need{ray: true, body1: true}
	default:
		return fmt.Errorf("%w: unknown query kind %d", core.ErrInvalidArguments, q.Kind)
	}

	switch {
	case n.body1 && q.Body1 == nil, n.body2 && q.Body2 == nil:
		return fmt.Errorf("%w: nil body", core.ErrInvalidArguments)
	case n.link1 && q.Link1 == nil, n.link2 && q.Link2 == nil:
		return fmt.Errorf("%w: nil link", core.ErrInvalidArguments)
	case n.ray && q.Ray.Dir == (model.Vec3{}):
		return fmt.Errorf("%w: zero-length ray", core.ErrInvalidArguments)
	}
	for _, l := range []*model.Link{q.Link1, q.Link2} {
		if l != nil && l.Parent() == nil {
			return fmt.Errorf("%w: link %q has no parent body", core.ErrInvalidArguments, l.Name)
		}
	}

	for _, b := range q.ExcludedBodies {
		if b != nil {
			if err := e.checkOwnership(b); err != nil {
				return err
			}
		}
	}
	for _, l := range q.ExcludedLinks {
		if p := l.Parent(); p != nil {
			if err := e.checkOwnership(p); err != nil {
				return err
			}
		}
	}
	for _, b := range q.Bodies() {
		if err := e.checkOwnership(b); err != nil {
			return err
		}
		if b.CollisionData() == nil {
			return fmt.Errorf("%w: %q", errBodyNotAdded, b.Name())
		}
	}
	return nil
}
