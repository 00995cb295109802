package env

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/internal/observability"
	"github.com/signalsfoundry/simenv/model"
	"github.com/signalsfoundry/simenv/timectrl"
)

// Clone builds an independent environment sharing this one's factory
// database. The source scene lock is held for the whole call. Body identities
// are kept verbatim; attachment and grab relations are relinked after every
// body exists. The clone's worker starts last.
func (e *Environment) Clone(ctx context.Context, opts model.CloneOptions) (*Environment, error) {
	ctx, span := e.tracer.Start(ctx, "env.Clone", trace.WithAttributes(
		attribute.Int("options", int(opts)),
		attribute.String("env_id", e.id.String()),
	))
	defer span.End()

	if s := e.lifecycle(); s != stateInitialized {
		return nil, fmt.Errorf("%w: cannot clone %s environment", core.ErrInvalidState, s)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	dst := New(
		WithLogger(e.base),
		WithDatabase(e.db),
		WithSceneParser(e.markup),
		WithInterchangeParser(e.interchange),
		WithSceneWriter(e.writer),
		WithCollisionPreferences(e.collisionPrefs...),
		WithPluginDirs(e.pluginDirs...),
		WithSimulationDefaults(e.defaultDelta, e.defaultRealTime, false),
	)
	if err := e.cloneInto(ctx, dst, opts); err != nil {
		dst.Destroy()
		observability.FailSpan(span, err, "clone failed")
		return nil, err
	}

	dst.state.Store(int32(stateInitialized))
	dst.startWorker()

	bodies, _ := dst.registry.Len()
	span.SetAttributes(attribute.String("clone_id", dst.id.String()), attribute.Int("bodies", bodies))
	e.log.Info(ctx, "environment cloned",
		logging.String("clone_id", dst.id.String()),
		logging.Int("bodies", bodies),
	)
	return dst, nil
}

// cloneInto fills dst, which nobody else can reach yet, from e. Caller holds
// e.mu.
func (e *Environment) cloneInto(ctx context.Context, dst *Environment, opts model.CloneOptions) error {
	if !e.collision.IsFallback() {
		id := e.collision.Get().XMLID()
		c, err := dst.CreateCollisionChecker(id)
		if err != nil {
			return err
		}
		if c == nil {
			e.log.Warn(ctx, "clone could not recreate collision checker", logging.String("xml_id", id))
		} else if err := dst.setCollisionCheckerLocked(c); err != nil {
			return err
		}
	}

	if opts.Has(model.CloneSimulation) && !e.physics.IsFallback() {
		id := e.physics.Get().XMLID()
		p, err := dst.CreatePhysicsEngine(id)
		if err != nil {
			return err
		}
		if p == nil {
			e.log.Warn(ctx, "clone could not recreate physics engine", logging.String("xml_id", id))
		} else if err := dst.setPhysicsEngineLocked(p); err != nil {
			return err
		}
	}

	if opts.Has(model.CloneBodies) {
		if err := e.cloneBodies(ctx, dst); err != nil {
			return err
		}
	}

	if opts.Has(model.CloneViewer) && !e.viewer.IsFallback() {
		id := e.viewer.Get().XMLID()
		v, err := dst.CreateViewer(id)
		if err != nil {
			return err
		}
		if v == nil {
			e.log.Warn(ctx, "clone could not recreate viewer", logging.String("xml_id", id))
		} else {
			dst.viewer.Set(v)
		}
	}

	if opts.Has(model.CloneSimulation) {
		dst.clock.Restore(e.clock.Snapshot())
		dst.simEnabled.Store(e.simEnabled.Load())
	} else {
		dst.clock.Reset(e.defaultDelta, timectrl.ModeFor(e.defaultRealTime))
		dst.simEnabled.Store(false)
	}

	dst.refreshPublishedLocked()
	dst.updateSceneMetricsLocked()
	return nil
}

// cloneBodies creates every body, then relinks identity references, then
// initialises backends, in three passes.
func (e *Environment) cloneBodies(ctx context.Context, dst *Environment) error {
	src := e.registry.Bodies()
	bodies := make([]*model.Body, 0, len(src))
	var robots []*model.Robot

	for _, sb := range src {
		if sr := sb.Robot(); sr != nil {
			r, err := dst.newRobot(sr.XMLID())
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("%w: no factory for robot %q (%s)", core.ErrInvalidPlugin, sr.Name(), sr.XMLID())
			}
			r.Clone(sr)
			r.SetID(sr.ID())
			bodies = append(bodies, r.Body)
			robots = append(robots, r)
			continue
		}
		b, err := dst.newBody(sb.XMLID())
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("%w: no factory for body %q (%s)", core.ErrInvalidPlugin, sb.Name(), sb.XMLID())
		}
		b.Clone(sb)
		b.SetID(sb.ID())
		bodies = append(bodies, b)
	}
	if err := dst.registry.Restore(bodies, robots, e.registry.NextID()); err != nil {
		return err
	}

	for _, b := range bodies {
		ids := b.AttachedIDs()
		kept := slices.DeleteFunc(slices.Clone(ids), func(id int) bool { return dst.registry.FindByID(id) == nil })
		if len(kept) != len(ids) {
			e.log.Warn(ctx, "clone dropped dangling attachments", logging.String("body", b.Name()))
		}
		b.SetAttachedIDs(kept)
	}
	for _, r := range robots {
		records := r.GrabbedRecords()
		kept := slices.DeleteFunc(slices.Clone(records), func(g model.Grabbed) bool { return dst.registry.FindByID(g.BodyID) == nil })
		if len(kept) != len(records) {
			e.log.Warn(ctx, "clone dropped dangling grabs", logging.String("robot", r.Name()))
		}
		r.SetGrabbedRecords(kept)
	}

	c, p := dst.collision.Get(), dst.physics.Get()
	for _, b := range bodies {
		if !c.InitKinBody(b) {
			e.log.Warn(ctx, "clone collision init failed", logging.String("body", b.Name()))
		}
		if !p.InitKinBody(b) {
			e.log.Warn(ctx, "clone physics init failed", logging.String("body", b.Name()))
		}
		b.ComputeInternalInformation()
	}
	return nil
}
