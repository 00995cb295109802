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
)

// LoadProblem runs p.Main(cmd) without the scene lock, so the problem may call
// back into the environment, and attaches p only when Main returns 0. A
// non-zero exit code is logged and returned with a nil error.
func (e *Environment) LoadProblem(ctx context.Context, p core.Problem, cmd string) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("%w: nil problem", core.ErrInvalidArguments)
	}
	if err := e.checkOwnership(p); err != nil {
		return 0, err
	}
	if err := e.checkUsable(); err != nil {
		return 0, err
	}

	ctx, span := e.tracer.Start(ctx, "env.LoadProblem", trace.WithAttributes(
		attribute.String("problem", p.XMLID()),
		attribute.String("env_id", e.id.String()),
	))
	defer span.End()

	code := p.Main(cmd)
	span.SetAttributes(attribute.Int("exit_code", code))
	if code != 0 {
		observability.FailSpan(span, nil, "problem main failed")
		e.log.Warn(ctx, "problem failed to start",
			logging.String("problem", p.XMLID()),
			logging.String("cmd", cmd),
			logging.Int("code", code),
		)
		return code, nil
	}

	e.probMu.Lock()
	if !slices.Contains(e.problems, p) {
		e.problems = append(e.problems, p)
	}
	n := len(e.problems)
	e.probMu.Unlock()

	bodies, robots := e.registry.Len()
	e.sceneMetrics.SetSceneCounts(bodies, robots, n)
	e.log.Info(ctx, "problem loaded", logging.String("problem", p.XMLID()))
	return 0, nil
}

// RemoveProblem destroys p and detaches it. It reports false when p was not
// attached.
func (e *Environment) RemoveProblem(p core.Problem) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: nil problem", core.ErrInvalidArguments)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.probMu.Lock()
	idx := slices.Index(e.problems, p)
	if idx >= 0 {
		e.problems = slices.Delete(e.problems, idx, idx+1)
	}
	e.probMu.Unlock()
	if idx < 0 {
		return false, nil
	}

	e.bestEffort(context.Background(), "destroy problem "+p.XMLID(), p.Destroy)
	e.updateSceneMetricsLocked()
	return true, nil
}

// LoadedProblems returns the attached problems in registration order.
func (e *Environment) LoadedProblems() []core.Problem {
	return e.problemSnapshot()
}

func (e *Environment) problemSnapshot() []core.Problem {
	e.probMu.Lock()
	defer e.probMu.Unlock()
	return slices.Clone(e.problems)
}
