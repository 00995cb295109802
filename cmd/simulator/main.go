// Command simulator runs a scene headless for a fixed simulated duration and
// prints the published body states once per simulated second.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/simenv/internal/config"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/internal/scene"
	"github.com/signalsfoundry/simenv/internal/sim/env"
	"github.com/signalsfoundry/simenv/model"
)

// jointRate is the speed, in units per simulated second, at which robot
// joints are swept.
const jointRate = 0.1

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	scenePath := fs.String("scene", "data/lab1"+scene.Ext, "scene file to simulate")
	cfgPath := fs.String("config", "", "YAML configuration file")
	duration := fs.Duration("duration", 10*time.Second, "total simulated duration")
	tick := fs.Duration("tick", env.DefaultDelta, "simulation step")
	accelerated := fs.Bool("accelerated", true, "run as fast as possible instead of in real time")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if *tick <= 0 || *duration <= 0 {
		fmt.Fprintln(stderr, "simulator: -tick and -duration must be positive")
		return 1
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "simulator: %v\n", err)
		return 1
	}
	if cfg.Log.Output == nil {
		cfg.Log.Output = stderr
	}
	log := logging.New(cfg.Log)

	e := env.New(append(cfg.EnvOptions(),
		env.WithLogger(log),
		env.WithSceneParser(scene.NewParser()),
	)...)
	if err := e.Init(ctx); err != nil {
		log.Error(ctx, "failed to initialise environment", logging.Err(err))
		return 1
	}
	defer e.Destroy()

	if err := e.Load(ctx, cfg.Resolve(*scenePath)); err != nil {
		log.Error(ctx, "failed to load scene", logging.String("scene", *scenePath), logging.Err(err))
		return 2
	}
	for _, r := range e.Robots() {
		r.SetController(model.BodyControllerFunc(sweepJoints))
	}

	clock := e.Clock()
	done := clock.After(*duration)
	second := clock.After(time.Second)

	log.Info(ctx, "starting simulation",
		logging.Duration("duration", *duration),
		logging.Duration("tick", *tick),
		logging.Bool("accelerated", *accelerated),
	)
	e.StartSimulation(*tick, !*accelerated)
	defer e.StopSimulation()

	for {
		select {
		case <-ctx.Done():
			log.Warn(ctx, "simulation interrupted", logging.Duration("sim_time", e.SimulationTime()))
			return 0
		case <-second:
			second = clock.After(time.Second)
			printStates(stdout, e.SimulationTime(), e.PublishedBodies())
		case <-done:
			e.StopSimulation()
			printStates(stdout, e.SimulationTime(), e.PublishedBodies())
			if err := e.LastSimulationError(); err != nil {
				log.Warn(ctx, "simulation step failed", logging.Err(err))
			}
			log.Info(ctx, "simulation complete", logging.Duration("sim_time", e.SimulationTime()))
			return 0
		}
	}
}

func sweepJoints(b *model.Body, dt time.Duration) {
	vals := b.DOFValues()
	if len(vals) == 0 {
		return
	}
	for i := range vals {
		vals[i] += jointRate * dt.Seconds()
	}
	b.SetDOFValues(vals)
}

func printStates(w io.Writer, simTime time.Duration, states []model.BodyState) {
	fmt.Fprintf(w, "[%s] %d bodies\n", simTime, len(states))
	for _, s := range states {
		var pos model.Vec3
		if len(s.Transforms) > 0 {
			pos = s.Transforms[0].Trans
		}
		fmt.Fprintf(w, "  %-16s id=%-3d pos=(%.3f, %.3f, %.3f) dof=%v\n",
			s.Name, s.ID, pos.X, pos.Y, pos.Z, s.DOFValues)
	}
}
