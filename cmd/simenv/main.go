// Command simenv loads a scene, attaches a viewer and runs the simulation
// until the viewer exits or the process is interrupted.
//
//	simenv [--config file] [--scene file] [viewer [args...]]
//
// Exit status is 0 on success, 2 when the scene cannot be loaded and 1 for
// any other start-up failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/backends/builtin"
	"github.com/signalsfoundry/simenv/internal/backends/wsviewer"
	"github.com/signalsfoundry/simenv/internal/config"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/internal/observability"
	"github.com/signalsfoundry/simenv/internal/plugindb"
	"github.com/signalsfoundry/simenv/internal/problems/recorder"
	"github.com/signalsfoundry/simenv/internal/scene"
	"github.com/signalsfoundry/simenv/internal/sim/env"
)

const (
	exitOK    = 0
	exitSetup = 1
	exitScene = 2

	defaultScene  = "data/lab1" + scene.Ext
	defaultViewer = wsviewer.XMLID

	// healthService is the name reported for the running environment.
	healthService = "simenv.Environment"
)

var errViewerExited = errors.New("viewer exited")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath string
	scenePath  string
	viewer     string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("simenv", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&opts.scenePath, "scene", defaultScene, "scene file to load")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: simenv [--config file] [--scene file] [viewer [args...]]\n\n")
		fmt.Fprintf(fs.Output(), "The viewer defaults to %q.\n\n", defaultViewer)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.viewer = strings.Join(fs.Args(), " ")
	if opts.viewer == "" {
		opts.viewer = defaultViewer
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		return exitSetup
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "simenv: %v\n", err)
		return exitSetup
	}
	if cfg.Log.Output == nil {
		cfg.Log.Output = stderr
	}
	log := logging.New(cfg.Log)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		return exitSetup
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	sceneMetrics, err := observability.NewSceneCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise scene metrics", logging.Err(err))
		return exitSetup
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise scheduler metrics", logging.Err(err))
		return exitSetup
	}

	db := plugindb.New(plugindb.WithLogger(log))
	if err := db.Register(builtin.Name, builtin.Export(log)); err != nil {
		log.Error(ctx, "failed to register built-in backends", logging.Err(err))
		return exitSetup
	}

	e := env.New(append(cfg.EnvOptions(),
		env.WithLogger(log),
		env.WithDatabase(db),
		env.WithSceneParser(scene.NewParser()),
		env.WithSceneMetrics(sceneMetrics),
		env.WithSchedulerMetrics(schedMetrics),
	)...)
	if err := e.Init(ctx); err != nil {
		log.Error(ctx, "failed to initialise environment", logging.Err(err))
		return exitSetup
	}
	defer e.Destroy()

	if err := e.Load(ctx, cfg.Resolve(opts.scenePath)); err != nil {
		log.Error(ctx, "failed to load scene",
			logging.String("scene", opts.scenePath),
			logging.String("code", core.CodeOf(err).String()),
			logging.Err(err),
		)
		return exitScene
	}

	if cfg.RecorderPath != "" {
		if err := attachRecorder(ctx, e, cfg.RecorderPath); err != nil {
			log.Error(ctx, "failed to start recorder", logging.Err(err))
			return exitSetup
		}
	}

	viewer, err := e.CreateViewer(opts.viewer)
	if err == nil && viewer == nil {
		err = fmt.Errorf("%w: no plugin provides viewer %q", core.ErrInvalidArguments, opts.viewer)
	}
	if err == nil {
		err = e.AttachViewer(viewer)
	}
	if err != nil {
		log.Error(ctx, "failed to create viewer", logging.String("viewer", opts.viewer), logging.Err(err))
		return exitSetup
	}

	metricsLis, err := listen(cfg.MetricsAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for metrics", logging.String("addr", cfg.MetricsAddr), logging.Err(err))
		return exitSetup
	}
	healthLis, err := listen(cfg.HealthAddr)
	if err != nil {
		closeListener(metricsLis)
		log.Error(ctx, "failed to listen for health checks", logging.String("addr", cfg.HealthAddr), logging.Err(err))
		return exitSetup
	}

	if err := serve(ctx, log, viewer, sceneMetrics, metricsLis, healthLis); err != nil {
		log.Error(ctx, "simenv exited with error", logging.Err(err))
		return exitSetup
	}
	log.Info(ctx, "simenv stopped")
	return exitOK
}

func attachRecorder(ctx context.Context, e *env.Environment, path string) error {
	p, err := e.CreateProblem(recorder.XMLID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: recorder unavailable", core.ErrInvalidPlugin)
	}
	code, err := e.LoadProblem(ctx, p, "path="+path)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("recorder exited with code %d", code)
	}
	return nil
}

// listen returns nil for an empty address, which disables the server.
func listen(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, nil
	}
	return net.Listen("tcp", addr)
}

func closeListener(l net.Listener) {
	if l != nil {
		_ = l.Close()
	}
}

// serve runs the viewer alongside the metrics and health servers. It returns
// when the viewer exits or ctx is cancelled, after every server has stopped.
func serve(ctx context.Context, log logging.Logger, viewer core.Viewer, metrics *observability.SceneCollector, metricsLis, healthLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		code := viewer.Main(true)
		log.Info(ctx, "viewer exited", logging.Int("code", code))
		if code != 0 {
			return fmt.Errorf("viewer exited with code %d", code)
		}
		return errViewerExited
	})
	g.Go(func() error {
		<-gctx.Done()
		viewer.Quit()
		return nil
	})

	if metricsLis != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info(ctx, "serving Prometheus metrics", logging.String("addr", metricsLis.Addr().String()))
			if err := srv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if healthLis != nil {
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		server := grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
			grpc.ChainUnaryInterceptor(
				observability.RequestLoggingUnaryServerInterceptor(log),
				metrics.UnaryServerInterceptor(),
			),
		)
		healthpb.RegisterHealthServer(server, hs)
		g.Go(func() error {
			log.Info(ctx, "serving gRPC health", logging.String("addr", healthLis.Addr().String()))
			if err := server.Serve(healthLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			hs.Shutdown()
			server.GracefulStop()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errViewerExited) {
		return err
	}
	return nil
}
