package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracingConfigValidate(t *testing.T) {
	if err := DefaultTracingConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := []TracingConfig{
		{Exporter: ExporterStdout, SampleRatio: -0.1},
		{Exporter: ExporterStdout, SampleRatio: 1.5},
		{Exporter: "zipkin", SampleRatio: 1},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("Validate(%+v) succeeded, want error", cfg)
		}
	}
}

func TestApplyTracingEnv(t *testing.T) {
	t.Setenv("SIMENV_TRACING_ENABLED", "true")
	t.Setenv("SIMENV_TRACING_EXPORTER", "OTLP")
	t.Setenv("SIMENV_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("SIMENV_TRACING_SAMPLE_RATIO", "7")

	cfg := ApplyTracingEnv(DefaultTracingConfig())
	if !cfg.Enabled {
		t.Fatalf("tracing not enabled from env")
	}
	if cfg.Exporter != ExporterOTLP || cfg.Endpoint != "collector:4317" {
		t.Fatalf("exporter = %q endpoint = %q", cfg.Exporter, cfg.Endpoint)
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("out-of-range ratio applied: %g", cfg.SampleRatio)
	}
	if cfg.ServiceName != "simenv" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
}

func TestInitTracingStdoutExport(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	cfg.Output = &buf

	ctx := context.Background()
	shutdown, err := InitTracing(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := Tracer().Start(ctx, "env.Load")
	span.End()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "env.Load") {
		t.Fatalf("span not exported:\n%s", buf.String())
	}
}

func TestInitTracingDisabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := InitTracing(context.Background(), DefaultTracingConfig(), nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	ShutdownWithTimeout(context.Background(), nil, nil)
}

func TestFailSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	FailSpan(span, errors.New("boom"), "op failed")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	got := ended[0]
	if got.Status().Code != codes.Error || got.Status().Description != "op failed" {
		t.Fatalf("status = %+v", got.Status())
	}
	if len(got.Events()) != 1 || got.Events()[0].Name != "exception" {
		t.Fatalf("error event not recorded: %+v", got.Events())
	}
}
