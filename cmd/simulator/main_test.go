package main

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/simenv/model"
)

const testScene = `
bodies:
  - name: crate
    links:
      - {name: shell, pos: [1, 0, 0]}
robots:
  - name: arm
    dof: [0, 1]
    links:
      - {name: base}
      - {name: hand, pos: [0, 0, 0.4]}
`

func writeScene(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "lab.env.yaml")
	if err := os.WriteFile(p, []byte(testScene), 0o600); err != nil {
		t.Fatalf("write scene: %v", err)
	}
	return p
}

// TestIntegration_AcceleratedRun runs a short accelerated simulation end to
// end and checks the per-second state dumps.
func TestIntegration_AcceleratedRun(t *testing.T) {
	var out bytes.Buffer
	args := []string{"-scene", writeScene(t), "-duration", "2s", "-tick", "10ms"}
	if code := run(context.Background(), args, &out, io.Discard); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	got := out.String()
	if n := strings.Count(got, " bodies\n"); n < 2 {
		t.Fatalf("expected at least two state dumps, got %d:\n%s", n, got)
	}
	if !strings.Contains(got, "arm") || !strings.Contains(got, "crate") {
		t.Fatalf("state dump missing bodies:\n%s", got)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	cases := map[string]struct {
		args []string
		want int
	}{
		"zero tick":     {[]string{"-tick", "0s"}, 1},
		"bad flag":      {[]string{"-frobnicate"}, 1},
		"missing scene": {[]string{"-scene", filepath.Join(t.TempDir(), "absent.env.yaml"), "-duration", "1s"}, 2},
		"help":          {[]string{"-h"}, 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if code := run(context.Background(), tc.args, io.Discard, io.Discard); code != tc.want {
				t.Fatalf("exit code = %d, want %d", code, tc.want)
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"-scene", writeScene(t), "-duration", "1h", "-accelerated=false"}, io.Discard, io.Discard)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("simulator did not stop after cancellation")
	}
}

func TestSweepJoints(t *testing.T) {
	b := model.NewBody(model.EnvironmentID{}, "")
	sweepJoints(b, time.Second)
	if b.DOF() != 0 {
		t.Fatalf("body without joints gained %d values", b.DOF())
	}

	b.SetDOFValues([]float64{0, 1})
	sweepJoints(b, 500*time.Millisecond)
	got := b.DOFValues()
	if math.Abs(got[0]-0.05) > 1e-12 || math.Abs(got[1]-1.05) > 1e-12 {
		t.Fatalf("DOF values = %v, want [0.05 1.05]", got)
	}
}
