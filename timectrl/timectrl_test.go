package timectrl

import (
	"testing"
	"time"
)

type fakeWall struct{ now time.Time }

func (f *fakeWall) Now() time.Time { return f.now }

func newPaced(t *testing.T, tick time.Duration) (*TimeController, *fakeWall) {
	t.Helper()
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	wall := &fakeWall{now: start}
	tc := NewTimeController(start, tick, RealTime)
	tc.SetWallClock(wall.Now)
	return tc, wall
}

func TestRoundStep(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		10 * time.Millisecond: 10 * time.Millisecond,
		1500 * time.Nanosecond: 2 * time.Microsecond,
		time.Nanosecond:        time.Microsecond,
		0:                      0,
	}
	for in, want := range cases {
		if got := RoundStep(in); got != want {
			t.Fatalf("RoundStep(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestAdvanceUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	for range 3 {
		tc.Advance(tc.Tick())
	}

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
	if got := tc.Elapsed(); got != 15*time.Millisecond {
		t.Fatalf("Elapsed() = %v, want 15ms", got)
	}
}

func TestPaceSleepsWhenAhead(t *testing.T) {
	tc, _ := newPaced(t, 10*time.Millisecond)
	for range 5 {
		tc.Advance(10 * time.Millisecond)
	}
	// lead 50ms: sleep tick + (lead - 2*tick)/2 = 25ms
	if got := tc.Pace(); got.Sleep != 25*time.Millisecond || got.Slip != 0 {
		t.Fatalf("Pace() = %+v, want sleep 25ms", got)
	}
}

func TestPaceNoSleepWithinTwoTicks(t *testing.T) {
	tc, _ := newPaced(t, 10*time.Millisecond)
	tc.Advance(15 * time.Millisecond)
	if got := tc.Pace(); got != (Pacing{}) {
		t.Fatalf("Pace() = %+v, want no action", got)
	}
}

func TestPaceAbsorbsSlip(t *testing.T) {
	tc, wall := newPaced(t, 10*time.Millisecond)
	tc.Advance(10 * time.Millisecond)
	wall.now = wall.now.Add(100 * time.Millisecond)

	got := tc.Pace()
	if got.Slip != 90*time.Millisecond || got.Sleep != 0 {
		t.Fatalf("Pace() = %+v, want slip 90ms", got)
	}
	if again := tc.Pace(); again != (Pacing{}) {
		t.Fatalf("Pace() after slip = %+v, want no action", again)
	}
}

func TestAcceleratedNeverPaces(t *testing.T) {
	tc, _ := newPaced(t, 10*time.Millisecond)
	tc.Reset(10*time.Millisecond, Accelerated)
	for range 10 {
		tc.Advance(10 * time.Millisecond)
	}
	if got := tc.Pace(); got != (Pacing{}) {
		t.Fatalf("Pace() = %+v, want no action in accelerated mode", got)
	}
}

func TestAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Millisecond, Accelerated)
	ch := tc.After(3 * time.Millisecond)

	tc.Advance(2 * time.Millisecond)
	select {
	case <-ch:
		t.Fatalf("After fired early")
	default:
	}
	tc.Advance(time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(3 * time.Millisecond)) {
			t.Fatalf("After delivered %v", got)
		}
	default:
		t.Fatalf("After did not fire")
	}
}

func TestSnapshotRestore(t *testing.T) {
	tc, _ := newPaced(t, 10*time.Millisecond)
	tc.Advance(30 * time.Millisecond)
	s := tc.Snapshot()

	other, _ := newPaced(t, time.Second)
	other.Restore(s)
	if other.Elapsed() != 30*time.Millisecond || other.Tick() != 10*time.Millisecond {
		t.Fatalf("Restore produced elapsed=%v tick=%v", other.Elapsed(), other.Tick())
	}
}
