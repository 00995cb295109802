// Package timectrl tracks simulated time and paces it against the wall clock.
package timectrl

import (
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time, so components can
// depend on a clock abstraction rather than the concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d of
	// simulated time has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController relates simulated and wall time.
type Mode int

const (
	// RealTime keeps simulated time in step with wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run.
	Accelerated
)

// ModeFor maps a real-time flag to a Mode.
func ModeFor(realTime bool) Mode {
	if realTime {
		return RealTime
	}
	return Accelerated
}

// Pacing thresholds.
const (
	minSleep     = time.Millisecond
	minSleepLead = 2 * time.Millisecond
)

// Pacing is the decision taken after a step.
type Pacing struct {
	// Sleep is how long the caller should sleep before the next step. Zero
	// means continue immediately.
	Sleep time.Duration
	// Slip is the lag absorbed by moving the wall-clock reference forward.
	Slip time.Duration
}

// State is the copyable part of a TimeController.
type State struct {
	Tick      time.Duration
	Mode      Mode
	Elapsed   time.Duration
	WallStart time.Time
}

type waiter struct {
	at time.Duration
	ch chan time.Time
}

// TimeController drives simulation time. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	startTime time.Time
	tick      time.Duration
	mode      Mode

	// elapsed is the simulated time since the last Reset, always a whole
	// number of microseconds.
	elapsed   time.Duration
	wallStart time.Time
	wallNow   func() time.Time

	waiters   []waiter
	listeners []func(time.Time)
}

// NewTimeController constructs a controller whose simulation epoch is start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	tc := &TimeController{
		startTime: start,
		tick:      RoundStep(tick),
		mode:      mode,
		wallNow:   time.Now,
	}
	tc.wallStart = tc.wallNow()
	return tc
}

// RoundStep rounds d up to a whole number of microseconds.
func RoundStep(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return ((d + time.Microsecond - 1) / time.Microsecond) * time.Microsecond
}

// SetWallClock replaces the wall-clock source. Intended for tests.
func (tc *TimeController) SetWallClock(now func() time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.wallNow = now
	tc.wallStart = now()
}

// Reset restarts simulated time at zero with a new tick and mode.
func (tc *TimeController) Reset(tick time.Duration, mode Mode) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tick = RoundStep(tick)
	tc.mode = mode
	tc.elapsed = 0
	tc.wallStart = tc.wallNow()
}

// Tick returns the configured step.
func (tc *TimeController) Tick() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.tick
}

// Mode returns the pacing mode.
func (tc *TimeController) Mode() Mode {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.mode
}

// Elapsed returns the simulated time since the last Reset.
func (tc *TimeController) Elapsed() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.elapsed
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.startTime.Add(tc.elapsed)
}

// After returns a channel that fires once simulated time has advanced by d.
// Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if d <= 0 {
		ch <- tc.startTime.Add(tc.elapsed)
		return ch
	}
	tc.waiters = append(tc.waiters, waiter{at: tc.elapsed + d, ch: ch})
	return ch
}

// AddListener registers a callback invoked after every Advance with the new
// simulation time.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Advance adds step, rounded up to whole microseconds, to simulated time and
// returns the rounded step.
func (tc *TimeController) Advance(step time.Duration) time.Duration {
	step = RoundStep(step)
	tc.mu.Lock()
	tc.elapsed += step
	now := tc.startTime.Add(tc.elapsed)
	var due []chan time.Time
	kept := tc.waiters[:0]
	for _, w := range tc.waiters {
		if w.at <= tc.elapsed {
			due = append(due, w.ch)
			continue
		}
		kept = append(kept, w)
	}
	tc.waiters = kept
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, ch := range due {
		ch <- now
	}
	for _, fn := range listeners {
		fn(now)
	}
	return step
}

// Pace compares simulated and wall-clock elapsed time. When the simulation is
// more than two ticks and at least 2ms ahead it asks the caller to sleep for
// about half the lead, rounded down to whole milliseconds. When it is more
// than three ticks behind, the wall-clock reference moves forward so the loop
// does not try to burst-catch-up. Accelerated mode never paces.
func (tc *TimeController) Pace() Pacing {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.mode != RealTime {
		return Pacing{}
	}
	passed := tc.wallNow().Sub(tc.wallStart)
	lead := tc.elapsed - passed
	switch {
	case lead > 2*tc.tick && lead > minSleepLead:
		sleep := (tc.tick + (lead-2*tc.tick)/2).Truncate(time.Millisecond)
		if sleep < minSleep {
			sleep = minSleep
		}
		return Pacing{Sleep: sleep}
	case lead < -3*tc.tick:
		tc.wallStart = tc.wallStart.Add(-lead)
		return Pacing{Slip: -lead}
	}
	return Pacing{}
}

// Snapshot returns the copyable state.
func (tc *TimeController) Snapshot() State {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return State{Tick: tc.tick, Mode: tc.mode, Elapsed: tc.elapsed, WallStart: tc.wallStart}
}

// Restore overwrites the copyable state verbatim.
func (tc *TimeController) Restore(s State) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tick = s.Tick
	tc.mode = s.Mode
	tc.elapsed = s.Elapsed
	tc.wallStart = s.WallStart
}
