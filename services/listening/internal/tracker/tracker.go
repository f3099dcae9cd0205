// Package tracker accumulates trustworthy listening time from raw playback
// position samples. Position jumps that could not have happened at a supported
// playback speed are classified as seeks and contribute nothing.
package tracker

import (
	"errors"
	"sync"
	"time"
)

// Defaults for the plausibility window and flush cadence.
const (
	DefaultMaxPlaybackSpeed = 2.0
	DefaultSpeedTolerance   = 0.10
	DefaultFlushInterval    = 10 * time.Second
)

// State is the tracker lifecycle state.
type State int

const (
	Idle State = iota
	Tracking
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Tracking:
		return "tracking"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

var ErrStopped = errors.New("tracker: stopped")

// Config bounds what counts as plausible forward progress.
type Config struct {
	MaxPlaybackSpeed float64
	SpeedTolerance   float64
	FlushInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPlaybackSpeed <= 0 {
		c.MaxPlaybackSpeed = DefaultMaxPlaybackSpeed
	}
	if c.SpeedTolerance < 0 {
		c.SpeedTolerance = DefaultSpeedTolerance
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// Flush is one batch of accumulated listening, with the newest position snapshot.
type Flush struct {
	WorkID           string
	PositionSeconds  float64
	DurationSeconds  float64
	ListeningSeconds float64
}

// Tracker converts position samples for one work into listening-time deltas.
// One tracker per (work, player instance); a new work needs a new tracker.
// Safe for use from a single goroutine plus a Flusher.
type Tracker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	workID      string
	state       State
	lastPos     float64
	lastSample  time.Time
	hasSample   bool
	accumulated float64
	pendingPos  float64
	pendingDur  float64
}

// New creates a tracker for one work. A nil clock uses time.Now.
func New(workID string, cfg Config, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{cfg: cfg.withDefaults(), now: clock, workID: workID, state: Idle}
}

// State reports the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Update ingests one (position, duration) sample. The first sample after play
// or resume only establishes the baseline. Backward jumps and implausibly
// large forward jumps contribute zero, but always advance the baseline.
func (t *Tracker) Update(position, duration float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Stopped {
		return ErrStopped
	}
	now := t.now()

	if t.state == Idle || t.state == Paused {
		t.state = Tracking
		t.hasSample = false
	}

	if t.hasSample {
		positionDelta := position - t.lastPos
		elapsed := now.Sub(t.lastSample).Seconds()
		maxPlausible := elapsed * t.cfg.MaxPlaybackSpeed * (1 + t.cfg.SpeedTolerance)
		if positionDelta > 0 && positionDelta <= maxPlausible {
			t.accumulated += positionDelta
		}
	}

	t.lastPos = position
	t.lastSample = now
	t.hasSample = true
	t.pendingPos = position
	if duration > 0 {
		t.pendingDur = duration
	}
	return nil
}

// Flush drains the accumulator. ok is false when there is nothing to report
// (no sample seen yet).
func (t *Tracker) Flush() (f Flush, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

func (t *Tracker) flushLocked() (Flush, bool) {
	if !t.hasSample && t.accumulated == 0 {
		return Flush{}, false
	}
	f := Flush{
		WorkID:           t.workID,
		PositionSeconds:  t.pendingPos,
		DurationSeconds:  t.pendingDur,
		ListeningSeconds: t.accumulated,
	}
	t.accumulated = 0
	return f, true
}

// Restore merges an undelivered flush back so a failed delivery retries with a
// larger delta on the next tick.
func (t *Tracker) Restore(f Flush) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Stopped {
		return
	}
	t.accumulated += f.ListeningSeconds
}

// Pause suspends tracking and returns the synchronous flush the caller must
// deliver before the timer stops.
func (t *Tracker) Pause() (Flush, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Tracking {
		return Flush{}, false
	}
	t.state = Paused
	return t.flushLocked()
}

// Resume re-arms a paused tracker. The next Update establishes a fresh
// baseline so paused wall-clock time never counts as listening.
func (t *Tracker) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Stopped {
		return ErrStopped
	}
	if t.state == Paused {
		t.state = Tracking
		t.hasSample = false
	}
	return nil
}

// Stop seals the tracker and returns the final flush. Further calls are rejected.
func (t *Tracker) Stop() (Flush, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Stopped {
		return Flush{}, false
	}
	f, ok := t.flushLocked()
	t.state = Stopped
	t.hasSample = false
	return f, ok
}
