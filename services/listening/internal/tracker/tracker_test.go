package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock advances only when told to, so plausibility windows are exact.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTracker(clock *fakeClock) *Tracker {
	return New("work-1", Config{}, clock.Now)
}

func TestNormalPlaybackAccumulates(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(clock)

	if err := tr.Update(100, 3600); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		clock.Advance(5 * time.Second)
		if err := tr.Update(100+float64(i*5), 3600); err != nil {
			t.Fatal(err)
		}
	}

	f, ok := tr.Flush()
	if !ok {
		t.Fatal("expected a flush")
	}
	if f.ListeningSeconds != 25 {
		t.Fatalf("ListeningSeconds = %v, want 25", f.ListeningSeconds)
	}
	if f.PositionSeconds != 125 || f.DurationSeconds != 3600 {
		t.Fatalf("snapshot = (%v, %v), want (125, 3600)", f.PositionSeconds, f.DurationSeconds)
	}
}

func TestFirstSampleEstablishesBaseline(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(clock)

	// Opening a book at minute 40 must not credit 40 minutes.
	if err := tr.Update(2400, 3600); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Flush(); !ok {
		t.Fatal("baseline sample still snapshots position")
	}
	f, _ := tr.Flush()
	if f.ListeningSeconds != 0 {
		t.Fatalf("ListeningSeconds = %v, want 0 after baseline only", f.ListeningSeconds)
	}
}

func TestSeekForwardIgnored(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(clock)

	tr.Update(100, 3600)
	clock.Advance(5 * time.Second)
	// 600s jump in 5s of wall time cannot be playback.
	tr.Update(700, 3600)

	f, _ := tr.Flush()
	if f.ListeningSeconds != 0 {
		t.Fatalf("ListeningSeconds = %v, want 0 after seek", f.ListeningSeconds)
	}
	if f.PositionSeconds != 700 {
		t.Fatalf("PositionSeconds = %v, want 700 (seek still moves position)", f.PositionSeconds)
	}

	// Baseline advanced to the seek target: playback after the seek counts.
	clock.Advance(5 * time.Second)
	tr.Update(705, 3600)
	f, _ = tr.Flush()
	if f.ListeningSeconds != 5 {
		t.Fatalf("ListeningSeconds = %v, want 5 after post-seek playback", f.ListeningSeconds)
	}
}

func TestSeekBackwardIgnored(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(clock)

	tr.Update(300, 3600)
	clock.Advance(5 * time.Second)
	tr.Update(100, 3600)

	f, _ := tr.Flush()
	if f.ListeningSeconds != 0 {
		t.Fatalf("ListeningSeconds = %v, want 0 after rewind", f.ListeningSeconds)
	}
}

func TestDoubleSpeedWithinTolerance(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(clock)

	tr.Update(0, 3600)
	clock.Advance(10 * time.Second)
	// 2.0x exactly: 20 position seconds over 10 wall seconds.
	tr.Update(20, 3600)
	// Just above 2.0x * 1.10: rejected.
	clock.Advance(10 * time.Second)
	tr.Update(20+22.5, 3600)

	f, _ := tr.Flush()
	if f.ListeningSeconds != 20 {
		t.Fatalf("ListeningSeconds = %v, want 20", f.ListeningSeconds)
	}
}

func TestPauseResume(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(clock)

	tr.Update(0, 3600)
	clock.Advance(10 * time.Second)
	tr.Update(10, 3600)

	f, ok := tr.Pause()
	if !ok || f.ListeningSeconds != 10 {
		t.Fatalf("pause flush = (%v, %v), want 10 seconds", f.ListeningSeconds, ok)
	}
	if tr.State() != Paused {
		t.Fatalf("state = %v, want paused", tr.State())
	}

	// An hour passes while paused.
	clock.Advance(time.Hour)
	if err := tr.Resume(); err != nil {
		t.Fatal(err)
	}
	tr.Update(10, 3600)
	clock.Advance(5 * time.Second)
	tr.Update(15, 3600)

	f, _ = tr.Flush()
	if f.ListeningSeconds != 5 {
		t.Fatalf("ListeningSeconds = %v, want 5 (paused hour must not count)", f.ListeningSeconds)
	}
}

func TestStopSealsTracker(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(clock)

	tr.Update(0, 3600)
	clock.Advance(5 * time.Second)
	tr.Update(5, 3600)

	f, ok := tr.Stop()
	if !ok || f.ListeningSeconds != 5 {
		t.Fatalf("final flush = (%v, %v), want 5 seconds", f.ListeningSeconds, ok)
	}
	if err := tr.Update(10, 3600); !errors.Is(err, ErrStopped) {
		t.Fatalf("Update after stop = %v, want ErrStopped", err)
	}
	if err := tr.Resume(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Resume after stop = %v, want ErrStopped", err)
	}
	if _, ok := tr.Stop(); ok {
		t.Fatal("second Stop must not flush again")
	}
}

func TestRestoreMergesFailedDelivery(t *testing.T) {
	clock := newFakeClock()
	tr := newTracker(clock)

	tr.Update(0, 3600)
	clock.Advance(5 * time.Second)
	tr.Update(5, 3600)

	f, _ := tr.Flush()
	tr.Restore(f)

	clock.Advance(5 * time.Second)
	tr.Update(10, 3600)

	f, _ = tr.Flush()
	if f.ListeningSeconds != 10 {
		t.Fatalf("ListeningSeconds = %v, want 10 after restore", f.ListeningSeconds)
	}
}

func TestFlusherDeliversAndRetries(t *testing.T) {
	clock := newFakeClock()
	tr := New("work-1", Config{FlushInterval: 10 * time.Millisecond}, clock.Now)

	var mu sync.Mutex
	var delivered []float64
	fail := true
	sink := func(_ context.Context, f Flush) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return errors.New("store unavailable")
		}
		delivered = append(delivered, f.ListeningSeconds)
		return nil
	}

	fl := NewFlusher(tr, sink, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fl.Run(ctx)

	tr.Update(0, 3600)
	clock.Advance(5 * time.Second)
	tr.Update(5, 3600)

	// First tick fails and restores; a later tick retries with the same total.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("flush never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	fl.Stop()

	mu.Lock()
	defer mu.Unlock()
	var total float64
	for _, d := range delivered {
		total += d
	}
	if total != 5 {
		t.Fatalf("delivered total = %v, want 5", total)
	}
}

func TestFlusherFinalFlushOnStop(t *testing.T) {
	clock := newFakeClock()
	tr := New("work-1", Config{FlushInterval: time.Hour}, clock.Now)

	var mu sync.Mutex
	var total float64
	sink := func(_ context.Context, f Flush) error {
		mu.Lock()
		defer mu.Unlock()
		total += f.ListeningSeconds
		return nil
	}

	fl := NewFlusher(tr, sink, zap.NewNop())
	done := make(chan struct{})
	go func() {
		fl.Run(context.Background())
		close(done)
	}()

	tr.Update(0, 3600)
	clock.Advance(5 * time.Second)
	tr.Update(5, 3600)

	fl.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if total != 5 {
		t.Fatalf("final flush total = %v, want 5 (ticker never fired)", total)
	}
}
