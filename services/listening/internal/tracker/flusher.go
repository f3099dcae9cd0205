package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sink delivers one flush to the progress store (HTTP call, NATS publish, ...).
type Sink func(ctx context.Context, f Flush) error

// Flusher drives periodic flushes of a Tracker on a cooperative timer.
// Delivery is fire-and-forget with respect to playback: a failed delivery is
// logged, the delta is merged back, and the next tick retries with the larger
// accumulated value.
type Flusher struct {
	tracker *Tracker
	sink    Sink
	log     *zap.Logger

	pause  chan struct{}
	resume chan struct{}
	done   chan struct{}
}

// NewFlusher wires a tracker to a delivery sink.
func NewFlusher(t *Tracker, sink Sink, log *zap.Logger) *Flusher {
	return &Flusher{
		tracker: t,
		sink:    sink,
		log:     log,
		pause:   make(chan struct{}, 1),
		resume:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Run loops until ctx is done or Stop is called, flushing every FlushInterval.
// Call from its own goroutine.
func (fl *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(fl.tracker.cfg.FlushInterval)
	defer ticker.Stop()

	active := true
	for {
		select {
		case <-ctx.Done():
			fl.deliverFinal()
			return
		case <-fl.done:
			fl.deliverFinal()
			return
		case <-fl.pause:
			active = false
		case <-fl.resume:
			if !active {
				active = true
				ticker.Reset(fl.tracker.cfg.FlushInterval)
			}
		case <-ticker.C:
			if !active {
				continue
			}
			if f, ok := fl.tracker.Flush(); ok {
				fl.deliver(ctx, f)
			}
		}
	}
}

// Pause flushes synchronously before the timer is suspended, so a pause never
// loses accumulated time.
func (fl *Flusher) Pause(ctx context.Context) {
	if f, ok := fl.tracker.Pause(); ok {
		fl.deliver(ctx, f)
	}
	select {
	case fl.pause <- struct{}{}:
	default:
	}
}

// Resume re-arms the timer.
func (fl *Flusher) Resume() {
	_ = fl.tracker.Resume()
	select {
	case fl.resume <- struct{}{}:
	default:
	}
}

// Stop performs the final flush and terminates Run.
func (fl *Flusher) Stop() {
	select {
	case <-fl.done:
	default:
		close(fl.done)
	}
}

func (fl *Flusher) deliver(ctx context.Context, f Flush) {
	if err := fl.sink(ctx, f); err != nil {
		fl.log.Warn("flush delivery failed, retrying next tick",
			zap.String("work_id", f.WorkID),
			zap.Float64("listening_seconds", f.ListeningSeconds),
			zap.Error(err))
		fl.tracker.Restore(f)
	}
}

func (fl *Flusher) deliverFinal() {
	if f, ok := fl.tracker.Stop(); ok {
		// Detached context: shutdown must not cancel the last write.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fl.sink(ctx, f); err != nil {
			fl.log.Warn("final flush delivery failed",
				zap.String("work_id", f.WorkID), zap.Error(err))
		}
	}
}
