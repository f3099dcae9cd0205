// Package progress validates and persists listening flushes. The client
// tracker already filters implausible jumps, but the client is untrusted, so
// every delta is re-checked here before it reaches the store.
package progress

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/example/audiobook-platform/internal/platform/analytics"
	"github.com/example/audiobook-platform/services/listening/internal/store"
)

// CompletionThreshold is the completion percentage at which a work counts as
// finished.
const CompletionThreshold = 95.0

// Flush is one raw client flush before server-side validation.
type Flush struct {
	WorkID           string  `json:"work_id"`
	PositionSeconds  float64 `json:"position_seconds"`
	DurationSeconds  float64 `json:"duration_seconds"`
	ListeningSeconds int64   `json:"listening_seconds"`
}

// Recorder clamps flushes to what real playback could have produced and
// merges them into the session store. It is shared by the HTTP handler and
// the queue consumer, so both ingestion paths enforce the same bounds.
type Recorder struct {
	store     store.SessionStore
	analytics *analytics.Publisher
	log       *zap.Logger

	maxSpeed  float64
	tolerance float64
	interval  time.Duration
	now       func() time.Time
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithLimits overrides the plausibility limits.
func WithLimits(maxSpeed, tolerance float64, interval time.Duration) Option {
	return func(r *Recorder) {
		if maxSpeed > 0 {
			r.maxSpeed = maxSpeed
		}
		if tolerance >= 0 {
			r.tolerance = tolerance
		}
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(s store.SessionStore, pub *analytics.Publisher, log *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:     s,
		analytics: pub,
		log:       log,
		maxSpeed:  2.0,
		tolerance: 0.10,
		interval:  10 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record validates one flush and merges it into the user's session.
//
// The listening delta is capped at maxSpeed*(1+tolerance) times the wall time
// since the session was last updated. A brand-new session, or one updated
// longer ago than we can verify, is granted at least one flush interval of
// headroom so the first flush of a session is never rejected.
func (r *Recorder) Record(ctx context.Context, userID string, f Flush) error {
	prev, err := r.store.GetProgress(ctx, userID, f.WorkID)
	if err != nil {
		return err
	}

	up := store.ProgressUpdate{
		UserID:          userID,
		WorkID:          f.WorkID,
		PositionSeconds: f.PositionSeconds,
		DurationSeconds: f.DurationSeconds,
		ListeningDelta:  f.ListeningSeconds,
	}

	if up.PositionSeconds < 0 {
		up.PositionSeconds = 0
	}
	if up.DurationSeconds < 0 {
		up.DurationSeconds = 0
	}
	if up.DurationSeconds > 0 && up.PositionSeconds > up.DurationSeconds {
		up.PositionSeconds = up.DurationSeconds
	}
	if up.DurationSeconds > 0 {
		up.CompletionPercentage = math.Min(up.PositionSeconds/up.DurationSeconds*100, 100)
	} else if prev != nil {
		up.CompletionPercentage = prev.CompletionPercentage
	}

	if up.ListeningDelta < 0 {
		r.log.Warn("progress: negative listening delta dropped",
			zap.String("user_id", userID),
			zap.String("work_id", f.WorkID),
			zap.Int64("delta", up.ListeningDelta))
		up.ListeningDelta = 0
	}

	elapsed := r.interval
	if prev != nil {
		if since := r.now().Sub(prev.UpdatedAt); since > elapsed {
			elapsed = since
		}
	}
	limit := int64(math.Ceil(elapsed.Seconds() * r.maxSpeed * (1 + r.tolerance)))
	if up.ListeningDelta > limit {
		r.log.Warn("progress: implausible listening delta clamped",
			zap.String("user_id", userID),
			zap.String("work_id", f.WorkID),
			zap.Int64("delta", up.ListeningDelta),
			zap.Int64("limit", limit))
		up.ListeningDelta = limit
	}

	if err := r.store.RecordProgress(ctx, up); err != nil {
		return err
	}

	r.analytics.Publish(analytics.SubjectFlushRecorded, "flush_recorded", userID, map[string]any{
		"work_id":           f.WorkID,
		"listening_seconds": up.ListeningDelta,
		"completion":        up.CompletionPercentage,
	})
	if up.CompletionPercentage >= CompletionThreshold && (prev == nil || prev.CompletionPercentage < CompletionThreshold) {
		r.analytics.Publish(analytics.SubjectWorkCompleted, "work_completed", userID, map[string]any{
			"work_id": f.WorkID,
		})
	}
	return nil
}

// Clear deletes the user's session for a work.
func (r *Recorder) Clear(ctx context.Context, userID, workID string) error {
	if err := r.store.ClearProgress(ctx, userID, workID); err != nil {
		return err
	}
	r.analytics.Publish(analytics.SubjectProgressCleared, "progress_cleared", userID, map[string]any{
		"work_id": workID,
	})
	return nil
}
