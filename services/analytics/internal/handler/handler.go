// Package handler routes raw NATS messages to PostHog captures.
// Each function corresponds to one analytics.* subject.
package handler

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/audiobook-platform/internal/platform/analytics"
	"github.com/example/audiobook-platform/services/analytics/internal/posthog"
)

// Dispatcher routes incoming NATS messages to the correct PostHog capture call.
type Dispatcher struct {
	ph  *posthog.Client
	log *zap.Logger
}

// New creates a Dispatcher.
func New(ph *posthog.Client, log *zap.Logger) *Dispatcher {
	return &Dispatcher{ph: ph, log: log}
}

// Dispatch routes msg by subject. Unknown subjects are logged and skipped;
// the caller still Acks them to avoid replay.
func (d *Dispatcher) Dispatch(msg *nats.Msg) {
	switch msg.Subject {
	case analytics.SubjectWorkCompleted:
		d.handleWorkCompleted(msg)
	case analytics.SubjectAchievementUnlocked:
		d.handleAchievementUnlocked(msg)
	case analytics.SubjectProgressCleared:
		d.handleProgressCleared(msg)
	case analytics.SubjectFlushRecorded:
		// Every 10s per active listener; far too chatty for PostHog.
	default:
		d.log.Debug("analytics: unhandled subject", zap.String("subject", msg.Subject))
	}
}

type envelope struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties"`
}

func (d *Dispatcher) handleWorkCompleted(msg *nats.Msg) {
	ev, ok := d.decode(msg)
	if !ok || ev.UserID == "" {
		return
	}
	d.ph.Capture(ev.UserID, "book_completed", map[string]any{
		"work_id": ev.Properties["work_id"],
	})
}

func (d *Dispatcher) handleAchievementUnlocked(msg *nats.Msg) {
	ev, ok := d.decode(msg)
	if !ok || ev.UserID == "" {
		return
	}
	d.ph.Capture(ev.UserID, "achievement_unlocked", map[string]any{
		"achievement_id": ev.Properties["achievement_id"],
		"category":       ev.Properties["category"],
	})
}

func (d *Dispatcher) handleProgressCleared(msg *nats.Msg) {
	ev, ok := d.decode(msg)
	if !ok || ev.UserID == "" {
		return
	}
	d.ph.Capture(ev.UserID, "progress_restarted", map[string]any{
		"work_id": ev.Properties["work_id"],
	})
}

func (d *Dispatcher) decode(msg *nats.Msg) (envelope, bool) {
	var ev envelope
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		d.log.Error("analytics: unmarshal message",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return envelope{}, false
	}
	return ev, true
}
