package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectFlush is the JetStream subject carrying raw flush events from the
// HTTP edge to the consumer.
const SubjectFlush = "listening.progress"

// StreamName is the JetStream stream holding flush events.
const StreamName = "LISTENING"

// Event is one flush on the wire. EventID deduplicates redeliveries on the
// consumer side.
type Event struct {
	EventID          string    `json:"event_id"`
	UserID           string    `json:"user_id"`
	WorkID           string    `json:"work_id"`
	PositionSeconds  float64   `json:"position_seconds"`
	DurationSeconds  float64   `json:"duration_seconds"`
	ListeningSeconds int64     `json:"listening_seconds"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Queue publishes flush events to JetStream. Publishing is synchronous; the
// HTTP edge only acknowledges a flush once the stream has it.
type Queue struct {
	js nats.JetStreamContext
}

func NewQueue(js nats.JetStreamContext) *Queue {
	return &Queue{js: js}
}

// EnsureStream creates the flush stream if it does not exist yet.
func (q *Queue) EnsureStream() error {
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectFlush},
		Storage:  nats.FileStorage,
	})
	if err == nats.ErrStreamNameAlreadyInUse {
		return nil
	}
	return err
}

func (q *Queue) PublishFlush(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = q.js.Publish(SubjectFlush, data, nats.Context(ctx))
	return err
}
