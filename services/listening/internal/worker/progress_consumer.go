// Package worker consumes queued flush events and applies them to Postgres.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/audiobook-platform/services/listening/internal/progress"
)

const durableName = "listening_progress"

// Config carries the plausibility limits, shared with the synchronous path.
type Config struct {
	MaxPlaybackSpeed float64
	SpeedTolerance   float64
	FlushInterval    time.Duration
}

// StartProgressConsumer pulls batches from listening.progress and applies
// them idempotently. Each batch is one transaction: the processed_events
// guard and the session upserts commit together, so a redelivered batch is a
// clean no-op.
func StartProgressConsumer(ctx context.Context, js nats.JetStreamContext, pool *pgxpool.Pool, cfg Config, log *zap.Logger) error {
	sub, err := js.PullSubscribe(progress.SubjectFlush, durableName)
	if err != nil {
		return err
	}

	go func() {
		batchSize := envInt("WORKER_BATCH_SIZE", 100)
		batchWait := time.Duration(envInt("WORKER_BATCH_INTERVAL_MS", 2000)) * time.Millisecond
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := sub.Fetch(batchSize, nats.MaxWait(batchWait))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Warn("progress consumer: fetch failed", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if len(msgs) == 0 {
				continue
			}

			if err := applyBatch(ctx, pool, cfg, msgs, log); err != nil {
				log.Warn("progress consumer: batch failed", zap.Int("size", len(msgs)), zap.Error(err))
				nakAll(msgs, log)
				continue
			}
			for _, m := range msgs {
				if err := m.Ack(); err != nil {
					log.Warn("progress consumer: ack failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func applyBatch(ctx context.Context, pool *pgxpool.Pool, cfg Config, msgs []*nats.Msg, log *zap.Logger) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, m := range msgs {
		var ev progress.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			// A poison message would wedge the batch forever; drop it.
			log.Warn("progress consumer: invalid payload dropped", zap.Error(err))
			continue
		}

		ct, err := tx.Exec(ctx, `
INSERT INTO processed_events (event_id, subject, created_at, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO NOTHING`,
			ev.EventID, progress.SubjectFlush, ev.OccurredAt, m.Data)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			continue
		}

		if err := applyFlush(ctx, tx, cfg, ev, log); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// applyFlush re-validates the delta against the session's last update and
// runs the atomic increment upsert, matching the synchronous recorder.
func applyFlush(ctx context.Context, tx pgx.Tx, cfg Config, ev progress.Event, log *zap.Logger) error {
	if ev.PositionSeconds < 0 {
		ev.PositionSeconds = 0
	}
	if ev.DurationSeconds < 0 {
		ev.DurationSeconds = 0
	}
	if ev.DurationSeconds > 0 && ev.PositionSeconds > ev.DurationSeconds {
		ev.PositionSeconds = ev.DurationSeconds
	}
	completion := 0.0
	if ev.DurationSeconds > 0 {
		completion = math.Min(ev.PositionSeconds/ev.DurationSeconds*100, 100)
	}

	delta := ev.ListeningSeconds
	if delta < 0 {
		delta = 0
	}
	elapsed := cfg.FlushInterval
	var updatedAt time.Time
	err := tx.QueryRow(ctx,
		`SELECT updated_at FROM playback_sessions WHERE user_id = $1 AND work_id = $2`,
		ev.UserID, ev.WorkID).Scan(&updatedAt)
	switch {
	case err == nil:
		if since := time.Now().UTC().Sub(updatedAt); since > elapsed {
			elapsed = since
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return err
	}
	limit := int64(math.Ceil(elapsed.Seconds() * cfg.MaxPlaybackSpeed * (1 + cfg.SpeedTolerance)))
	if delta > limit {
		log.Warn("progress consumer: implausible delta clamped",
			zap.String("user_id", ev.UserID),
			zap.String("work_id", ev.WorkID),
			zap.Int64("delta", delta),
			zap.Int64("limit", limit))
		delta = limit
	}

	const q = `
INSERT INTO playback_sessions
    (user_id, work_id, progress_seconds, duration_seconds, completion_percentage,
     actual_listening_seconds, session_start, session_end, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now(), now(), now(), now())
ON CONFLICT (user_id, work_id) DO UPDATE SET
    actual_listening_seconds = playback_sessions.actual_listening_seconds + EXCLUDED.actual_listening_seconds,
    progress_seconds         = EXCLUDED.progress_seconds,
    duration_seconds         = GREATEST(playback_sessions.duration_seconds, EXCLUDED.duration_seconds),
    completion_percentage    = EXCLUDED.completion_percentage,
    session_end              = now(),
    updated_at               = now()`
	_, err = tx.Exec(ctx, q,
		ev.UserID, ev.WorkID, ev.PositionSeconds, ev.DurationSeconds, completion, delta)
	return err
}

func nakAll(msgs []*nats.Msg, log *zap.Logger) {
	for _, m := range msgs {
		if err := m.Nak(); err != nil {
			log.Warn("progress consumer: nak failed", zap.Error(err))
		}
	}
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
