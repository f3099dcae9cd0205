package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionStore is the production Postgres-backed implementation.
//
// Expected table:
//
//	CREATE TABLE playback_sessions (
//	    user_id                  text NOT NULL,
//	    work_id                  text NOT NULL,
//	    progress_seconds         double precision NOT NULL DEFAULT 0,
//	    duration_seconds         double precision NOT NULL DEFAULT 0,
//	    completion_percentage    double precision NOT NULL DEFAULT 0,
//	    actual_listening_seconds bigint NOT NULL DEFAULT 0,
//	    session_start            timestamptz,
//	    session_end              timestamptz,
//	    created_at               timestamptz NOT NULL DEFAULT now(),
//	    updated_at               timestamptz NOT NULL DEFAULT now(),
//	    PRIMARY KEY (user_id, work_id)
//	);
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// RecordProgress merges one flush in a single statement. The listening
// increment happens inside the UPDATE expression, so concurrent flushes for
// the same (user, work) serialize on the row and never lose a delta. Duration
// only ever grows; position and percentage take the newest value.
func (s *PostgresSessionStore) RecordProgress(ctx context.Context, up ProgressUpdate) error {
	const q = `
INSERT INTO playback_sessions
  (user_id, work_id, progress_seconds, duration_seconds, completion_percentage,
   actual_listening_seconds, session_start, session_end, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7, $7)
ON CONFLICT (user_id, work_id)
DO UPDATE SET
  actual_listening_seconds = playback_sessions.actual_listening_seconds + EXCLUDED.actual_listening_seconds,
  progress_seconds         = EXCLUDED.progress_seconds,
  duration_seconds         = GREATEST(playback_sessions.duration_seconds, EXCLUDED.duration_seconds),
  completion_percentage    = EXCLUDED.completion_percentage,
  session_end              = EXCLUDED.session_end,
  updated_at               = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, q,
		up.UserID, up.WorkID, up.PositionSeconds, up.DurationSeconds,
		up.CompletionPercentage, up.ListeningDelta, time.Now().UTC(),
	)
	return err
}

func (s *PostgresSessionStore) GetProgress(ctx context.Context, userID, workID string) (*PlaybackSession, error) {
	const q = sessionColumns + ` WHERE user_id = $1 AND work_id = $2`
	rec, err := scanSession(s.pool.QueryRow(ctx, q, userID, workID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (s *PostgresSessionStore) ListSessions(ctx context.Context, userID string) ([]PlaybackSession, error) {
	const q = sessionColumns + ` WHERE user_id = $1 ORDER BY updated_at DESC`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlaybackSession
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresSessionStore) ClearProgress(ctx context.Context, userID, workID string) error {
	const q = `DELETE FROM playback_sessions WHERE user_id = $1 AND work_id = $2`
	_, err := s.pool.Exec(ctx, q, userID, workID)
	return err
}

const sessionColumns = `
SELECT user_id, work_id, progress_seconds, duration_seconds, completion_percentage,
       actual_listening_seconds, session_start, session_end, created_at, updated_at
FROM playback_sessions`

func scanSession(row pgx.Row) (*PlaybackSession, error) {
	var rec PlaybackSession
	err := row.Scan(
		&rec.UserID, &rec.WorkID, &rec.ProgressSeconds, &rec.DurationSeconds,
		&rec.CompletionPercentage, &rec.ActualListening,
		&rec.SessionStart, &rec.SessionEnd, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
