package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAchievementStore reads the seeded achievements catalog and records
// unlocks idempotently.
//
// Expected tables:
//
//	CREATE TABLE achievements (
//	    id                text PRIMARY KEY,
//	    name              text NOT NULL,
//	    description       text NOT NULL,
//	    icon              text NOT NULL DEFAULT '',
//	    category          text NOT NULL,
//	    requirement_type  text NOT NULL,
//	    requirement_value bigint NOT NULL,
//	    reward_type       text NOT NULL DEFAULT '',
//	    reward_data       jsonb,
//	    is_secret         boolean NOT NULL DEFAULT false
//	);
//
//	CREATE TABLE user_achievements (
//	    user_id        text NOT NULL,
//	    achievement_id text NOT NULL REFERENCES achievements (id),
//	    unlocked_at    timestamptz NOT NULL DEFAULT now(),
//	    PRIMARY KEY (user_id, achievement_id)
//	);
type PostgresAchievementStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAchievementStore(pool *pgxpool.Pool) *PostgresAchievementStore {
	return &PostgresAchievementStore{pool: pool}
}

func (s *PostgresAchievementStore) ListAchievements(ctx context.Context) ([]Achievement, error) {
	const q = `
SELECT id, name, description, icon, category, requirement_type, requirement_value,
       reward_type, reward_data, is_secret
FROM achievements
ORDER BY requirement_value ASC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Achievement
	for rows.Next() {
		var a Achievement
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.Icon, &a.Category,
			&a.RequirementType, &a.RequirementValue, &a.RewardType, &a.RewardData, &a.IsSecret); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresAchievementStore) ListUnlocked(ctx context.Context, userID string) ([]UserAchievement, error) {
	const q = `SELECT user_id, achievement_id, unlocked_at FROM user_achievements WHERE user_id = $1`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserAchievement
	for rows.Next() {
		var ua UserAchievement
		if err := rows.Scan(&ua.UserID, &ua.AchievementID, &ua.UnlockedAt); err != nil {
			return nil, err
		}
		out = append(out, ua)
	}
	return out, rows.Err()
}

// Unlock is an ignore-on-conflict insert: a concurrent duplicate unlock is a
// no-op, so the unlock check can safely run twice.
func (s *PostgresAchievementStore) Unlock(ctx context.Context, userID, achievementID string, at time.Time) (bool, error) {
	const q = `
INSERT INTO user_achievements (user_id, achievement_id, unlocked_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, achievement_id) DO NOTHING`

	ct, err := s.pool.Exec(ctx, q, userID, achievementID, at.UTC())
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// PostgresEngagementSource counts the two opaque social scalars from the
// platform's like and comment tables.
type PostgresEngagementSource struct {
	pool *pgxpool.Pool
}

func NewPostgresEngagementSource(pool *pgxpool.Pool) *PostgresEngagementSource {
	return &PostgresEngagementSource{pool: pool}
}

func (s *PostgresEngagementSource) DistinctLikedWorks(ctx context.Context, userID string) (int64, error) {
	const q = `SELECT COUNT(DISTINCT work_id) FROM work_likes WHERE user_id = $1`
	var n int64
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (s *PostgresEngagementSource) CommentCount(ctx context.Context, userID string) (int64, error) {
	const q = `SELECT COUNT(*) FROM work_comments WHERE user_id = $1`
	var n int64
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}
