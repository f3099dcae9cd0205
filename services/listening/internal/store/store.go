// Package store persists playback sessions, the achievement catalog and
// unlock records. Each store ships a Postgres implementation for production
// and an in-memory implementation for development and tests.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// PlaybackSession is the evolving playback-state record for one (user, work)
// pair. actual_listening_seconds is the anti-cheat signal: cumulative real
// listening time, monotonically non-decreasing, merged with an atomic
// increment so concurrent flushes never lose time.
type PlaybackSession struct {
	UserID               string     `json:"user_id"`
	WorkID               string     `json:"work_id"`
	ProgressSeconds      float64    `json:"progress_seconds"`
	DurationSeconds      float64    `json:"duration_seconds"`
	CompletionPercentage float64    `json:"completion_percentage"`
	ActualListening      int64      `json:"actual_listening_seconds"`
	SessionStart         *time.Time `json:"session_start,omitempty"`
	SessionEnd           *time.Time `json:"session_end,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ProgressUpdate is one validated flush to merge into a session.
type ProgressUpdate struct {
	UserID               string
	WorkID               string
	PositionSeconds      float64
	DurationSeconds      float64
	CompletionPercentage float64
	ListeningDelta       int64
}

// SessionStore is the authoritative progress store for authenticated users.
type SessionStore interface {
	// RecordProgress creates the session or merges the update into it. The
	// listening delta MUST be applied as a single atomic read-modify-write at
	// the storage layer; concurrent flushes from multiple tabs or devices
	// converge here.
	RecordProgress(ctx context.Context, up ProgressUpdate) error
	// GetProgress returns the session, or nil if the work was never played.
	GetProgress(ctx context.Context, userID, workID string) (*PlaybackSession, error)
	// ListSessions returns every session for the user.
	ListSessions(ctx context.Context, userID string) ([]PlaybackSession, error)
	// ClearProgress deletes the session ("start over").
	ClearProgress(ctx context.Context, userID, workID string) error
}

// Achievement is one catalog row. The catalog is read-mostly and seeded
// out-of-band. reward_type/reward_data are opaque to this subsystem.
type Achievement struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Icon             string          `json:"icon"`
	Category         string          `json:"category"`
	RequirementType  string          `json:"requirement_type"`
	RequirementValue int64           `json:"requirement_value"`
	RewardType       string          `json:"reward_type,omitempty"`
	RewardData       json.RawMessage `json:"reward_data,omitempty"`
	IsSecret         bool            `json:"is_secret"`
}

// Requirement types mapped to stats scalars by the achievement engine.
const (
	RequirementHours      = "hours"
	RequirementBooks      = "books"
	RequirementStreakDays = "streak_days"
	RequirementLikes      = "likes"
	RequirementComments   = "comments"
)

// Secret pattern requirement types, checked against the raw session history.
const (
	RequirementNightSessions   = "night_sessions"
	RequirementMorningSessions = "morning_sessions"
	RequirementSessionLength   = "session_length"
	RequirementMidnightFinish  = "midnight_finish"
	RequirementWeekendBooks    = "weekend_books"
)

// UserAchievement is the unlock join record: created exactly once per
// (user, achievement) pair, then immutable.
type UserAchievement struct {
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// AchievementStore reads the catalog and records unlocks.
type AchievementStore interface {
	ListAchievements(ctx context.Context) ([]Achievement, error)
	ListUnlocked(ctx context.Context, userID string) ([]UserAchievement, error)
	// Unlock inserts the join record idempotently. It reports false when the
	// achievement was already unlocked; that is a no-op, not an error.
	Unlock(ctx context.Context, userID, achievementID string, at time.Time) (bool, error)
}

// EngagementSource supplies the two opaque social counters consumed by
// engagement achievements. The social graph itself is out of scope.
type EngagementSource interface {
	DistinctLikedWorks(ctx context.Context, userID string) (int64, error)
	CommentCount(ctx context.Context, userID string) (int64, error)
}
