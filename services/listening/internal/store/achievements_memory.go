package store

import (
	"context"
	"sync"
	"time"
)

// InMemoryAchievementStore serves tests and DATABASE_URL-less development.
type InMemoryAchievementStore struct {
	mu       sync.Mutex
	catalog  []Achievement
	unlocked map[string]map[string]time.Time // user_id -> achievement_id -> unlocked_at
}

func NewInMemoryAchievementStore(catalog []Achievement) *InMemoryAchievementStore {
	return &InMemoryAchievementStore{
		catalog:  catalog,
		unlocked: make(map[string]map[string]time.Time),
	}
}

func (s *InMemoryAchievementStore) ListAchievements(_ context.Context) ([]Achievement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Achievement, len(s.catalog))
	copy(out, s.catalog)
	return out, nil
}

func (s *InMemoryAchievementStore) ListUnlocked(_ context.Context, userID string) ([]UserAchievement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UserAchievement
	for id, at := range s.unlocked[userID] {
		out = append(out, UserAchievement{UserID: userID, AchievementID: id, UnlockedAt: at})
	}
	return out, nil
}

func (s *InMemoryAchievementStore) Unlock(_ context.Context, userID, achievementID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser := s.unlocked[userID]
	if byUser == nil {
		byUser = make(map[string]time.Time)
		s.unlocked[userID] = byUser
	}
	if _, ok := byUser[achievementID]; ok {
		return false, nil
	}
	byUser[achievementID] = at.UTC()
	return true, nil
}

// StaticEngagementSource returns fixed counters. Useful in tests and when the
// social tables are not reachable.
type StaticEngagementSource struct {
	Likes    int64
	Comments int64
}

func (s StaticEngagementSource) DistinctLikedWorks(context.Context, string) (int64, error) {
	return s.Likes, nil
}

func (s StaticEngagementSource) CommentCount(context.Context, string) (int64, error) {
	return s.Comments, nil
}
