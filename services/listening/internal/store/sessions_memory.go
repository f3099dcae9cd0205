package store

import (
	"context"
	"sync"
	"time"
)

// InMemorySessionStore mirrors the Postgres merge semantics for development
// and tests. The mutex plays the role of the row lock: the increment is a
// single critical section, never a separate read and write.
type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]*PlaybackSession // user_id -> work_id -> session
	now      func() time.Time
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]map[string]*PlaybackSession),
		now:      time.Now,
	}
}

// SetClock overrides the clock. Useful for streak tests.
func (s *InMemorySessionStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = clock
}

func (s *InMemorySessionStore) RecordProgress(_ context.Context, up ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	byWork := s.sessions[up.UserID]
	if byWork == nil {
		byWork = make(map[string]*PlaybackSession)
		s.sessions[up.UserID] = byWork
	}

	rec, ok := byWork[up.WorkID]
	if !ok {
		start := now
		end := now
		byWork[up.WorkID] = &PlaybackSession{
			UserID:               up.UserID,
			WorkID:               up.WorkID,
			ProgressSeconds:      up.PositionSeconds,
			DurationSeconds:      up.DurationSeconds,
			CompletionPercentage: up.CompletionPercentage,
			ActualListening:      up.ListeningDelta,
			SessionStart:         &start,
			SessionEnd:           &end,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		return nil
	}

	rec.ActualListening += up.ListeningDelta
	rec.ProgressSeconds = up.PositionSeconds
	if up.DurationSeconds > rec.DurationSeconds {
		rec.DurationSeconds = up.DurationSeconds
	}
	rec.CompletionPercentage = up.CompletionPercentage
	end := now
	rec.SessionEnd = &end
	rec.UpdatedAt = now
	return nil
}

func (s *InMemorySessionStore) GetProgress(_ context.Context, userID, workID string) (*PlaybackSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[userID][workID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemorySessionStore) ListSessions(_ context.Context, userID string) ([]PlaybackSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byWork := s.sessions[userID]
	out := make([]PlaybackSession, 0, len(byWork))
	for _, rec := range byWork {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *InMemorySessionStore) ClearProgress(_ context.Context, userID, workID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions[userID], workID)
	return nil
}
