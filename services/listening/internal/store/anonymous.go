package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// AnonymousProgress is the reduced progress record for users without an
// account: single writer, single device, no anti-cheat increment.
type AnonymousProgress struct {
	WorkID               string    `json:"work_id"`
	ProgressSeconds      float64   `json:"progress_seconds"`
	DurationSeconds      float64   `json:"duration_seconds"`
	CompletionPercentage float64   `json:"completion_percentage"`
	LastPlayed           time.Time `json:"last_played"`
}

// AnonymousStore keeps device-local progress in Redis, keyed by
// (device, work). Nothing here feeds stats or achievements.
type AnonymousStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAnonymousStore connects to Redis via URL. TTL bounds how long abandoned
// device progress lingers; 0 keeps it forever.
func NewAnonymousStore(url string, ttl time.Duration) (*AnonymousStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &AnonymousStore{client: redis.NewClient(opt), ttl: ttl}, nil
}

func (s *AnonymousStore) key(deviceID, workID string) string {
	return "progress:" + deviceID + ":" + workID
}

func (s *AnonymousStore) Save(ctx context.Context, deviceID string, p AnonymousProgress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(deviceID, p.WorkID), b, s.ttl).Err()
}

func (s *AnonymousStore) Get(ctx context.Context, deviceID, workID string) (*AnonymousProgress, error) {
	val, err := s.client.Get(ctx, s.key(deviceID, workID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var p AnonymousProgress
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *AnonymousStore) Clear(ctx context.Context, deviceID, workID string) error {
	return s.client.Del(ctx, s.key(deviceID, workID)).Err()
}

func (s *AnonymousStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
