package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EngineConfig carries the listening-engine knobs. Defaults match the player
// client: 2.0x maximum speed, +10% tolerance, 10s flush cadence.
type EngineConfig struct {
	MaxPlaybackSpeed float64
	SpeedTolerance   float64
	FlushInterval    time.Duration
	// Timezone is the reference timezone for calendar streaks.
	Timezone *time.Location
	RedisURL string
}

func Load() EngineConfig {
	cfg := EngineConfig{
		MaxPlaybackSpeed: envFloat("LISTENING_MAX_SPEED", 2.0),
		SpeedTolerance:   envFloat("LISTENING_SPEED_TOLERANCE", 0.10),
		FlushInterval:    envDuration("LISTENING_FLUSH_INTERVAL", 10*time.Second),
		Timezone:         time.UTC,
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
	}
	if tz := strings.TrimSpace(os.Getenv("STATS_TIMEZONE")); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			cfg.Timezone = loc
		}
	}
	return cfg
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
