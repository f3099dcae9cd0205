package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the analytics consumer service.
type Config struct {
	LogLevel         string
	NATSURL          string
	PostHogAPIKey    string
	PostHogHost      string // e.g. https://app.posthog.com or self-hosted URL
	FlushInterval    time.Duration
	PostHogBatchSize int // PostHog SDK batch size before flush
	NATSBatchSize    int // NATS fetch batch size
	BatchIntervalMs  int // NATS fetch wait (ms)
}

// Load reads Config from environment variables.
func Load() (Config, error) {
	natsURL := strings.TrimSpace(os.Getenv("NATS_URL"))
	if natsURL == "" {
		natsURL = "nats://nats:4222"
	}

	key := strings.TrimSpace(os.Getenv("POSTHOG_API_KEY"))
	if key == "" {
		return Config{}, errors.New("POSTHOG_API_KEY is required")
	}

	host := strings.TrimSpace(os.Getenv("POSTHOG_HOST"))
	if host == "" {
		host = "https://app.posthog.com"
	}

	logLevel := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevel == "" {
		logLevel = "info"
	}

	return Config{
		LogLevel:         logLevel,
		NATSURL:          natsURL,
		PostHogAPIKey:    key,
		PostHogHost:      host,
		FlushInterval:    time.Duration(envInt("POSTHOG_FLUSH_INTERVAL_SEC", 5)) * time.Second,
		PostHogBatchSize: envInt("POSTHOG_BATCH_SIZE", 100),
		NATSBatchSize:    envInt("NATS_BATCH_SIZE", 100),
		BatchIntervalMs:  envInt("NATS_BATCH_INTERVAL_MS", 2000),
	}, nil
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
