// Package config loads the server configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full server configuration.
type Config struct {
	Port        string
	ContentURL  string // upstream content source base URL
	MutationURL string // upstream mutation endpoints base URL (defaults to ContentURL)
	RedisURL    string // empty = in-memory cache

	PageSize        int
	InitialEager    int // items of the first page that always load eagerly
	MinItemWidth    int
	ColumnGap       int
	LookaheadPx     int // distance from feed bottom that triggers load-more
	MediaRetryCount int
	MediaMaxAge     time.Duration
	SessionTTL      time.Duration
	StatBatchWindow time.Duration
	MutationsPerSec float64
}

// Load reads configuration from .env (if present) and the environment.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	return Config{
		Port:            getenv("PORT", "8080"),
		ContentURL:      getenv("CONTENT_URL", "http://localhost:9000"),
		MutationURL:     getenv("MUTATION_URL", getenv("CONTENT_URL", "http://localhost:9000")),
		RedisURL:        os.Getenv("REDIS_URL"),
		PageSize:        getenvInt("PAGE_SIZE", 12),
		InitialEager:    getenvInt("INITIAL_EAGER", 8),
		MinItemWidth:    getenvInt("MIN_ITEM_WIDTH", 240),
		ColumnGap:       getenvInt("COLUMN_GAP", 16),
		LookaheadPx:     getenvInt("LOOKAHEAD_PX", 800),
		MediaRetryCount: getenvInt("MEDIA_RETRY_COUNT", 2),
		MediaMaxAge:     getenvDuration("MEDIA_MAX_AGE", time.Hour),
		SessionTTL:      getenvDuration("SESSION_TTL", 2*time.Hour),
		StatBatchWindow: getenvDuration("STAT_BATCH_WINDOW", 50*time.Millisecond),
		MutationsPerSec: getenvFloat("MUTATIONS_PER_SEC", 10),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "key", key, "value", v)
		return fallback
	}
	return f
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env var, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
