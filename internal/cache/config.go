package cache

import "time"

// Config holds cache TTL configuration for the gallery server.
type Config struct {
	MediaFailTTL   time.Duration // negative cache for failed media loads
	StatTTL        time.Duration // mirrored per-item counters
	FeedPageTTL    time.Duration // upstream feed pages
	BatchStatsTTL  time.Duration // batched stat lookups
	CleanupEvery   time.Duration // memory cache sweep interval
	MaxMemoryItems int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MediaFailTTL:   5 * time.Minute,
		StatTTL:        30 * 24 * time.Hour, // returning visitors see their own interactions
		FeedPageTTL:    60 * time.Second,
		BatchStatsTTL:  30 * time.Second,
		CleanupEvery:   2 * time.Minute,
		MaxMemoryItems: 10000,
	}
}
