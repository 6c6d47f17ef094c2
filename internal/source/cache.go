package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"aimagica-server/internal/cache"
	"aimagica-server/internal/types"
	"aimagica-server/internal/util"
)

// CachedSource wraps a ContentSource with a read-through cache over the
// shared backend, so concurrent sessions opening the same feed page cost one
// upstream fetch within the TTL window. Stats use a shorter TTL than pages;
// counters go stale faster than content.
type CachedSource struct {
	src     ContentSource
	backend cache.Backend
	pageTTL time.Duration
	statTTL time.Duration
}

// NewCachedSource wraps src with page and batch-stat caching.
func NewCachedSource(src ContentSource, backend cache.Backend, pageTTL, statTTL time.Duration) *CachedSource {
	return &CachedSource{src: src, backend: backend, pageTTL: pageTTL, statTTL: statTTL}
}

func (c *CachedSource) FetchPage(ctx context.Context, page, pageSize int) (types.Page, error) {
	key := fmt.Sprintf("feedpage_%d_%d", page, pageSize)
	if data, found, err := c.backend.Get(ctx, key); err == nil && found {
		var cached types.Page
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
	}

	result, err := c.src.FetchPage(ctx, page, pageSize)
	if err != nil {
		return result, err
	}
	if data, err := json.Marshal(result); err == nil {
		if err := c.backend.Set(ctx, key, data, c.pageTTL); err != nil {
			slog.Debug("feed page cache write failed", "page", page, "error", err)
		}
	}
	return result, nil
}

// FetchItem is a pass-through; item detail opens record a view, so serving
// them stale would hide the visitor's own interaction.
func (c *CachedSource) FetchItem(ctx context.Context, id string) (*types.FeedItem, error) {
	return c.src.FetchItem(ctx, id)
}

func (c *CachedSource) FetchStats(ctx context.Context, ids []string) (map[string]types.StatBlock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	// Sorted key so overlapping callers with the same set share an entry
	// regardless of order.
	key := "batchstats_" + strings.Join(util.SortedCopy(ids), ",")
	if data, found, err := c.backend.Get(ctx, key); err == nil && found {
		var cached map[string]types.StatBlock
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
	}

	result, err := c.src.FetchStats(ctx, ids)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(result); err == nil {
		if err := c.backend.Set(ctx, key, data, c.statTTL); err != nil {
			slog.Debug("batch stats cache write failed", "keys", len(ids), "error", err)
		}
	}
	return result, nil
}
