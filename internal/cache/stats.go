package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"aimagica-server/internal/types"
)

// StatStore mirrors per-item counters into the cache backend so a returning
// visitor sees their own interactions before the network layer responds.
// Keys follow the likes_<id> / views_<id> convention of the hosted app.
type StatStore struct {
	backend Backend
	ttl     time.Duration
}

// storedStats is the serialized form of a mirrored StatBlock.
type storedStats struct {
	Stats    types.StatBlock `json:"stats"`
	SavedAt  int64           `json:"saved_at"`
	Sequence uint64          `json:"sequence"`
}

// NewStatStore creates a stat mirror over the given backend.
func NewStatStore(backend Backend, ttl time.Duration) *StatStore {
	return &StatStore{backend: backend, ttl: ttl}
}

// Save mirrors the current stats for an item. Errors are logged and
// swallowed: the mirror is a convenience, never a dependency.
func (s *StatStore) Save(ctx context.Context, itemID string, stats types.StatBlock, seq uint64) {
	data, err := json.Marshal(storedStats{
		Stats:    stats,
		SavedAt:  time.Now().Unix(),
		Sequence: seq,
	})
	if err != nil {
		return
	}
	if err := s.backend.Set(ctx, "likes_"+itemID, data, s.ttl); err != nil {
		slog.Debug("stat mirror write failed", "item", itemID, "error", err)
	}
}

// SaveViews mirrors just the view counter under its own key. View bumps are
// far more frequent than likes and overwrite-only.
func (s *StatStore) SaveViews(ctx context.Context, itemID string, views int) {
	data, err := json.Marshal(views)
	if err != nil {
		return
	}
	if err := s.backend.Set(ctx, "views_"+itemID, data, s.ttl); err != nil {
		slog.Debug("view mirror write failed", "item", itemID, "error", err)
	}
}

// Load returns the mirrored stats for an item, if present.
func (s *StatStore) Load(ctx context.Context, itemID string) (types.StatBlock, uint64, bool) {
	data, found, err := s.backend.Get(ctx, "likes_"+itemID)
	if err != nil || !found {
		return types.StatBlock{}, 0, false
	}
	var stored storedStats
	if err := json.Unmarshal(data, &stored); err != nil {
		return types.StatBlock{}, 0, false
	}
	return stored.Stats, stored.Sequence, true
}

// LoadViews returns the mirrored view counters for a set of items in one
// backend round trip. Items without a mirror are absent from the map.
func (s *StatStore) LoadViews(ctx context.Context, itemIDs []string) map[string]int {
	if len(itemIDs) == 0 {
		return nil
	}

	keys := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		keys[i] = "views_" + id
	}

	values, err := s.backend.GetMultiple(ctx, keys)
	if err != nil {
		slog.Debug("view mirror batch read failed", "keys", len(keys), "error", err)
		return nil
	}

	result := make(map[string]int, len(values))
	for _, id := range itemIDs {
		data, ok := values["views_"+id]
		if !ok {
			continue
		}
		var views int
		if err := json.Unmarshal(data, &views); err != nil {
			continue
		}
		result[id] = views
	}
	return result
}

// LoadMultiple returns mirrored stats for a set of items in one backend
// round trip. Missing or unreadable entries are simply absent from the map.
func (s *StatStore) LoadMultiple(ctx context.Context, itemIDs []string) map[string]types.StatBlock {
	if len(itemIDs) == 0 {
		return nil
	}

	keys := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		keys[i] = "likes_" + id
	}

	values, err := s.backend.GetMultiple(ctx, keys)
	if err != nil {
		slog.Debug("stat mirror batch read failed", "keys", len(keys), "error", err)
		return nil
	}

	result := make(map[string]types.StatBlock, len(values))
	for _, id := range itemIDs {
		data, ok := values["likes_"+id]
		if !ok {
			continue
		}
		var stored storedStats
		if err := json.Unmarshal(data, &stored); err != nil {
			continue
		}
		result[id] = stored.Stats
	}
	return result
}
