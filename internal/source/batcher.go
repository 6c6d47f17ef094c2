package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"aimagica-server/internal/types"
)

// Batcher collects stat lookups over a short window and executes them as one
// batch-stats call. Overlapping (not just identical) requests merge: three
// concurrent lookups for [a,b,c], [a,d] and [b,e] become a single upstream
// fetch for [a,b,c,d,e].
type Batcher[V any] struct {
	name     string
	batchFn  func(keys []string) map[string]V
	window   time.Duration
	maxBatch int

	mu       sync.Mutex
	pending  map[string][]*batchWaiter[V]
	timer    *time.Timer
	timerSet bool
}

type batchWaiter[V any] struct {
	keys   []string
	result chan map[string]V
}

// NewBatcher creates a batcher. window is the collection delay before a
// batch fires; maxBatch caps keys per batch (0 = unlimited).
func NewBatcher[V any](name string, batchFn func(keys []string) map[string]V, window time.Duration, maxBatch int) *Batcher[V] {
	return &Batcher[V]{
		name:     name,
		batchFn:  batchFn,
		window:   window,
		maxBatch: maxBatch,
		pending:  make(map[string][]*batchWaiter[V]),
	}
}

// Get fetches a single value, batching with other concurrent requests.
func (b *Batcher[V]) Get(key string) V {
	result := b.GetMultiple([]string{key})
	return result[key]
}

// GetMultiple fetches multiple values, batching with other concurrent
// requests. Returns key -> value for every requested key the batch resolved.
func (b *Batcher[V]) GetMultiple(keys []string) map[string]V {
	if len(keys) == 0 {
		return nil
	}

	waiter := &batchWaiter[V]{
		keys:   keys,
		result: make(chan map[string]V, 1),
	}

	b.mu.Lock()

	for _, key := range keys {
		b.pending[key] = append(b.pending[key], waiter)
	}

	if !b.timerSet {
		b.timerSet = true
		b.timer = time.AfterFunc(b.window, b.executeBatch)
	}

	if b.maxBatch > 0 && len(b.pending) >= b.maxBatch {
		b.timer.Stop()
		b.mu.Unlock()
		b.executeBatch()
	} else {
		b.mu.Unlock()
	}

	return <-waiter.result
}

func (b *Batcher[V]) executeBatch() {
	b.mu.Lock()

	keys := make([]string, 0, len(b.pending))
	for key := range b.pending {
		keys = append(keys, key)
	}

	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}

	b.pending = make(map[string][]*batchWaiter[V])
	b.timerSet = false

	b.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	slog.Debug("batcher: executing batch",
		"name", b.name,
		"keys", len(keys),
		"waiters", len(waiterSet))

	results := b.batchFn(keys)

	for waiter := range waiterSet {
		waiterResult := make(map[string]V, len(waiter.keys))
		for _, key := range waiter.keys {
			if val, ok := results[key]; ok {
				waiterResult[key] = val
			}
		}
		waiter.result <- waiterResult
	}
}

// Stats returns current pending key and waiter counts.
func (b *Batcher[V]) Stats() (pendingKeys int, pendingWaiters int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}
	return len(b.pending), len(waiterSet)
}

// NewStatBatcher wires a Batcher to the content source's batch-stats
// endpoint. Upstream failure yields an empty map; callers keep whatever
// local state they already have.
func NewStatBatcher(src ContentSource, window time.Duration, maxBatch int) *Batcher[types.StatBlock] {
	return NewBatcher("stats", func(keys []string) map[string]types.StatBlock {
		ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
		defer cancel()
		stats, err := src.FetchStats(ctx, keys)
		if err != nil {
			slog.Debug("batch stats fetch failed", "keys", len(keys), "error", err)
			return nil
		}
		return stats
	}, window, maxBatch)
}
