package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aimagica-server/internal/cache"
	"aimagica-server/internal/types"
)

// countingSource counts upstream calls so caching can be observed.
type countingSource struct {
	mu        sync.Mutex
	pageCalls int
	statCalls int
	fail      bool
}

func (s *countingSource) FetchPage(ctx context.Context, page, pageSize int) (types.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageCalls++
	if s.fail {
		return types.Page{}, errors.New("upstream down")
	}
	return types.Page{
		Items:   []types.FeedItem{{ID: "item-1", Title: "Artwork"}},
		HasMore: true,
	}, nil
}

func (s *countingSource) FetchItem(ctx context.Context, id string) (*types.FeedItem, error) {
	return &types.FeedItem{ID: id}, nil
}

func (s *countingSource) FetchStats(ctx context.Context, ids []string) (map[string]types.StatBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statCalls++
	if s.fail {
		return nil, errors.New("upstream down")
	}
	out := make(map[string]types.StatBlock, len(ids))
	for _, id := range ids {
		out[id] = types.StatBlock{Likes: 1}
	}
	return out, nil
}

func newTestCachedSource(t *testing.T, upstream *countingSource) *CachedSource {
	t.Helper()
	backend := cache.NewMemoryCache(100, time.Minute)
	t.Cleanup(func() { backend.Close() })
	return NewCachedSource(upstream, backend, time.Minute, time.Minute)
}

func TestCachedSourceSharesPages(t *testing.T) {
	upstream := &countingSource{}
	c := newTestCachedSource(t, upstream)
	ctx := context.Background()

	first, err := c.FetchPage(ctx, 1, 12)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := c.FetchPage(ctx, 1, 12)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if upstream.pageCalls != 1 {
		t.Errorf("upstream page calls = %d, want 1", upstream.pageCalls)
	}
	if len(second.Items) != len(first.Items) || !second.HasMore {
		t.Errorf("cached page = %+v, want same as upstream", second)
	}

	// A different page is its own cache entry.
	if _, err := c.FetchPage(ctx, 2, 12); err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if upstream.pageCalls != 2 {
		t.Errorf("upstream page calls = %d, want 2 after new page", upstream.pageCalls)
	}
}

func TestCachedSourceStatsKeyIgnoresOrder(t *testing.T) {
	upstream := &countingSource{}
	c := newTestCachedSource(t, upstream)
	ctx := context.Background()

	if _, err := c.FetchStats(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("first stats: %v", err)
	}
	stats, err := c.FetchStats(ctx, []string{"b", "a"})
	if err != nil {
		t.Fatalf("second stats: %v", err)
	}

	if upstream.statCalls != 1 {
		t.Errorf("upstream stat calls = %d, want 1 for reordered ids", upstream.statCalls)
	}
	if stats["a"].Likes != 1 || stats["b"].Likes != 1 {
		t.Errorf("stats = %v, want cached values for both ids", stats)
	}
}

func TestCachedSourceDoesNotCacheErrors(t *testing.T) {
	upstream := &countingSource{fail: true}
	c := newTestCachedSource(t, upstream)
	ctx := context.Background()

	if _, err := c.FetchPage(ctx, 1, 12); err == nil {
		t.Fatal("expected upstream error")
	}

	upstream.mu.Lock()
	upstream.fail = false
	upstream.mu.Unlock()

	page, err := c.FetchPage(ctx, 1, 12)
	if err != nil {
		t.Fatalf("fetch after recovery: %v", err)
	}
	if len(page.Items) != 1 {
		t.Errorf("items = %d, want upstream data once it recovers", len(page.Items))
	}
	if upstream.pageCalls != 2 {
		t.Errorf("upstream page calls = %d, want 2 (errors are not cached)", upstream.pageCalls)
	}
}
