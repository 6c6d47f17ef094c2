package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"aimagica-server/internal/cache"
	"aimagica-server/internal/types"
)

// fakeSource serves pages out of a fixed item list.
type fakeSource struct {
	mu      sync.Mutex
	items   []types.FeedItem
	failAll bool
	block   chan struct{} // non-nil: FetchPage waits until closed
	fetches int
}

func (f *fakeSource) FetchPage(ctx context.Context, page, pageSize int) (types.Page, error) {
	f.mu.Lock()
	f.fetches++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return types.Page{}, ctx.Err()
		}
	}
	if f.failAll {
		return types.Page{}, errors.New("upstream down")
	}

	start := (page - 1) * pageSize
	if start >= len(f.items) {
		return types.Page{HasMore: false}, nil
	}
	end := start + pageSize
	if end > len(f.items) {
		end = len(f.items)
	}
	return types.Page{Items: f.items[start:end], HasMore: end < len(f.items)}, nil
}

func (f *fakeSource) FetchItem(ctx context.Context, id string) (*types.FeedItem, error) {
	for i := range f.items {
		if f.items[i].ID == id {
			return &f.items[i], nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeSource) FetchStats(ctx context.Context, ids []string) (map[string]types.StatBlock, error) {
	if f.failAll {
		return nil, errors.New("upstream down")
	}
	out := make(map[string]types.StatBlock)
	for _, id := range ids {
		for i := range f.items {
			if f.items[i].ID == id {
				out[id] = f.items[i].Stats
			}
		}
	}
	return out, nil
}

// fakeMutator scripts mutation responses.
type fakeMutator struct {
	mu           sync.Mutex
	failLikes    bool
	failComments bool
	failViews    bool
	likeResult   types.LikeResult
	likeCalls    int
	viewCalls    int
	commentCalls int
}

func (f *fakeMutator) ToggleLike(ctx context.Context, itemID string) (types.LikeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.likeCalls++
	if f.failLikes {
		return types.LikeResult{}, errors.New("mutation endpoint down")
	}
	return f.likeResult, nil
}

func (f *fakeMutator) IncrementView(ctx context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewCalls++
	if f.failViews {
		return errors.New("mutation endpoint down")
	}
	return nil
}

func (f *fakeMutator) PostComment(ctx context.Context, itemID, author, body string) (*types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentCalls++
	if f.failComments {
		return nil, errors.New("mutation endpoint down")
	}
	return &types.Comment{
		ID:        fmt.Sprintf("server-%d", f.commentCalls),
		ItemID:    itemID,
		Author:    author,
		Body:      body,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeMutator) ToggleCommentLike(ctx context.Context, commentID string) (types.LikeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLikes {
		return types.LikeResult{}, errors.New("mutation endpoint down")
	}
	return f.likeResult, nil
}

// newTestController wires a controller with synchronous dispatch so
// reconciliation completes before the mutation method returns.
func newTestController(t *testing.T, src *fakeSource, mut *fakeMutator) *Controller {
	t.Helper()
	c := NewController(src, mut, Options{PageSize: 12, Visitor: "tester"})
	c.dispatch = func(fn func()) { fn() }
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return c
}

func sourceWithItems(n int) *fakeSource {
	items := makeItems(n)
	for i := range items {
		items[i].Stats = types.StatBlock{Likes: 5, Views: 10, Comments: 1}
	}
	return &fakeSource{items: items}
}

func TestLikeKeptWhenMutationFails(t *testing.T) {
	src := sourceWithItems(12)
	mut := &fakeMutator{failLikes: true}
	c := newTestController(t, src, mut)

	c.ToggleLike("item-0")

	it := c.Displayed()[0]
	if it.Stats.Likes != 6 || !it.Stats.IsLiked {
		t.Errorf("stats = %+v, want likes=6 isLiked=true kept after failure", it.Stats)
	}
	if got := c.SyncState("item-0"); got != StateDegraded {
		t.Errorf("sync state = %v, want degraded", got)
	}
	// No automatic retry.
	if mut.likeCalls != 1 {
		t.Errorf("like calls = %d, want 1", mut.likeCalls)
	}
}

func TestLikeReconciledWithServerCounts(t *testing.T) {
	src := sourceWithItems(12)
	// Server says the real count is 9: someone else liked it too.
	mut := &fakeMutator{likeResult: types.LikeResult{Liked: true, NewCount: 9}}
	c := newTestController(t, src, mut)

	c.ToggleLike("item-0")

	it := c.Displayed()[0]
	if it.Stats.Likes != 9 || !it.Stats.IsLiked {
		t.Errorf("stats = %+v, want server-authoritative likes=9", it.Stats)
	}
	if got := c.SyncState("item-0"); got != StateReconciled {
		t.Errorf("sync state = %v, want reconciled", got)
	}
}

func TestStaleReconciliationDropped(t *testing.T) {
	src := sourceWithItems(12)
	mut := &fakeMutator{likeResult: types.LikeResult{Liked: true, NewCount: 100}}
	c := NewController(src, mut, Options{PageSize: 12, Visitor: "tester"})

	// Capture dispatched reconciliations instead of running them.
	var pending []func()
	c.dispatch = func(fn func()) { pending = append(pending, fn) }
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	c.ToggleLike("item-0") // seq 1: like
	c.ToggleLike("item-0") // seq 2: unlike

	// Optimistic state after both: back to the original 5, not liked.
	it := c.Displayed()[0]
	if it.Stats.Likes != 5 || it.Stats.IsLiked {
		t.Fatalf("optimistic stats = %+v, want likes=5 isLiked=false", it.Stats)
	}

	// Run the first (now stale) reconciliation. Its seq no longer matches
	// the latest mutation, so it must not clobber the newer state.
	pending[0]()
	it = c.Displayed()[0]
	if it.Stats.Likes != 5 || it.Stats.IsLiked {
		t.Errorf("stats after stale response = %+v, want unchanged", it.Stats)
	}

	// The response to the latest mutation applies normally.
	mut.likeResult = types.LikeResult{Liked: false, NewCount: 5}
	pending[1]()
	if got := c.SyncState("item-0"); got != StateReconciled {
		t.Errorf("sync state = %v, want reconciled after latest response", got)
	}
}

func TestRecordViewIsFireAndForget(t *testing.T) {
	src := sourceWithItems(12)
	mut := &fakeMutator{failViews: true}
	c := newTestController(t, src, mut)

	c.RecordView("item-2")

	it := c.Displayed()[2]
	if it.Stats.Views != 11 {
		t.Errorf("views = %d, want optimistic 11 despite upstream failure", it.Stats.Views)
	}
	if mut.viewCalls != 1 {
		t.Errorf("view calls = %d, want 1", mut.viewCalls)
	}
}

func TestCommentFailureIsFlagged(t *testing.T) {
	src := sourceWithItems(12)
	mut := &fakeMutator{failComments: true}
	c := newTestController(t, src, mut)

	c.PostComment("item-0", "lovely colors")

	comments := c.Comments("item-0")
	if len(comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(comments))
	}
	if !comments[0].Failed || comments[0].Pending {
		t.Errorf("comment flags = %+v, want failed and not pending", comments[0])
	}
	// The optimistic counter bump is taken back.
	if got := c.Displayed()[0].Stats.Comments; got != 1 {
		t.Errorf("comment count = %d, want original 1", got)
	}
}

func TestCommentSuccessReplacesOptimistic(t *testing.T) {
	src := sourceWithItems(12)
	mut := &fakeMutator{}
	c := newTestController(t, src, mut)

	c.PostComment("item-0", "lovely colors")

	comments := c.Comments("item-0")
	if len(comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(comments))
	}
	if comments[0].ID != "server-1" {
		t.Errorf("comment ID = %s, want server-assigned", comments[0].ID)
	}
	if comments[0].Pending || comments[0].Failed {
		t.Errorf("comment flags = %+v, want settled", comments[0])
	}
	if got := c.Displayed()[0].Stats.Comments; got != 2 {
		t.Errorf("comment count = %d, want 2", got)
	}
}

func TestLoadMoreScenario(t *testing.T) {
	src := sourceWithItems(30)
	c := newTestController(t, src, &fakeMutator{})

	if got := len(c.Displayed()); got != 12 {
		t.Fatalf("initial displayed = %d, want 12", got)
	}

	if added := c.LoadMore(context.Background()); added != 12 {
		t.Fatalf("first LoadMore = %d, want 12", added)
	}
	if got := len(c.Displayed()); got != 24 || !c.HasMore() {
		t.Fatalf("displayed = %d hasMore = %v, want 24/true", got, c.HasMore())
	}

	if added := c.LoadMore(context.Background()); added != 6 {
		t.Fatalf("second LoadMore = %d, want 6", added)
	}
	if got := len(c.Displayed()); got != 30 || c.HasMore() {
		t.Fatalf("displayed = %d hasMore = %v, want 30/false", got, c.HasMore())
	}

	if added := c.LoadMore(context.Background()); added != 0 {
		t.Errorf("LoadMore past end = %d, want 0", added)
	}
}

func TestLoadMoreIdempotentWhileInFlight(t *testing.T) {
	src := sourceWithItems(30)
	src.block = make(chan struct{})
	c := NewController(src, &fakeMutator{}, Options{PageSize: 12, Visitor: "tester"})
	c.dispatch = func(fn func()) { fn() }

	// Let Init through, then re-arm the block for the next page fetch.
	close(src.block)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	src.mu.Lock()
	src.block = make(chan struct{})
	src.mu.Unlock()

	results := make(chan int, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		results <- c.LoadMore(context.Background())
	}()

	<-started
	time.Sleep(50 * time.Millisecond) // let the goroutine reach FetchPage

	// Second call while the first is pending: must be a no-op.
	if added := c.LoadMore(context.Background()); added != 0 {
		t.Errorf("concurrent LoadMore = %d, want 0", added)
	}

	close(src.block)
	if added := <-results; added != 12 {
		t.Errorf("first LoadMore = %d, want 12", added)
	}
	if got := len(c.Displayed()); got != 24 {
		t.Errorf("displayed = %d, want exactly one page extension (24)", got)
	}
	src.mu.Lock()
	fetches := src.fetches
	src.mu.Unlock()
	if fetches != 2 {
		t.Errorf("upstream fetches = %d, want 2 (init + one page)", fetches)
	}
}

func TestInitToleratesUpstreamOutage(t *testing.T) {
	src := &fakeSource{failAll: true}
	c := NewController(src, &fakeMutator{}, Options{PageSize: 12, Visitor: "tester"})
	c.dispatch = func(fn func()) { fn() }

	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("init must not fail on outage: %v", err)
	}
	if got := len(c.Displayed()); got != 0 {
		t.Errorf("displayed = %d, want empty feed", got)
	}
	if added := c.LoadMore(context.Background()); added != 0 {
		t.Errorf("LoadMore during outage = %d, want 0", added)
	}
	// Interactions on unknown items are ignored, not fatal.
	c.ToggleLike("item-0")
	c.RecordView("item-0")
}

func TestInitRestoresMirroredViews(t *testing.T) {
	backend := cache.NewMemoryCache(100, time.Minute)
	defer backend.Close()
	store := cache.NewStatStore(backend, time.Hour)
	ctx := context.Background()

	// item-0 only ever had its views mirrored; item-1 has a full stat block
	// plus a newer view counter.
	store.SaveViews(ctx, "item-0", 50)
	store.Save(ctx, "item-1", types.StatBlock{Likes: 9, Views: 3, IsLiked: true}, 1)
	store.SaveViews(ctx, "item-1", 70)

	src := sourceWithItems(12)
	c := NewController(src, &fakeMutator{}, Options{PageSize: 12, Visitor: "tester", Stats: store})
	c.dispatch = func(fn func()) { fn() }
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	items := c.Displayed()
	if items[0].Stats.Views != 50 || items[0].Stats.Likes != 5 {
		t.Errorf("item-0 stats = %+v, want mirrored views=50 over server likes=5", items[0].Stats)
	}
	if items[1].Stats.Views != 70 || items[1].Stats.Likes != 9 || !items[1].Stats.IsLiked {
		t.Errorf("item-1 stats = %+v, want views=70 likes=9 isLiked=true", items[1].Stats)
	}
	// Server counts that are already higher win over a stale mirror.
	if items[2].Stats.Views != 10 {
		t.Errorf("item-2 views = %d, want untouched server value 10", items[2].Stats.Views)
	}
}

func TestRefreshAppliesServerStatsButSkipsInFlight(t *testing.T) {
	src := sourceWithItems(12)
	mut := &fakeMutator{}
	c := NewController(src, mut, Options{PageSize: 12, Visitor: "tester"})

	var pending []func()
	c.dispatch = func(fn func()) { pending = append(pending, fn) }
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	// item-0 has a mutation in flight; item-1 does not.
	c.ToggleLike("item-0")

	c.Refresh(context.Background(), map[string]types.StatBlock{
		"item-0": {Likes: 50, Views: 100},
		"item-1": {Likes: 77, Views: 200},
	})

	items := c.Displayed()
	if items[0].Stats.Likes != 6 {
		t.Errorf("in-flight item likes = %d, want optimistic 6 preserved", items[0].Stats.Likes)
	}
	if items[1].Stats.Likes != 77 || items[1].Stats.Views != 200 {
		t.Errorf("idle item stats = %+v, want server values applied", items[1].Stats)
	}
	if got := c.SyncState("item-1"); got != StateReconciled {
		t.Errorf("idle item state = %v, want reconciled", got)
	}
}

func TestStatUpdateBroadcastOnReconcile(t *testing.T) {
	src := sourceWithItems(12)
	mut := &fakeMutator{likeResult: types.LikeResult{Liked: true, NewCount: 6}}

	var updates []types.StatUpdate
	var mu sync.Mutex
	c := NewController(src, mut, Options{
		PageSize: 12,
		Visitor:  "tester",
		OnStatUpdate: func(u types.StatUpdate) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		},
	})
	c.dispatch = func(fn func()) { fn() }
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	c.ToggleLike("item-0")

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(updates))
	}
	if updates[0].ItemID != "item-0" || updates[0].Stats.Likes != 6 {
		t.Errorf("broadcast = %+v, want item-0 likes=6", updates[0])
	}
}
