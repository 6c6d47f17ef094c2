package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"aimagica-server/internal/cache"
	"aimagica-server/internal/source"
	"aimagica-server/internal/types"
)

// SyncState tracks one item's position in the optimistic-update cycle.
type SyncState int

const (
	StateIdle       SyncState = iota
	StateOptimistic           // local change applied, server answer pending
	StateReconciled           // server's authoritative counts applied
	StateDegraded             // server failed; optimistic value kept, not retried
)

func (s SyncState) String() string {
	switch s {
	case StateOptimistic:
		return "optimistic"
	case StateReconciled:
		return "reconciled"
	case StateDegraded:
		return "degraded"
	default:
		return "idle"
	}
}

// itemSync is the per-item ordering state. seq counts optimistic mutations;
// an authoritative response applies only when it answers the latest one, so
// an out-of-order stale response can never clobber newer optimistic state.
type itemSync struct {
	state      SyncState
	seq        uint64
	reconciled uint64
}

const mutationTimeout = 5 * time.Second

// Controller owns one visitor's feed session: the pagination window, the
// per-item sync state machines, and the background reconciliation against
// the mutation endpoints. All methods are safe for concurrent use; state is
// guarded by a single mutex so there is exactly one writer at a time.
type Controller struct {
	mu       sync.Mutex
	window   *Window
	sync     map[string]*itemSync
	comments map[string][]types.Comment

	src     source.ContentSource
	mutator source.Mutator
	stats   *cache.StatStore // optional counter mirror
	limiter *rate.Limiter    // outbound mutation budget

	upstreamPage    int
	upstreamHasMore bool
	loadingMore     bool

	visitor      string
	onStatUpdate func(types.StatUpdate)
	onFailure    func()

	// dispatch runs background reconciliation; tests replace it with a
	// synchronous version.
	dispatch func(fn func())
}

// Options configure a Controller beyond its required collaborators.
type Options struct {
	PageSize     int
	Visitor      string                 // display name used for comments
	Stats        *cache.StatStore       // nil disables mirroring
	OnStatUpdate func(types.StatUpdate) // nil disables live broadcast
	OnFailure    func()                 // called once per failed reconciliation
	MutationRate rate.Limit             // 0 = default 10/s
}

// NewController builds a controller for one feed session.
func NewController(src source.ContentSource, mutator source.Mutator, opts Options) *Controller {
	limit := opts.MutationRate
	if limit == 0 {
		limit = rate.Limit(10)
	}
	return &Controller{
		window:          NewWindow(opts.PageSize),
		sync:            make(map[string]*itemSync),
		comments:        make(map[string][]types.Comment),
		src:             src,
		mutator:         mutator,
		stats:           opts.Stats,
		limiter:         rate.NewLimiter(limit, int(limit)),
		visitor:         opts.Visitor,
		onStatUpdate:    opts.OnStatUpdate,
		onFailure:       opts.OnFailure,
		upstreamHasMore: true,
		dispatch:        func(fn func()) { go fn() },
	}
}

// Init fetches the first upstream page and overlays any mirrored counters so
// a returning visitor sees their prior interactions immediately. Upstream
// failure is not fatal: the feed starts empty and stays browsable.
func (c *Controller) Init(ctx context.Context) error {
	page, err := c.src.FetchPage(ctx, 1, c.window.PageSize())
	if err != nil {
		slog.Warn("feed: initial page fetch failed, starting empty", "error", err)
		c.mu.Lock()
		c.window.SetSource(nil)
		c.upstreamHasMore = false
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.window.SetSource(page.Items)
	c.upstreamPage = 1
	c.upstreamHasMore = page.HasMore
	c.mu.Unlock()

	c.overlayMirroredStats(ctx, page.Items)
	return nil
}

// overlayMirroredStats replaces server stats with locally mirrored ones,
// which carry this visitor's own isLiked flag. View counters live under
// their own keys; the higher of mirror and server wins so a returning
// visitor's own views survive a stale server count.
func (c *Controller) overlayMirroredStats(ctx context.Context, items []types.FeedItem) {
	if c.stats == nil || len(items) == 0 {
		return
	}
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	mirrored := c.stats.LoadMultiple(ctx, ids)
	views := c.stats.LoadViews(ctx, ids)
	if len(mirrored) == 0 && len(views) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, stats := range mirrored {
		if v, ok := views[id]; ok && v > stats.Views {
			stats.Views = v
		}
		c.window.UpdateStats(id, stats)
	}
	for id, v := range views {
		if _, ok := mirrored[id]; ok {
			continue
		}
		it := c.window.Item(id)
		if it == nil || v <= it.Stats.Views {
			continue
		}
		stats := it.Stats
		stats.Views = v
		c.window.UpdateStats(id, stats)
	}
}

// ApplyFilter recomputes the feed from the full source set and resets to
// the first page.
func (c *Controller) ApplyFilter(pred func(*types.FeedItem) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.ApplyFilter(pred)
}

// ApplySearch recomputes the feed from the full source set using a text
// query and resets to the first page.
func (c *Controller) ApplySearch(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.ApplySearch(query)
}

// Displayed returns a snapshot of the rendered prefix.
func (c *Controller) Displayed() []types.FeedItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.window.Displayed()
	out := make([]types.FeedItem, len(items))
	copy(out, items)
	return out
}

// HasMore reports whether more items can be shown, locally or upstream.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.HasMore() || c.upstreamHasMore
}

// PageCursor returns the current page number.
func (c *Controller) PageCursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.PageCursor()
}

// LoadMore extends the displayed window by one page, pulling another
// upstream page first when the local set is nearly exhausted. It is a no-op
// while a previous call is still in flight or when nothing remains, so a
// scroll handler firing twice on the same position extends only once.
func (c *Controller) LoadMore(ctx context.Context) int {
	c.mu.Lock()
	if c.loadingMore {
		c.mu.Unlock()
		return 0
	}
	if !c.window.HasMore() && !c.upstreamHasMore {
		c.mu.Unlock()
		return 0
	}
	c.loadingMore = true
	needUpstream := c.window.Remaining() < c.window.PageSize() && c.upstreamHasMore
	nextPage := c.upstreamPage + 1
	pageSize := c.window.PageSize()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loadingMore = false
		c.mu.Unlock()
	}()

	if needUpstream {
		fetchCtx, cancel := context.WithTimeout(ctx, mutationTimeout)
		page, err := c.src.FetchPage(fetchCtx, nextPage, pageSize)
		cancel()
		if err != nil {
			// Stay browsable on whatever we already have.
			slog.Warn("feed: page fetch failed", "page", nextPage, "error", err)
		} else {
			c.mu.Lock()
			c.window.AppendSource(page.Items)
			c.upstreamPage = nextPage
			c.upstreamHasMore = page.HasMore
			c.mu.Unlock()
			c.overlayMirroredStats(ctx, page.Items)
		}
	}

	c.mu.Lock()
	added := c.window.LoadMore()
	c.mu.Unlock()
	return added
}

// ToggleLike flips the like state locally with no perceptible delay, then
// reconciles against the server in the background. On failure the
// optimistic value is kept, not rolled back.
func (c *Controller) ToggleLike(itemID string) {
	c.mu.Lock()
	it := c.window.Item(itemID)
	if it == nil {
		c.mu.Unlock()
		return
	}

	stats := it.Stats
	if stats.IsLiked {
		stats.IsLiked = false
		if stats.Likes > 0 {
			stats.Likes--
		}
	} else {
		stats.IsLiked = true
		stats.Likes++
	}
	c.window.UpdateStats(itemID, stats)

	st := c.syncFor(itemID)
	st.state = StateOptimistic
	st.seq++
	seq := st.seq
	c.mu.Unlock()

	c.mirror(itemID, stats, seq)

	c.dispatch(func() { c.reconcileLike(itemID, seq) })
}

func (c *Controller) reconcileLike(itemID string, seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		c.degrade(itemID, seq, err)
		return
	}

	result, err := c.mutator.ToggleLike(ctx, itemID)
	if err != nil {
		c.degrade(itemID, seq, err)
		return
	}

	c.applyAuthoritative(itemID, seq, func(stats *types.StatBlock) {
		stats.IsLiked = result.Liked
		stats.Likes = result.NewCount
	})
}

// RecordView bumps the view counter optimistically and notifies the server
// without blocking the caller; the detail view never waits on it.
func (c *Controller) RecordView(itemID string) {
	c.mu.Lock()
	it := c.window.Item(itemID)
	if it == nil {
		c.mu.Unlock()
		return
	}
	stats := it.Stats
	stats.Views++
	c.window.UpdateStats(itemID, stats)
	c.mu.Unlock()

	if c.stats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
		c.stats.SaveViews(ctx, itemID, stats.Views)
		cancel()
	}

	c.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
		defer cancel()
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		if err := c.mutator.IncrementView(ctx, itemID); err != nil {
			slog.Debug("view increment failed", "item", itemID, "error", err)
		}
	})
}

// PostComment adds the comment locally flagged pending, then submits it.
// Unlike likes and views, a failed comment is visibly marked: silently
// keeping it would mislead the author about what other viewers see.
func (c *Controller) PostComment(itemID, body string) types.Comment {
	comment := types.Comment{
		ID:        "local-" + uuid.NewString(),
		ItemID:    itemID,
		Author:    c.visitor,
		Body:      body,
		CreatedAt: time.Now(),
		Pending:   true,
	}

	c.mu.Lock()
	it := c.window.Item(itemID)
	if it == nil {
		c.mu.Unlock()
		return types.Comment{}
	}
	c.comments[itemID] = append(c.comments[itemID], comment)
	stats := it.Stats
	stats.Comments++
	c.window.UpdateStats(itemID, stats)

	st := c.syncFor(itemID)
	st.state = StateOptimistic
	st.seq++
	seq := st.seq
	c.mu.Unlock()

	localID := comment.ID
	c.dispatch(func() { c.reconcileComment(itemID, localID, body, seq) })
	return comment
}

func (c *Controller) reconcileComment(itemID, localID, body string, seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
	defer cancel()

	var created *types.Comment
	err := c.limiter.Wait(ctx)
	if err == nil {
		created, err = c.mutator.PostComment(ctx, itemID, c.visitor, body)
	}

	c.mu.Lock()
	list := c.comments[itemID]
	idx := -1
	for i := range list {
		if list[i].ID == localID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}

	if err != nil {
		// Explicit failure surface: flag the comment and take back the
		// optimistic counter bump.
		list[idx].Pending = false
		list[idx].Failed = true
		if it := c.window.Item(itemID); it != nil {
			stats := it.Stats
			if stats.Comments > 0 {
				stats.Comments--
			}
			c.window.UpdateStats(itemID, stats)
		}
		st := c.syncFor(itemID)
		if seq == st.seq {
			st.state = StateDegraded
		}
		c.mu.Unlock()
		if c.onFailure != nil {
			c.onFailure()
		}
		slog.Warn("comment submission failed", "item", itemID, "error", err)
		return
	}

	// Server version replaces the optimistic one.
	created.Pending = false
	list[idx] = *created
	st := c.syncFor(itemID)
	if seq == st.seq {
		st.state = StateReconciled
		st.reconciled = seq
	}
	c.mu.Unlock()
}

// ToggleCommentLike flips a comment's like optimistically and reconciles in
// the background, with the same keep-on-failure policy as item likes.
func (c *Controller) ToggleCommentLike(itemID, commentID string) {
	c.mu.Lock()
	list := c.comments[itemID]
	idx := -1
	for i := range list {
		if list[i].ID == commentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	if list[idx].IsLiked {
		list[idx].IsLiked = false
		if list[idx].Likes > 0 {
			list[idx].Likes--
		}
	} else {
		list[idx].IsLiked = true
		list[idx].Likes++
	}
	c.mu.Unlock()

	c.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
		defer cancel()
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		result, err := c.mutator.ToggleCommentLike(ctx, commentID)
		if err != nil {
			slog.Debug("comment like failed, keeping optimistic state",
				"comment", commentID, "error", err)
			return
		}
		c.mu.Lock()
		if list := c.comments[itemID]; true {
			for i := range list {
				if list[i].ID == commentID {
					list[i].IsLiked = result.Liked
					list[i].Likes = result.NewCount
					break
				}
			}
		}
		c.mu.Unlock()
	})
}

// Comments returns a snapshot of an item's comments, optimistic ones
// included.
func (c *Controller) Comments(itemID string) []types.Comment {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.comments[itemID]
	out := make([]types.Comment, len(list))
	copy(out, list)
	return out
}

// SyncState returns the sync state for an item.
func (c *Controller) SyncState(itemID string) SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.sync[itemID]; ok {
		return st.state
	}
	return StateIdle
}

// Refresh pulls authoritative stats for the displayed items and applies
// them, resolving any degraded state. Items with a mutation still in flight
// are skipped; their own response carries newer data.
func (c *Controller) Refresh(ctx context.Context, stats map[string]types.StatBlock) {
	if stats == nil {
		ids := make([]string, 0)
		c.mu.Lock()
		for _, it := range c.window.Displayed() {
			ids = append(ids, it.ID)
		}
		c.mu.Unlock()
		if len(ids) == 0 {
			return
		}
		fetched, err := c.src.FetchStats(ctx, ids)
		if err != nil {
			slog.Debug("feed refresh failed", "error", err)
			return
		}
		stats = fetched
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range stats {
		st := c.syncFor(id)
		if st.state == StateOptimistic {
			continue
		}
		c.window.UpdateStats(id, s)
		st.state = StateReconciled
		st.reconciled = st.seq
	}
}

// applyAuthoritative installs a server response for mutation seq. Responses
// answering anything but the item's latest mutation are dropped: last write
// wins, and "last" is the newest optimistic change.
func (c *Controller) applyAuthoritative(itemID string, seq uint64, apply func(*types.StatBlock)) {
	c.mu.Lock()
	st := c.syncFor(itemID)
	if seq != st.seq || seq < st.reconciled {
		c.mu.Unlock()
		slog.Debug("dropping stale reconciliation", "item", itemID, "seq", seq, "latest", st.seq)
		return
	}

	it := c.window.Item(itemID)
	if it == nil {
		c.mu.Unlock()
		return
	}
	stats := it.Stats
	apply(&stats)
	c.window.UpdateStats(itemID, stats)
	st.state = StateReconciled
	st.reconciled = seq
	c.mu.Unlock()

	c.mirror(itemID, stats, seq)

	if c.onStatUpdate != nil {
		c.onStatUpdate(types.StatUpdate{
			ItemID:   itemID,
			Stats:    stats,
			Received: time.Now(),
		})
	}
}

// degrade marks a failed reconciliation. The optimistic value stays; a
// later full refresh settles it.
func (c *Controller) degrade(itemID string, seq uint64, err error) {
	c.mu.Lock()
	st := c.syncFor(itemID)
	if seq == st.seq {
		st.state = StateDegraded
	}
	c.mu.Unlock()
	if c.onFailure != nil {
		c.onFailure()
	}
	slog.Debug("mutation failed, keeping optimistic state", "item", itemID, "error", err)
}

func (c *Controller) mirror(itemID string, stats types.StatBlock, seq uint64) {
	if c.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
	defer cancel()
	c.stats.Save(ctx, itemID, stats, seq)
}

// syncFor returns the sync record for an item, creating it on first use.
// Callers must hold c.mu.
func (c *Controller) syncFor(itemID string) *itemSync {
	st, ok := c.sync[itemID]
	if !ok {
		st = &itemSync{}
		c.sync[itemID] = st
	}
	return st
}
