// Package feed owns the in-memory feed state for one visitor: the
// filtered/searched item set, the displayed pagination window, and the
// optimistic interaction state that is reconciled against the mutation
// endpoints in the background.
package feed

import (
	"strings"

	"aimagica-server/internal/types"
)

// Window is the pagination state over the feed. displayed is always a
// prefix of all; its length is pageCursor*pageSize except at end-of-feed,
// where it equals len(all).
type Window struct {
	pageSize   int
	source     []types.FeedItem // full unfiltered set, upstream order
	all        []types.FeedItem // filtered/searched subset
	displayed  int              // prefix length of all currently rendered
	pageCursor int

	filter func(*types.FeedItem) bool
	search string
}

// NewWindow creates an empty window with the given page size.
func NewWindow(pageSize int) *Window {
	if pageSize < 1 {
		pageSize = 12
	}
	return &Window{pageSize: pageSize}
}

// SetSource replaces the full unfiltered item set and recomputes the
// filtered view, resetting to the first page.
func (w *Window) SetSource(items []types.FeedItem) {
	w.source = items
	w.recompute()
}

// AppendSource adds newly fetched upstream items to the unfiltered set.
// The filtered view grows in place; the displayed prefix is untouched, so
// appending never disturbs what the visitor is looking at.
func (w *Window) AppendSource(items []types.FeedItem) {
	w.source = append(w.source, items...)
	for i := range items {
		if w.matches(&items[i]) {
			w.all = append(w.all, items[i])
		}
	}
}

// ApplyFilter installs a predicate and resets the window to the first page.
// A nil predicate clears filtering.
func (w *Window) ApplyFilter(pred func(*types.FeedItem) bool) {
	w.filter = pred
	w.recompute()
}

// ApplySearch installs a case-insensitive query over title, author, style
// and tags, and resets the window to the first page.
func (w *Window) ApplySearch(query string) {
	w.search = strings.ToLower(strings.TrimSpace(query))
	w.recompute()
}

// recompute rebuilds the filtered set from the source set synchronously and
// resets the displayed window to the first page.
func (w *Window) recompute() {
	w.all = w.all[:0]
	for i := range w.source {
		if w.matches(&w.source[i]) {
			w.all = append(w.all, w.source[i])
		}
	}
	w.pageCursor = 1
	w.displayed = min(w.pageSize, len(w.all))
}

func (w *Window) matches(it *types.FeedItem) bool {
	if w.filter != nil && !w.filter(it) {
		return false
	}
	if w.search == "" {
		return true
	}
	if strings.Contains(strings.ToLower(it.Title), w.search) ||
		strings.Contains(strings.ToLower(it.Author), w.search) ||
		strings.Contains(strings.ToLower(it.Style), w.search) {
		return true
	}
	for _, tag := range it.Tags {
		if strings.Contains(strings.ToLower(tag), w.search) {
			return true
		}
	}
	return false
}

// LoadMore extends the displayed prefix by one page. Returns the number of
// items added; zero when already at end-of-feed.
func (w *Window) LoadMore() int {
	if !w.HasMore() {
		return 0
	}
	next := min(w.displayed+w.pageSize, len(w.all))
	added := next - w.displayed
	w.displayed = next
	w.pageCursor++
	return added
}

// Displayed returns the currently rendered prefix.
func (w *Window) Displayed() []types.FeedItem {
	return w.all[:w.displayed]
}

// All returns the full filtered set.
func (w *Window) All() []types.FeedItem {
	return w.all
}

// HasMore reports whether undisplayed filtered items remain.
func (w *Window) HasMore() bool {
	return w.displayed < len(w.all)
}

// PageCursor returns the current page number (1-based).
func (w *Window) PageCursor() int {
	return w.pageCursor
}

// PageSize returns the configured page size.
func (w *Window) PageSize() int {
	return w.pageSize
}

// Remaining returns how many filtered items are not yet displayed.
func (w *Window) Remaining() int {
	return len(w.all) - w.displayed
}

// UpdateStats applies a stat block to the matching item wherever it lives
// (source set and filtered view share values by copy, so both are updated).
func (w *Window) UpdateStats(itemID string, stats types.StatBlock) {
	for i := range w.source {
		if w.source[i].ID == itemID {
			w.source[i].Stats = stats
			break
		}
	}
	for i := range w.all {
		if w.all[i].ID == itemID {
			w.all[i].Stats = stats
			break
		}
	}
}

// Item returns a pointer into the filtered set for in-place stat updates,
// or nil if the item is not in the current view.
func (w *Window) Item(itemID string) *types.FeedItem {
	for i := range w.all {
		if w.all[i].ID == itemID {
			return &w.all[i]
		}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
