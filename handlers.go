package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"aimagica-server/internal/layout"
	"aimagica-server/internal/media"
	"aimagica-server/internal/types"
	"aimagica-server/internal/util"
)

// galleryHandler renders the masonry feed. Pagination is driven by the
// page query parameter: the controller's window is advanced until it covers
// the requested page, each advance gated by the in-flight flag.
func (s *Server) galleryHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		util.RespondNotFound(w, "not found")
		return
	}

	ctrl := s.controllerFor(w, r)

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	style := strings.TrimSpace(r.URL.Query().Get("style"))
	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	wantPage := parseIntDefault(r.URL.Query().Get("page"), 1)

	// Filter/search changes reset the window to the first page; applying
	// them unconditionally keeps the URL the single source of truth.
	var pred func(*types.FeedItem) bool
	if style != "" || tag != "" {
		pred = func(it *types.FeedItem) bool {
			if style != "" && it.Style != style {
				return false
			}
			return tag == "" || it.HasTag(tag)
		}
	}
	ctrl.ApplyFilter(pred)
	ctrl.ApplySearch(query)

	for ctrl.PageCursor() < wantPage && ctrl.HasMore() {
		if ctrl.LoadMore(r.Context()) == 0 {
			break
		}
	}

	items := ctrl.Displayed()

	width := parseIntDefault(r.URL.Query().Get("w"), 1200)
	columns := s.columnsForWidth(width)

	// Style facets come from what is on screen, so the nav never offers a
	// filter with zero results.
	styles := make([]string, 0, len(items))
	for i := range items {
		if items[i].Style != "" {
			styles = append(styles, items[i].Style)
		}
	}

	data := pageData{
		Columns: renderFeed(items, RenderOptions{
			Columns:            columns,
			Gap:                s.cfg.ColumnGap,
			InitialRenderCount: s.cfg.InitialEager,
		}),
		Query:    query,
		Style:    style,
		Tag:      tag,
		Styles:   util.SortedCopy(util.Dedup(styles)),
		Page:     ctrl.PageCursor(),
		HasMore:  ctrl.HasMore(),
		NextPage: ctrl.PageCursor() + 1,
	}

	html, err := renderPage(data)
	if err != nil {
		LoggerFromContext(r.Context()).Error("page render failed", "error", err)
		util.RespondInternalError(w, "render failed")
		return
	}
	util.SetHTMLHeaders(w, "0")
	w.Write([]byte(html))
}

// itemHandler renders a single item's detail view and records the view
// optimistically; opening never waits on the upstream call.
func (s *Server) itemHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/item/")
	if id == "" {
		util.RespondBadRequest(w, "missing item id")
		return
	}

	ctrl := s.controllerFor(w, r)
	ctrl.RecordView(id)

	items := ctrl.Displayed()
	var item *types.FeedItem
	for i := range items {
		if items[i].ID == id {
			item = &items[i]
			break
		}
	}
	if item == nil {
		util.RespondNotFound(w, "unknown item")
		return
	}

	util.SetHTMLHeaders(w, "0")
	w.Write([]byte(defaultItemHTML(*item, 0, 1)))
	w.Write([]byte(commentListHTML(ctrl.Comments(id))))
}

// likeHandler toggles a like. The response reflects the optimistic state;
// reconciliation happens in the background.
func (s *Server) likeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		util.RespondMethodNotAllowed(w, "POST required")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/like/")
	if id == "" {
		util.RespondBadRequest(w, "missing item id")
		return
	}

	ctrl := s.controllerFor(w, r)
	ctrl.ToggleLike(id)
	IncrementMutation()

	redirectBack(w, r)
}

// commentHandler posts a comment optimistically.
func (s *Server) commentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		util.RespondMethodNotAllowed(w, "POST required")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/comment/")
	body := strings.TrimSpace(r.FormValue("body"))
	if id == "" || body == "" {
		util.RespondBadRequest(w, "missing item id or body")
		return
	}

	ctrl := s.controllerFor(w, r)
	ctrl.PostComment(id, body)
	IncrementMutation()

	redirectBack(w, r)
}

// commentLikeHandler toggles a like on a comment.
func (s *Server) commentLikeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		util.RespondMethodNotAllowed(w, "POST required")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/comment-like/")
	itemID, commentID, ok := strings.Cut(rest, "/")
	if !ok || itemID == "" || commentID == "" {
		util.RespondBadRequest(w, "expected /comment-like/{item}/{comment}")
		return
	}

	ctrl := s.controllerFor(w, r)
	ctrl.ToggleCommentLike(itemID, commentID)
	IncrementMutation()

	redirectBack(w, r)
}

// imageHandler proxies media through the cache manager. Permanent failures
// fall back to a placeholder so the card never breaks the page.
func (s *Server) imageHandler(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("u")
	if rawURL == "" {
		util.RespondBadRequest(w, "missing u parameter")
		return
	}

	opts := media.DefaultPreloadOptions()
	opts.RetryCount = s.cfg.MediaRetryCount
	opts.MaxAge = s.cfg.MediaMaxAge
	if r.URL.Query().Get("p") == "lazy" {
		opts.Priority = media.PriorityLazy
	}

	res, err := s.media.Preload(r.Context(), rawURL, opts)
	if err != nil {
		if !errors.Is(err, media.ErrNegativeCache) {
			LoggerFromContext(r.Context()).Warn("media load failed", "url", rawURL, "error", err)
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte(placeholderSVG))
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Cache-Control", "max-age=3600")
	w.Write(res.Data)
}

// viewportHandler maps the client's reported scroll geometry onto the
// displayed feed: a band per item, the mounted index range, and whether the
// bottom is close enough to warrant another page. The page script polls it
// while scrolling.
func (s *Server) viewportHandler(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controllerFor(w, r)
	items := ctrl.Displayed()

	vp := layout.Viewport{
		ScrollTop: parseNonNegInt(r.URL.Query().Get("top"), 0),
		Height:    parseIntDefault(r.URL.Query().Get("h"), 800),
		Overscan:  parseNonNegInt(r.URL.Query().Get("overscan"), 400),
		Lookahead: s.cfg.LookaheadPx,
	}
	columns := s.columnsForWidth(parseIntDefault(r.URL.Query().Get("w"), 1200))

	layoutItems := make([]layout.Item, len(items))
	for i := range items {
		layoutItems[i] = layout.Item{ID: items[i].ID, Hint: items[i].SizeHint}
	}
	slots := layout.ComputeLayout(layoutItems, columns, s.cfg.ColumnGap)

	bands := make(map[string]string, len(slots))
	for i, slot := range slots {
		bands[items[i].ID] = layout.Classify(slot, vp, i, s.cfg.InitialEager).String()
	}
	first, last := layout.VisibleRange(slots, vp)
	total := layout.TotalHeight(slots)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_height":  total,
		"first_visible": first,
		"last_visible":  last,
		"load_more":     layout.ApproachingEnd(total, vp) && ctrl.HasMore(),
		"bands":         bands,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","cache_backend":"` + s.cacheBackendType + `"}`))
}

// placeholderSVG is the fallback visual for permanently failed media.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="240" height="240" viewBox="0 0 240 240"><rect width="240" height="240" fill="#e8e8ec"/><text x="120" y="124" text-anchor="middle" fill="#9a9aa4" font-family="sans-serif" font-size="14">image unavailable</text></svg>`

func parseIntDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func parseNonNegInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// redirectBack sends the visitor to the page they came from. Only same-origin
// targets are honored; anything else falls back to the gallery root so the
// Referer header cannot steer the redirect off-site.
func redirectBack(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, sameOriginTarget(r.Header.Get("Referer"), r.Host), http.StatusSeeOther)
}

func sameOriginTarget(ref, host string) string {
	if ref == "" {
		return "/"
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "/"
	}
	if u.Host != "" && u.Host != host {
		return "/"
	}
	target := u.RequestURI()
	// A schemeless "//host/path" reference parses with an empty scheme but a
	// foreign host; the prefix check above catches the host, this one catches
	// parser disagreements over what "//" means.
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return "/"
	}
	return target
}
