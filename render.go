package main

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"aimagica-server/internal/layout"
	"aimagica-server/internal/types"
)

// RenderItemFunc produces the markup for one feed item. index is the item's
// position in the displayed feed, used for eager/lazy classification.
type RenderItemFunc func(item types.FeedItem, index int) template.HTML

// RenderOptions are the declarative inputs to a feed render pass.
type RenderOptions struct {
	Columns            int
	Gap                int
	InitialRenderCount int            // items that always load eagerly
	RenderItem         RenderItemFunc // nil = default card template
}

var (
	pageTemplate *template.Template
	itemTemplate *template.Template

	commentMarkdown  = goldmark.New()
	commentSanitizer = bluemonday.UGCPolicy()
)

func initTemplates() {
	funcs := template.FuncMap{
		"commentHTML": renderCommentBody,
	}
	pageTemplate = mustCompile("page", funcs, pageTemplateSrc)
	itemTemplate = mustCompile("item", funcs, itemTemplateSrc)
}

func mustCompile(name string, funcs template.FuncMap, src string) *template.Template {
	t, err := template.New(name).Funcs(funcs).Parse(src)
	if err != nil {
		slog.Error("failed to compile template", "template", name, "error", err)
		panic(err)
	}
	return t
}

// renderCommentBody converts a comment's markdown to sanitized HTML.
// Anything bluemonday strips is simply gone; comments are untrusted input.
func renderCommentBody(body string) template.HTML {
	var buf bytes.Buffer
	if err := commentMarkdown.Convert([]byte(body), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(body))
	}
	return template.HTML(commentSanitizer.SanitizeBytes(buf.Bytes()))
}

// columnView is one rendered masonry column.
type columnView struct {
	Items []template.HTML
}

// renderFeed packs the displayed items into masonry columns and renders
// them. Each item's load priority comes from its viewport band; since the
// server renders the initial view, everything below InitialRenderCount is
// lazy.
func renderFeed(items []types.FeedItem, opts RenderOptions) []columnView {
	if len(items) == 0 {
		return nil
	}
	if opts.Columns < 1 {
		opts.Columns = 1
	}
	renderItem := opts.RenderItem
	if renderItem == nil {
		renderItem = func(it types.FeedItem, index int) template.HTML {
			return defaultItemHTML(it, index, opts.InitialRenderCount)
		}
	}

	layoutItems := make([]layout.Item, len(items))
	for i, it := range items {
		layoutItems[i] = layout.Item{ID: it.ID, Hint: it.SizeHint}
	}
	slots := layout.ComputeLayout(layoutItems, opts.Columns, opts.Gap)

	columns := make([]columnView, opts.Columns)
	for i, slot := range slots {
		columns[slot.Column].Items = append(columns[slot.Column].Items, renderItem(items[i], i))
	}
	return columns
}

// defaultItemHTML renders the standard gallery card.
func defaultItemHTML(it types.FeedItem, index, eagerCount int) template.HTML {
	priority := "lazy"
	if index < eagerCount {
		priority = "eager"
	}

	var buf bytes.Buffer
	err := itemTemplate.Execute(&buf, struct {
		Item     types.FeedItem
		Priority string
	}{it, priority})
	if err != nil {
		slog.Error("item render failed", "item", it.ID, "error", err)
		return ""
	}
	return template.HTML(buf.String())
}

// pageData feeds the top-level page template.
type pageData struct {
	Columns  []columnView
	Query    string
	Style    string
	Tag      string
	Styles   []string // facet links, from the displayed items
	Page     int
	HasMore  bool
	NextPage int
}

const itemTemplateSrc = `<article class="card" data-id="{{.Item.ID}}">
  <img src="/img?u={{.Item.MediaURL}}&p={{.Priority}}" alt="{{.Item.Title}}" loading="{{.Priority}}">
  <div class="meta">
    <h3>{{.Item.Title}}</h3>
    <span class="author">{{.Item.Author}}</span>
    <span class="style">{{.Item.Style}}</span>
  </div>
  <div class="stats">
    <form method="post" action="/like/{{.Item.ID}}"><button class="like{{if .Item.Stats.IsLiked}} liked{{end}}">&#9829; <span data-stat="likes">{{.Item.Stats.Likes}}</span></button></form>
    <span data-stat="views">{{.Item.Stats.Views}} views</span>
    <a href="/item/{{.Item.ID}}" data-stat="comments">{{.Item.Stats.Comments}} comments</a>
  </div>
</article>`

const pageTemplateSrc = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>AImagica Gallery</title>
  <link rel="stylesheet" href="/static/gallery.css">
</head>
<body>
  <header>
    <form method="get" action="/">
      <input type="search" name="q" value="{{.Query}}" placeholder="Search images">
      <input type="hidden" name="style" value="{{.Style}}">
      <input type="hidden" name="tag" value="{{.Tag}}">
      <button>Search</button>
    </form>
    {{if .Styles}}
    <nav class="facets">
      <a href="/"{{if not .Style}} class="active"{{end}}>all</a>
      {{$current := .Style}}{{range .Styles}}<a href="/?style={{.}}"{{if eq . $current}} class="active"{{end}}>{{.}}</a>{{end}}
    </nav>
    {{end}}
  </header>
  <main class="masonry">
    {{range .Columns}}<div class="column">{{range .Items}}{{.}}{{end}}</div>{{end}}
  </main>
  {{if .HasMore}}
  <nav class="more">
    <a href="/?page={{.NextPage}}{{if .Query}}&q={{.Query}}{{end}}{{if .Style}}&style={{.Style}}{{end}}" rel="next">Load more</a>
  </nav>
  {{end}}
  <script src="/static/live.js" defer></script>
</body>
</html>`

// renderPage writes the full gallery page.
func renderPage(data pageData) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("page render: %w", err)
	}
	return buf.String(), nil
}

// commentListHTML renders an item's comments, marking pending and failed
// ones so optimistic state is always distinguishable.
func commentListHTML(comments []types.Comment) template.HTML {
	if len(comments) == 0 {
		return `<p class="no-comments">No comments yet.</p>`
	}
	var sb strings.Builder
	sb.WriteString(`<ul class="comments">`)
	for _, c := range comments {
		class := ""
		switch {
		case c.Failed:
			class = ` class="failed"`
		case c.Pending:
			class = ` class="pending"`
		}
		sb.WriteString(`<li` + class + `><strong>` + template.HTMLEscapeString(c.Author) + `</strong> `)
		sb.WriteString(string(renderCommentBody(c.Body)))
		if c.Failed {
			sb.WriteString(`<em class="notice">failed to post</em>`)
		} else if c.Pending {
			sb.WriteString(`<em class="notice">posting&hellip;</em>`)
		}
		sb.WriteString(`</li>`)
	}
	sb.WriteString(`</ul>`)
	return template.HTML(sb.String())
}
