package types

import "time"

// SizeHint describes the expected shape of an image before its real
// dimensions are known. The layout engine maps hints to provisional heights.
type SizeHint string

const (
	SizeSmall      SizeHint = "small"
	SizeMedium     SizeHint = "medium"
	SizeLarge      SizeHint = "large"
	SizeVertical   SizeHint = "vertical"
	SizeHorizontal SizeHint = "horizontal"
)

// ValidSizeHint reports whether s is one of the known hints.
func ValidSizeHint(s SizeHint) bool {
	switch s {
	case SizeSmall, SizeMedium, SizeLarge, SizeVertical, SizeHorizontal:
		return true
	}
	return false
}

// StatBlock holds the mutable counters attached to a feed item.
// Two writers exist: the optimistic path (immediate, local) and server
// reconciliation (authoritative, arrives later and wins on conflict).
type StatBlock struct {
	Likes    int  `json:"likes"`
	Views    int  `json:"views"`
	Comments int  `json:"comments"`
	IsLiked  bool `json:"is_liked"`
}

// FeedItem is one unit of gallery content. ID is an opaque key, unique
// within a feed session.
type FeedItem struct {
	ID        string    `json:"id"`
	MediaURL  string    `json:"media_url"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Style     string    `json:"style"`
	Tags      []string  `json:"tags,omitempty"`
	SizeHint  SizeHint  `json:"size_hint"`
	CreatedAt time.Time `json:"created_at"`
	Stats     StatBlock `json:"stats"`
}

// HasTag reports whether the item carries the given tag (case-sensitive).
func (it *FeedItem) HasTag(tag string) bool {
	for _, t := range it.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Comment is a single comment on a feed item. Optimistic comments carry a
// locally generated ID until the server assigns a real one.
type Comment struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Likes     int       `json:"likes"`
	IsLiked   bool      `json:"is_liked"`
	CreatedAt time.Time `json:"created_at"`

	// Pending is true while the comment has not been confirmed by the
	// server; Failed is true once submission has definitively failed.
	// A failed comment must be visibly flagged, never silently kept.
	Pending bool `json:"pending,omitempty"`
	Failed  bool `json:"failed,omitempty"`
}

// StatUpdate is broadcast to live viewers when an authoritative stat
// reconciliation lands for an item.
type StatUpdate struct {
	ItemID   string    `json:"item_id"`
	Stats    StatBlock `json:"stats"`
	Received time.Time `json:"received"`
}

// LikeResult is the mutation endpoint's authoritative answer to a like toggle.
type LikeResult struct {
	Liked    bool `json:"liked"`
	NewCount int  `json:"new_count"`
}

// Page is one page of feed items from the content source.
type Page struct {
	Items   []FeedItem `json:"items"`
	HasMore bool       `json:"has_more"`
}
