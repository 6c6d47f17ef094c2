package layout

// Band classifies an item relative to the viewport. It decides whether the
// item is mounted at all and how urgently its image should load.
type Band int

const (
	// BandEager items are within or just outside the viewport and load
	// immediately.
	BandEager Band = iota
	// BandLazy items are mounted but past the eager threshold; their
	// images queue behind eager loads.
	BandLazy
	// BandUnmounted items are far outside the viewport and are not
	// rendered at all.
	BandUnmounted
)

func (b Band) String() string {
	switch b {
	case BandLazy:
		return "lazy"
	case BandUnmounted:
		return "unmounted"
	default:
		return "eager"
	}
}

// Viewport is the current scroll geometry. All classification is a pure
// function of these numbers plus each slot; nothing owns "is visible" state
// between ticks.
type Viewport struct {
	ScrollTop int // offset of the viewport's top edge from the feed's top
	Height    int
	// Overscan extends the mounted region above and below the viewport so
	// slow scrolling never shows an unmounted gap.
	Overscan int
	// Lookahead is the distance below the viewport within which the feed
	// asks for another page.
	Lookahead int
}

// Classify places one slot into a band. index and eagerCount implement the
// initial-page rule: the first eagerCount items of a fresh feed always load
// eagerly regardless of geometry, so the above-the-fold render never waits
// on scroll events.
func Classify(s Slot, vp Viewport, index, eagerCount int) Band {
	if index < eagerCount {
		return BandEager
	}

	top := vp.ScrollTop - vp.Overscan
	bottom := vp.ScrollTop + vp.Height + vp.Overscan

	if s.Top+s.Height < top || s.Top > bottom {
		return BandUnmounted
	}

	// Visible but below the fold proper: load, but don't compete with
	// what the visitor is actually looking at.
	if s.Top > vp.ScrollTop+vp.Height {
		return BandLazy
	}
	return BandEager
}

// VisibleRange returns the index range [first, last] of mounted slots, or
// (0, -1) when nothing is mounted. Slots must be in feed order.
func VisibleRange(slots []Slot, vp Viewport) (int, int) {
	first, last := 0, -1
	found := false
	for i, s := range slots {
		if Classify(s, vp, i, 0) == BandUnmounted {
			continue
		}
		if !found {
			first = i
			found = true
		}
		last = i
	}
	return first, last
}

// ApproachingEnd reports whether the bottom of the rendered feed is within
// the lookahead distance of the viewport's bottom edge. This is the sole
// trigger for loading another page; duplicate firing on the same scroll
// position is suppressed by the controller's in-flight flag, not here.
// A zero-height feed never triggers.
func ApproachingEnd(totalHeight int, vp Viewport) bool {
	if totalHeight <= 0 {
		return false
	}
	return totalHeight-(vp.ScrollTop+vp.Height) <= vp.Lookahead
}
