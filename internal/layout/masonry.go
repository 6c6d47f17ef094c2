// Package layout computes masonry placements and viewport visibility for the
// gallery feed. Everything here is pure: no goroutines, no mutable
// package state, so the same inputs always produce the same packing.
package layout

import "aimagica-server/internal/types"

// Slot is one item's placement: column index, offset from the top of that
// column, and the height used while packing. Slots are derived state and
// are recomputed whenever order, column count or a measured height changes.
type Slot struct {
	Column int
	Top    int
	Height int
}

// Item is the layout engine's view of a feed item: a size hint for the
// provisional height and, once the client has reported it, the real
// rendered height which then replaces the hint.
type Item struct {
	ID             string
	Hint           types.SizeHint
	MeasuredHeight int // 0 = unknown, use the hint
}

// Provisional heights per size hint, in CSS pixels at the reference column
// width. Matched to the hosted gallery's thumbnail presets.
var hintHeights = map[types.SizeHint]int{
	types.SizeSmall:      180,
	types.SizeMedium:     240,
	types.SizeLarge:      320,
	types.SizeVertical:   420,
	types.SizeHorizontal: 200,
}

const defaultHintHeight = 240

// jitterSteps adds a small deterministic per-index variation so rows of
// identical hints don't land visually flush.
var jitterSteps = [...]int{0, 18, 7, 29, 12, 41, 3, 24}

// HeightFor returns the packing height for an item at the given feed index.
// A measured height always wins over the hint.
func HeightFor(it Item, index int) int {
	if it.MeasuredHeight > 0 {
		return it.MeasuredHeight
	}
	h, ok := hintHeights[it.Hint]
	if !ok {
		h = defaultHintHeight
	}
	return h + jitterSteps[index%len(jitterSteps)]
}

// ComputeLayout packs items into columns using greedy shortest-column-first
// placement: each item lands in the column with the smallest accumulated
// height, ties broken by the leftmost column. Returns one slot per item in
// input order. columns < 1 is treated as 1; an empty item list yields an
// empty slice and no work.
func ComputeLayout(items []Item, columns, gap int) []Slot {
	if len(items) == 0 {
		return nil
	}
	if columns < 1 {
		columns = 1
	}

	heights := make([]int, columns)
	slots := make([]Slot, len(items))

	for i, it := range items {
		col := 0
		for c := 1; c < columns; c++ {
			if heights[c] < heights[col] {
				col = c
			}
		}

		top := heights[col]
		if top > 0 {
			top += gap
		}
		h := HeightFor(it, i)

		slots[i] = Slot{Column: col, Top: top, Height: h}
		heights[col] = top + h
	}

	return slots
}

// TotalHeight returns the height of the tallest column for a computed
// layout, i.e. the rendered height of the whole feed.
func TotalHeight(slots []Slot) int {
	max := 0
	for _, s := range slots {
		if bottom := s.Top + s.Height; bottom > max {
			max = bottom
		}
	}
	return max
}

// ColumnsForWidth derives the column count from the viewport width and a
// minimum item width, never dropping below one column. Changing the result
// invalidates every prior slot: masonry packing is not local, so callers
// must relayout from item zero.
func ColumnsForWidth(viewportWidth, minItemWidth, gap int) int {
	if minItemWidth <= 0 || viewportWidth <= minItemWidth {
		return 1
	}
	// n items need n*minItemWidth + (n-1)*gap.
	n := (viewportWidth + gap) / (minItemWidth + gap)
	if n < 1 {
		n = 1
	}
	return n
}
