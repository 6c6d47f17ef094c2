package util

import "sort"

// SortedCopy returns a sorted copy of the slice without mutating the input.
// Used to build deterministic cache and dedup keys.
func SortedCopy(items []string) []string {
	out := make([]string, len(items))
	copy(out, items)
	sort.Strings(out)
	return out
}

// Dedup returns the unique values of items, preserving first-seen order.
func Dedup(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
