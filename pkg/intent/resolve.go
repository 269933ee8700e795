package intent

import "sort"

// sortCandidates orders conflicting intents by descending priority; among
// equal priority the earlier creation time wins. Ties beyond that break on
// ID so every peer derives the same order.
func sortCandidates(candidates []*Intent) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
