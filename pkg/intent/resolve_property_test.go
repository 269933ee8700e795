//go:build property
// +build property

package intent

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestResolutionOrderPicksMaximum verifies the winner of any conflict set
// is the candidate with the highest priority, breaking ties on the earlier
// creation time.
func TestResolutionOrderPicksMaximum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("winner maximizes (priority, earliest time)", prop.ForAll(
		func(priorities []int, offsets []int64) bool {
			n := len(priorities)
			if len(offsets) < n {
				n = len(offsets)
			}
			if n < 2 {
				return true
			}

			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			candidates := make([]*Intent, n)
			for i := 0; i < n; i++ {
				candidates[i] = &Intent{
					ID:        fmt.Sprintf("intent-%d", i),
					Priority:  priorities[i],
					CreatedAt: base.Add(time.Duration(offsets[i]) * time.Second),
				}
			}

			sortCandidates(candidates)
			winner := candidates[0]
			for _, other := range candidates[1:] {
				if other.Priority > winner.Priority {
					return false
				}
				if other.Priority == winner.Priority && other.CreatedAt.Before(winner.CreatedAt) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 10)),
		gen.SliceOf(gen.Int64Range(0, 3600)),
	))

	properties.Property("order is deterministic under shuffling", prop.ForAll(
		func(priorities []int) bool {
			if len(priorities) < 2 {
				return true
			}
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			build := func() []*Intent {
				out := make([]*Intent, len(priorities))
				for i, p := range priorities {
					out[i] = &Intent{
						ID:        fmt.Sprintf("intent-%d", i),
						Priority:  p,
						CreatedAt: base,
					}
				}
				return out
			}

			forward := build()
			reversed := build()
			for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
				reversed[i], reversed[j] = reversed[j], reversed[i]
			}

			sortCandidates(forward)
			sortCandidates(reversed)
			for i := range forward {
				if forward[i].ID != reversed[i].ID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
