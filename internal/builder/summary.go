package builder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pwnguard/pwnguard/internal/hibp"
)

// Summary reports what a Run did.
type Summary struct {
	Fetched      int
	Unchanged    int
	SkippedFresh int
	Failed       map[hibp.ShardID]error

	FilterEntries  uint64
	FilterCapacity uint64
	Aborted        bool
	AbortReason    error
}

func newSummary() *Summary {
	return &Summary{Failed: make(map[hibp.ShardID]error)}
}

// Load returns the fraction of filter capacity consumed.
func (s *Summary) Load() float64 {
	if s.FilterCapacity == 0 {
		return 0
	}
	return float64(s.FilterEntries) / float64(s.FilterCapacity)
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetched=%d unchanged=%d skipped_fresh=%d failed=%d filter_load=%.6f (%d/%d)",
		s.Fetched, s.Unchanged, s.SkippedFresh, len(s.Failed), s.Load(), s.FilterEntries, s.FilterCapacity)
	if s.Aborted {
		fmt.Fprintf(&b, " ABORTED: %v", s.AbortReason)
	}
	if len(s.Failed) > 0 {
		ids := make([]hibp.ShardID, 0, len(s.Failed))
		for id := range s.Failed {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fmt.Fprintf(&b, "\n  shard %s: %v", id.Prefix(), s.Failed[id])
		}
	}
	return b.String()
}
