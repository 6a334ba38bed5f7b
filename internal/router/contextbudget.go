// Chat context assembly. Retrieval can hand back more text than a prompt
// should carry, so the memory block is built against a character budget
// split across tiers: working memories claim the largest share, short-term
// the next, compressed long-term the rest. Allowance a tier leaves unspent
// rolls down to the next one, and relevance order is kept within each tier.

package router

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"memscreen/internal/core"
	"memscreen/internal/retrieval"
)

const (
	defaultContextBudget = 4000

	// minFragment is the smallest worthwhile truncated entry; anything
	// shorter is dropped instead of emitted as a useless stub.
	minFragment = 40
)

// tierShares orders the tiers freshest-first and fixes each one's slice of
// the budget.
var tierShares = []struct {
	tier  core.Tier
	share float64
}{
	{core.TierWorking, 0.5},
	{core.TierShortTerm, 0.3},
	{core.TierLongTerm, 0.2},
}

// contextStats reports what assembly did with the hits.
type contextStats struct {
	Included  int
	Truncated int
	Dropped   int
}

// assembleContext renders hits as the prompt's memory block. Hits without
// a tier rank with working memories.
func assembleContext(hits []retrieval.Hit, budget int) (string, contextStats) {
	if budget <= 0 {
		budget = defaultContextBudget
	}

	buckets := make(map[core.Tier][]*core.Memory, len(tierShares))
	for _, h := range hits {
		mem := core.FromPayload(h.ID, h.Payload)
		tier := mem.Tier
		switch tier {
		case core.TierShortTerm, core.TierLongTerm:
		default:
			tier = core.TierWorking
		}
		buckets[tier] = append(buckets[tier], mem)
	}

	var b strings.Builder
	var stats contextStats
	carry := 0
	for _, ts := range tierShares {
		allowance := int(float64(budget)*ts.share) + carry
		used := 0
		for _, mem := range buckets[ts.tier] {
			entry := contextEntry(mem)
			remaining := allowance - used - 1 // newline
			if len(entry) > remaining {
				if remaining < minFragment {
					stats.Dropped++
					continue
				}
				entry = truncateEntry(entry, remaining)
				stats.Truncated++
			}
			b.WriteString(entry)
			b.WriteByte('\n')
			used += len(entry) + 1
			stats.Included++
		}
		carry = allowance - used
	}
	return b.String(), stats
}

func contextEntry(mem *core.Memory) string {
	if mem.Category != "" {
		return fmt.Sprintf("- [%s] %s", mem.Category, mem.Data)
	}
	return "- " + mem.Data
}

// truncateEntry cuts on a rune boundary and marks the cut.
func truncateEntry(entry string, max int) string {
	cut := max - len("…")
	for cut > 0 && !utf8.RuneStart(entry[cut]) {
		cut--
	}
	return entry[:cut] + "…"
}
