package router

import (
	"sort"
	"strings"
	"unicode/utf8"

	"memscreen/internal/llm"
)

// Tier buckets inputs by how much model they deserve.
type Tier string

const (
	TierTiny   Tier = "tiny"
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// cue groups the bilingual trigger phrases the analyzer scores. Matching is
// a plain substring check on the lowercased input.
type cue struct {
	weight float64
	terms  []string
}

var cues = []cue{
	// Reasoning: the model must connect causes, not just recall.
	{0.25, []string{"why", "because", "explain", "reason", "为什么", "因为", "解释"}},
	// Comparison: at least two subjects held in tension.
	{0.20, []string{"compare", "versus", " vs ", "difference between", "比较", "区别", "对比"}},
	// Multi-step: procedures and plans.
	{0.15, []string{"step", "how to", "guide", "plan", "步骤", "怎么", "如何"}},
	// Creative: open-ended generation.
	{0.20, []string{"write a", "story", "poem", "imagine", "design", "brainstorm", "创作", "设计"}},
}

// Complexity scores an input 0..1 from its length, question density, and
// cue phrases. Deterministic; no model involved.
func Complexity(input string) float64 {
	lower := strings.ToLower(input)

	// Length contributes up to 0.3, saturating at ~400 runes.
	runes := utf8.RuneCountInString(input)
	score := float64(runes) / 400 * 0.3
	if score > 0.3 {
		score = 0.3
	}

	// Each question mark suggests another thing to answer.
	questions := strings.Count(input, "?") + strings.Count(input, "？")
	if questions > 3 {
		questions = 3
	}
	score += float64(questions) * 0.05

	for _, c := range cues {
		for _, t := range c.terms {
			if strings.Contains(lower, t) {
				score += c.weight
				break
			}
		}
	}

	if score > 1 {
		score = 1
	}
	return score
}

// TierFor maps a complexity score to a model tier.
func TierFor(score float64) Tier {
	switch {
	case score < 0.25:
		return TierTiny
	case score < 0.5:
		return TierSmall
	case score < 0.75:
		return TierMedium
	}
	return TierLarge
}

// tierRank orders tiers by capability for fallback walks.
var tierRank = map[Tier]int{TierTiny: 0, TierSmall: 1, TierMedium: 2, TierLarge: 3}

// Model is one routable backend with its placement in the tier table.
type Model struct {
	Name    string
	Tier    Tier
	Quality float64
	Client  llm.Client
}

// Catalog holds the routable models. With a single configured backend the
// catalog degenerates to that model for every tier, which is the common
// local-Ollama deployment.
type Catalog struct {
	models []Model
}

// NewCatalog builds a catalog. Models without a tier default to medium.
func NewCatalog(models ...Model) *Catalog {
	c := &Catalog{models: make([]Model, 0, len(models))}
	for _, m := range models {
		if m.Client == nil {
			continue
		}
		if _, ok := tierRank[m.Tier]; !ok {
			m.Tier = TierMedium
		}
		c.models = append(c.models, m)
	}
	// Stable quality-descending order makes Pick a linear scan.
	sort.SliceStable(c.models, func(i, j int) bool {
		return c.models[i].Quality > c.models[j].Quality
	})
	return c
}

// Empty reports whether no model is routable.
func (c *Catalog) Empty() bool { return len(c.models) == 0 }

// Pick returns the highest-quality model in the requested tier. An
// unpopulated tier falls back to the nearest populated one, preferring one
// step down over one step up; ok is false only for an empty catalog.
func (c *Catalog) Pick(tier Tier) (Model, bool) {
	if len(c.models) == 0 {
		return Model{}, false
	}
	want := tierRank[tier]

	best := -1
	bestDist := 0
	for i, m := range c.models {
		d := tierRank[m.Tier] - want
		if d == 0 {
			return m, true
		}
		// Prefer the smallest downgrade; an upgrade beats a distant downgrade.
		dist := d * 2
		if dist < 0 {
			dist = -dist*2 - 1
		}
		if best == -1 || dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	return c.models[best], true
}
