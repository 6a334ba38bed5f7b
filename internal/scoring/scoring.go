// Package scoring computes the importance score that drives tier
// assignment. Scoring is a pure function of its inputs; "now" is always
// passed in so the same inputs produce the same score.
package scoring

import (
	"math"
	"time"

	"memscreen/internal/core"
)

// Weights of the score components. They sum to 1.0 so the clamp only
// matters for pathological metadata.
const (
	weightCategory = 0.30
	weightAccess   = 0.30
	weightRecency  = 0.20
	weightFlags    = 0.10
	weightRichness = 0.10
)

// Tier boundaries.
const (
	workingThreshold   = 0.7
	shortTermThreshold = 0.4
)

// categoryWeights is the fixed per-category base value. Unknown
// categories fall back to the general weight.
var categoryWeights = map[core.Category]float64{
	core.CategoryFact:         0.90,
	core.CategoryProcedure:    0.85,
	core.CategoryCode:         0.80,
	core.CategoryTask:         0.75,
	core.CategoryConcept:      0.70,
	core.CategoryDocument:     0.65,
	core.CategoryQuestion:     0.60,
	core.CategoryConversation: 0.55,
	core.CategoryGeneral:      0.50,
	core.CategoryImage:        0.45,
	core.CategoryVideo:        0.40,
	core.CategoryGreeting:     0.20,
}

// structuralKeys marks metadata fields whose presence indicates extracted
// structure (entities, OCR, code blocks, frame details).
var structuralKeys = []string{
	"entities", "ocr_text", "code", "frame_details", "structured",
}

// flagKeys are the pin/star markers users set on memories they care about.
var flagKeys = []string{"important", "starred", "pinned"}

// Input is everything the scorer looks at.
type Input struct {
	Content     string
	Category    core.Category
	Metadata    map[string]any
	AccessCount int
	CreatedAt   time.Time
	Now         time.Time
}

// Score returns the importance score in [0,1].
func Score(in Input) float64 {
	s := weightCategory*categoryWeight(in.Category) +
		weightAccess*accessComponent(in.AccessCount) +
		weightRecency*recencyComponent(in.CreatedAt, in.Now) +
		weightFlags*flagComponent(in.Metadata) +
		weightRichness*Richness(in.Content, in.Metadata)
	return clamp01(s)
}

// TierFor maps a score to its lifecycle tier.
func TierFor(score float64) core.Tier {
	switch {
	case score >= workingThreshold:
		return core.TierWorking
	case score >= shortTermThreshold:
		return core.TierShortTerm
	default:
		return core.TierLongTerm
	}
}

// ScoreAndTier is the common combined call.
func ScoreAndTier(in Input) (float64, core.Tier) {
	s := Score(in)
	return s, TierFor(s)
}

func categoryWeight(c core.Category) float64 {
	if w, ok := categoryWeights[c]; ok {
		return w
	}
	return categoryWeights[core.CategoryGeneral]
}

// accessComponent saturates at access_count = 4: log(1+4)/log(5) = 1.
func accessComponent(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	v := math.Log(1+float64(accessCount)) / math.Log(5)
	return math.Min(1, v)
}

// recencyComponent decays with a 30-day half-ish life: exp(-days/30).
// Timestamps in the future count as zero days old.
func recencyComponent(createdAt, now time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	days := now.Sub(createdAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / 30)
}

func flagComponent(meta map[string]any) float64 {
	for _, key := range flagKeys {
		if truthy(meta[key]) {
			return 1
		}
	}
	return 0
}

// Richness measures content substance: a length band, a bonus for
// extracted structure, and a bonus scaled by entity count. Capped at 1.
func Richness(content string, meta map[string]any) float64 {
	var r float64
	switch n := len(content); {
	case n >= 100 && n <= 500:
		r = 0.5
	case n > 500:
		r = 0.3
	case n > 50:
		r = 0.2
	}

	for _, key := range structuralKeys {
		if _, ok := meta[key]; ok {
			r += 0.3
			break
		}
	}

	switch n := entityCount(meta); {
	case n >= 3:
		r += 0.2
	case n >= 1:
		r += 0.1
	}

	return math.Min(1, r)
}

func entityCount(meta map[string]any) int {
	v, ok := meta["entities"]
	if !ok {
		return 0
	}
	switch list := v.(type) {
	case []any:
		return len(list)
	case []string:
		return len(list)
	case []map[string]any:
		return len(list)
	case string:
		if list == "" {
			return 0
		}
		return 1
	default:
		return 0
	}
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1" || b == "yes"
	case float64:
		return b != 0
	case int:
		return b != 0
	default:
		return false
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
