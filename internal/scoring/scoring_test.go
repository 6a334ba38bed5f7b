package scoring

import (
	"math"
	"strings"
	"testing"
	"time"

	"memscreen/internal/core"
)

var (
	testNow     = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	richContent = strings.Repeat("the user prefers dark terminal themes ", 5) // ~195 bytes
)

func baseInput() Input {
	return Input{
		Content:   richContent,
		Category:  core.CategoryFact,
		CreatedAt: testNow,
		Now:       testNow,
	}
}

func TestScoreBounds(t *testing.T) {
	inputs := []Input{
		{},
		baseInput(),
		{
			Content:     strings.Repeat("x", 10000),
			Category:    core.CategoryFact,
			AccessCount: 1000,
			CreatedAt:   testNow,
			Now:         testNow,
			Metadata: map[string]any{
				"important": true,
				"entities":  []any{"a", "b", "c", "d"},
				"ocr_text":  "text",
			},
		},
		{Category: core.CategoryGreeting, CreatedAt: testNow.AddDate(-10, 0, 0), Now: testNow},
	}
	for i, in := range inputs {
		s := Score(in)
		if s < 0 || s > 1 {
			t.Errorf("input %d: score %f out of [0,1]", i, s)
		}
	}
}

func TestScoreDeterministic(t *testing.T) {
	in := baseInput()
	in.AccessCount = 2
	in.Metadata = map[string]any{"entities": []any{"cli"}}

	first := Score(in)
	for i := 0; i < 5; i++ {
		if got := Score(in); got != first {
			t.Fatalf("score not deterministic: %f != %f", got, first)
		}
	}
}

func TestScoreCategoryOrdering(t *testing.T) {
	fact := baseInput()
	greeting := baseInput()
	greeting.Category = core.CategoryGreeting

	if Score(fact) <= Score(greeting) {
		t.Errorf("fact %f should outscore greeting %f", Score(fact), Score(greeting))
	}
}

func TestScoreUnknownCategoryFallsBackToGeneral(t *testing.T) {
	unknown := baseInput()
	unknown.Category = core.Category("weird")
	general := baseInput()
	general.Category = core.CategoryGeneral

	if Score(unknown) != Score(general) {
		t.Errorf("unknown category %f should score as general %f", Score(unknown), Score(general))
	}
}

func TestScoreAccessMonotoneAndSaturating(t *testing.T) {
	in := baseInput()
	prev := Score(in)
	for access := 1; access <= 10; access++ {
		in.AccessCount = access
		got := Score(in)
		if got < prev {
			t.Errorf("score decreased from %f to %f at access_count=%d", prev, got, access)
		}
		prev = got
	}

	// log(1+4)/log(5) == 1, so the access component is flat beyond 4.
	in.AccessCount = 4
	atFour := Score(in)
	in.AccessCount = 400
	if got := Score(in); got != atFour {
		t.Errorf("access component should saturate at 4: %f != %f", got, atFour)
	}
}

func TestScoreDecaysWithAge(t *testing.T) {
	fresh := baseInput()
	old := baseInput()
	old.CreatedAt = testNow.AddDate(0, 0, -60)

	sf, so := Score(fresh), Score(old)
	if so >= sf {
		t.Errorf("60-day-old memory %f should score below fresh %f", so, sf)
	}

	// exp(-30/30) = 1/e, so a 30-day-old memory loses 0.20*(1-1/e) ≈ 0.126.
	monthOld := baseInput()
	monthOld.CreatedAt = testNow.AddDate(0, 0, -30)
	wantDrop := 0.20 * (1 - math.Exp(-1))
	if drop := sf - Score(monthOld); math.Abs(drop-wantDrop) > 1e-9 {
		t.Errorf("30-day decay drop = %f, want %f", drop, wantDrop)
	}
}

func TestScoreFutureCreatedAtCountsAsFresh(t *testing.T) {
	fresh := baseInput()
	future := baseInput()
	future.CreatedAt = testNow.Add(time.Hour)

	if Score(future) != Score(fresh) {
		t.Errorf("future created_at %f should score as fresh %f", Score(future), Score(fresh))
	}
}

func TestScoreFlagBonus(t *testing.T) {
	plain := baseInput()
	for _, key := range []string{"important", "starred", "pinned"} {
		flagged := baseInput()
		flagged.Metadata = map[string]any{key: true}
		if diff := Score(flagged) - Score(plain); math.Abs(diff-0.10) > 1e-9 {
			t.Errorf("%s flag bonus = %f, want 0.10", key, diff)
		}
	}

	offFlag := baseInput()
	offFlag.Metadata = map[string]any{"important": false}
	if Score(offFlag) != Score(plain) {
		t.Error("false flag must not add the bonus")
	}
}

func TestRichnessLengthBands(t *testing.T) {
	cases := []struct {
		length int
		want   float64
	}{
		{0, 0},
		{50, 0},
		{51, 0.2},
		{99, 0.2},
		{100, 0.5},
		{500, 0.5},
		{501, 0.3},
		{5000, 0.3},
	}
	for _, tc := range cases {
		got := Richness(strings.Repeat("x", tc.length), nil)
		if got != tc.want {
			t.Errorf("richness(len=%d) = %f, want %f", tc.length, got, tc.want)
		}
	}
}

func TestRichnessStructureAndEntities(t *testing.T) {
	content := strings.Repeat("x", 200) // 0.5 base

	withOCR := Richness(content, map[string]any{"ocr_text": "receipt total 12.99"})
	if withOCR != 0.8 {
		t.Errorf("richness with ocr_text = %f, want 0.8", withOCR)
	}

	oneEntity := Richness(content, map[string]any{"entities": []any{"kubectl"}})
	if math.Abs(oneEntity-0.9) > 1e-9 { // 0.5 + 0.3 structure + 0.1 count
		t.Errorf("richness with one entity = %f, want 0.9", oneEntity)
	}

	manyEntities := Richness(content, map[string]any{"entities": []any{"a", "b", "c"}})
	if manyEntities != 1.0 { // 0.5 + 0.3 + 0.2, capped
		t.Errorf("richness with three entities = %f, want 1.0", manyEntities)
	}

	// Cap holds even when every bonus applies to long content.
	capped := Richness(strings.Repeat("x", 600), map[string]any{
		"entities": []any{"a", "b", "c", "d"},
		"code":     "func main() {}",
	})
	if capped > 1.0 {
		t.Errorf("richness %f exceeds cap", capped)
	}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		score float64
		want  core.Tier
	}{
		{1.0, core.TierWorking},
		{0.7, core.TierWorking},
		{0.699999, core.TierShortTerm},
		{0.4, core.TierShortTerm},
		{0.399999, core.TierLongTerm},
		{0.0, core.TierLongTerm},
	}
	for _, tc := range cases {
		if got := TierFor(tc.score); got != tc.want {
			t.Errorf("TierFor(%f) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestScoreAndTierFreshFactIsWorking(t *testing.T) {
	// Fresh flagged fact: 0.3*0.9 + 0 + 0.2 + 0.1 + 0.1*0.5 = 0.62 without
	// access; with two accesses the access term pushes it past 0.7.
	in := baseInput()
	in.Metadata = map[string]any{"important": true}
	in.AccessCount = 2

	score, tier := ScoreAndTier(in)
	if tier != core.TierWorking {
		t.Errorf("score %f mapped to %s, want working", score, tier)
	}
}
