// Package conflict detects and resolves collisions between a candidate
// memory and the existing memories near it. Detection runs three levels:
// content digest, cosine similarity gate, and LLM adjudication.
package conflict

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"memscreen/internal/cache"
	"memscreen/internal/core"
	"memscreen/internal/embedding"
	"memscreen/internal/llm"
	"memscreen/internal/memerr"
	"memscreen/internal/prompts"
)

// Kind classifies the relationship between two memory texts.
type Kind string

const (
	KindDuplicate     Kind = "duplicate"
	KindEquivalent    Kind = "equivalent"
	KindContradictory Kind = "contradictory"
	KindComplementary Kind = "complementary"
	KindUnrelated     Kind = "unrelated"
)

// Action is what the pipeline does about a detected conflict.
type Action string

const (
	// ActionSkip drops the candidate without writing anything.
	ActionSkip Action = "skip"
	// ActionSkipBump drops the candidate and bumps the existing
	// memory's access count.
	ActionSkipBump Action = "skip_bump"
	// ActionMarkConflict annotates the existing memory with a
	// contradiction record; the candidate is still added.
	ActionMarkConflict Action = "mark_conflict"
	// ActionMerge rewrites the existing memory with a merged text; the
	// candidate is not inserted separately.
	ActionMerge Action = "merge"
	// ActionKeepBoth inserts the candidate normally.
	ActionKeepBoth Action = "keep_both"
)

// actionByKind is the fixed resolution table. The LLM also suggests an
// action but the table is authoritative.
var actionByKind = map[Kind]Action{
	KindDuplicate:     ActionSkip,
	KindEquivalent:    ActionSkipBump,
	KindContradictory: ActionMarkConflict,
	KindComplementary: ActionMerge,
	KindUnrelated:     ActionKeepBoth,
}

// ActionFor maps a detected kind to its resolution action.
func ActionFor(kind Kind) Action {
	if a, ok := actionByKind[kind]; ok {
		return a
	}
	return ActionKeepBoth
}

// Candidate is the new memory under consideration.
type Candidate struct {
	Data   string
	Vector []float32
}

// Existing is one stored neighbor of the candidate.
type Existing struct {
	ID     string
	Data   string
	Hash   string
	Vector []float32
}

// Conflict is one detected collision between the candidate and an
// existing memory.
type Conflict struct {
	MemoryID   string
	Data       string
	Kind       Kind
	Confidence float64
	Action     Action
}

// verdict is the cached LLM adjudication output. The suggested action is
// advisory; the resolution table decides what actually happens.
type verdict struct {
	Kind       Kind    `json:"kind"`
	Confidence float64 `json:"confidence"`
	Action     string  `json:"action"`
}

const (
	defaultThreshold = 0.95
	defaultCacheSize = 256

	// previewLen bounds the conflicting text stored in contradiction
	// metadata.
	previewLen = 100
)

// Option tunes a Resolver.
type Option func(*Resolver)

// WithThreshold overrides the cosine gate for Level 2.
func WithThreshold(theta float64) Option {
	return func(r *Resolver) { r.threshold = theta }
}

// WithCacheSize resizes the adjudication cache.
func WithCacheSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.verdicts = cache.NewLRU(n)
		}
	}
}

// WithClock injects time, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// Resolver runs conflict detection and owns the adjudication cache.
type Resolver struct {
	client    llm.Client
	library   *prompts.Library
	logger    *zap.Logger
	threshold float64
	verdicts  *cache.LRU
	now       func() time.Time
}

// NewResolver builds a Resolver around an LLM client and prompt library.
func NewResolver(client llm.Client, library *prompts.Library, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		client:    client,
		library:   library,
		logger:    logger,
		threshold: defaultThreshold,
		verdicts:  cache.NewLRU(defaultCacheSize),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Survey checks the candidate against each existing memory and returns
// the detected conflicts. Pairs that fail the cosine gate produce no
// entry; LLM failures degrade that pair to unrelated/keep_both.
func (r *Resolver) Survey(ctx context.Context, candidate Candidate, existing []Existing) []Conflict {
	candidateHash := core.HashData(candidate.Data)

	var conflicts []Conflict
	for _, e := range existing {
		// Level 1: digest. Identical content is a duplicate, no LLM needed.
		hash := e.Hash
		if hash == "" {
			hash = core.HashData(e.Data)
		}
		if hash == candidateHash {
			conflicts = append(conflicts, Conflict{
				MemoryID:   e.ID,
				Data:       e.Data,
				Kind:       KindDuplicate,
				Confidence: 1.0,
				Action:     ActionSkip,
			})
			continue
		}

		// Level 2: cosine gate. Dissimilar pairs are not conflicts.
		if len(candidate.Vector) == 0 || len(e.Vector) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(candidate.Vector, e.Vector)
		if err != nil {
			r.logger.Warn("conflict cosine failed",
				zap.String("memory_id", e.ID), zap.Error(err))
			continue
		}
		if sim < r.threshold {
			continue
		}

		// Level 3: LLM adjudication.
		v := r.adjudicate(ctx, candidateHash, hash, candidate.Data, e.Data)
		conflicts = append(conflicts, Conflict{
			MemoryID:   e.ID,
			Data:       e.Data,
			Kind:       v.Kind,
			Confidence: v.Confidence,
			Action:     ActionFor(v.Kind),
		})
	}
	return conflicts
}

// adjudicate asks the LLM how two texts relate, with an LRU over the
// (candidate hash, existing hash) pair.
func (r *Resolver) adjudicate(ctx context.Context, candidateHash, existingHash, candidateData, existingData string) verdict {
	key := cache.PairKey(candidateHash, existingHash)
	if cached, ok := r.verdicts.Get(key); ok {
		return cached.(verdict)
	}

	v, err := r.ask(ctx, candidateData, existingData)
	if err != nil {
		r.logger.Warn("conflict adjudication degraded to keep_both", zap.Error(err))
		return verdict{Kind: KindUnrelated, Confidence: 0, Action: string(ActionKeepBoth)}
	}
	r.verdicts.Set(key, v)
	return v
}

func (r *Resolver) ask(ctx context.Context, candidateData, existingData string) (verdict, error) {
	const op = "conflict.ask"

	prompt := prompts.Render(r.library.Get(prompts.KeyConflict), map[string]string{
		"new":      candidateData,
		"existing": existingData,
	})
	raw, err := r.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, llm.Options{UseCase: llm.UseCaseMemory, JSONMode: true})
	if err != nil {
		return verdict{}, err
	}

	var v verdict
	if err := llm.Decode(raw, &v); err != nil {
		return verdict{}, err
	}
	switch v.Kind {
	case KindDuplicate, KindEquivalent, KindContradictory, KindComplementary, KindUnrelated:
	default:
		return verdict{}, memerr.Errorf(op, memerr.KindParse, "unknown conflict kind %q", v.Kind)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v, nil
}

// Merge produces the combined text for a complementary pair. The first
// text is the existing memory, the second the candidate.
func (r *Resolver) Merge(ctx context.Context, existingData, candidateData string) (string, error) {
	prompt := prompts.Render(r.library.Get(prompts.KeyMerge), map[string]string{
		"first":  existingData,
		"second": candidateData,
	})
	out, err := r.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}, llm.Options{UseCase: llm.UseCaseSummary})
	if err != nil {
		return "", err
	}
	return out, nil
}

// ContradictionRecord builds the metadata annotation for a contradicted
// memory. The conflicting text is previewed, not stored whole.
func (r *Resolver) ContradictionRecord(conflictingData string) map[string]any {
	preview := conflictingData
	if utf8.RuneCountInString(preview) > previewLen {
		runes := []rune(preview)
		preview = string(runes[:previewLen])
	}
	return map[string]any{
		"detected_at":         core.FormatTime(r.now(), nil),
		"conflicting_preview": preview,
	}
}

// CacheLen reports how many adjudications are cached.
func (r *Resolver) CacheLen() int {
	return r.verdicts.Len()
}
