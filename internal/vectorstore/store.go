// Package vectorstore provides the embedding stores behind the memory
// engine. Every provider implements the same collection-scoped contract;
// the multimodal wrapper pairs a text and a vision collection over it.
package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Record is a stored memory point.
type Record struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchResult is one scored hit. Score is in [0,1], higher is better.
type SearchResult struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Store is a single named collection of vectors with payloads.
//
// Semantics shared by all providers: Get on a missing id fails with
// NotFound; Delete on a missing id is a no-op; Insert with a wrong-length
// vector fails with DimensionError; filters are conjunctive exact-match
// over payload scalar fields; result ordering is strict by score with ties
// broken by id.
type Store interface {
	Insert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error

	// Update replaces the vector and/or payload of an existing record. A
	// nil vector keeps the stored vector; a nil payload keeps the stored
	// payload.
	Update(ctx context.Context, id string, vector []float32, payload map[string]any) error

	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filters map[string]any, limit int) ([]Record, error)
	Search(ctx context.Context, vector []float32, limit int, filters map[string]any) ([]SearchResult, error)

	// Reset drops every record in the collection.
	Reset(ctx context.Context) error

	Close() error
}

// matchFilters reports whether payload satisfies every filter entry.
// Values compare by their string forms so a payload that round-tripped
// through a string-typed metadata store still matches.
func matchFilters(payload map[string]any, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// normalizeCosine maps a cosine similarity in [-1,1] onto [0,1].
func normalizeCosine(sim float64) float64 {
	s := (1 + sim) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// sortResults orders by descending score, ties by ascending id.
func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// cosine computes similarity between two same-length vectors; zero vectors
// yield 0.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
