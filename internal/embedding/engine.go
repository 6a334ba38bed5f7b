// Package embedding turns text and images into fixed-dimension vectors via
// external model endpoints. Providers register themselves; the engine
// validates dimensions on every call and never falls back to zero vectors.
package embedding

import (
	"context"
	"math"
	"sort"
	"sync"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

// Action hints what the vector will be used for. Advisory: some backends
// pick different task types for indexing versus querying. It never changes
// the vector dimension within a deployment.
type Action string

const (
	ActionAdd    Action = "add"
	ActionSearch Action = "search"
	ActionUpdate Action = "update"
)

// Engine is the embedding contract used across the system.
type Engine interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string, action Action) ([]float32, error)

	// EmbedBatch returns vectors for multiple texts, order-preserving.
	EmbedBatch(ctx context.Context, texts []string, action Action) ([][]float32, error)

	// Dimensions returns the configured vector size.
	Dimensions() int

	// Name identifies the backend for logging.
	Name() string
}

// VisionEncoder produces vectors for images. Optional: a nil encoder
// degrades retrieval and ingestion to text-only.
type VisionEncoder interface {
	EncodeImage(ctx context.Context, path string) ([]float32, error)
	Dimensions() int
}

// Constructor builds an engine from provider options.
type Constructor func(opts config.EmbedderOptions) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register installs a provider constructor under name. Provider files call
// this from init.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New builds the engine named by provider.
func New(provider string, opts config.EmbedderOptions) (Engine, error) {
	registryMu.RLock()
	ctor, ok := registry[provider]
	registryMu.RUnlock()
	if !ok {
		return nil, memerr.Errorf("embedding.new", memerr.KindConfig,
			"unknown embedder provider %q (registered: %v)", provider, registeredNames())
	}
	return ctor(opts)
}

func registeredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Result is in [-1, 1]; zero vectors yield 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, memerr.Errorf("embedding.cosine", memerr.KindDimension,
			"vector dimensions differ: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// checkDimensions validates a returned vector against the configured size.
func checkDimensions(op string, vec []float32, want int) error {
	if want > 0 && len(vec) != want {
		return memerr.Errorf(op, memerr.KindDimension,
			"embedding has %d dimensions, configured %d", len(vec), want)
	}
	return nil
}
