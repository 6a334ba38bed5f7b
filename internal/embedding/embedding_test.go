package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

// fakeOllama serves /api/embeddings with deterministic vectors and counts
// requests per prompt.
type fakeOllama struct {
	mu       sync.Mutex
	requests map[string]int
	dims     int
	fail     atomic.Bool
}

func newFakeOllama(dims int) *fakeOllama {
	return &fakeOllama{requests: map[string]int{}, dims: dims}
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if f.fail.Load() {
			http.Error(w, "model exploded", http.StatusInternalServerError)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests[req.Prompt]++
		f.mu.Unlock()

		vec := make([]float32, f.dims)
		for i := range vec {
			vec[i] = float32(len(req.Prompt)%7) + float32(i)
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "nomic-embed-text:latest"}},
		})
	})
	return mux
}

func (f *fakeOllama) count(prompt string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[prompt]
}

func newTestEngine(t *testing.T, fake *fakeOllama) *OllamaEngine {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	eng, err := NewOllamaEngine(config.EmbedderOptions{
		Model:         "nomic-embed-text",
		BaseURL:       srv.URL,
		EmbeddingDims: fake.dims,
	})
	require.NoError(t, err)
	return eng
}

func TestOllamaEngine_Embed(t *testing.T) {
	fake := newFakeOllama(8)
	eng := newTestEngine(t, fake)

	vec, err := eng.Embed(context.Background(), "hello", ActionAdd)
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, "ollama/nomic-embed-text", eng.Name())
}

func TestOllamaEngine_DimensionMismatch(t *testing.T) {
	fake := newFakeOllama(8)
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	eng, err := NewOllamaEngine(config.EmbedderOptions{
		Model:         "nomic-embed-text",
		BaseURL:       srv.URL,
		EmbeddingDims: 16, // server returns 8
	})
	require.NoError(t, err)

	_, err = eng.Embed(context.Background(), "hello", ActionAdd)
	require.Error(t, err)
	assert.True(t, memerr.IsDimension(err))
}

func TestOllamaEngine_UpstreamError(t *testing.T) {
	fake := newFakeOllama(8)
	fake.fail.Store(true)
	eng := newTestEngine(t, fake)

	_, err := eng.Embed(context.Background(), "hello", ActionAdd)
	require.Error(t, err)
	assert.True(t, memerr.IsUpstream(err))
}

func TestOllamaEngine_EmbedBatchPreservesOrder(t *testing.T) {
	fake := newFakeOllama(4)
	eng := newTestEngine(t, fake)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"}
	vecs, err := eng.EmbedBatch(context.Background(), texts, ActionAdd)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for i, text := range texts {
		want, err := eng.Embed(context.Background(), text, ActionAdd)
		require.NoError(t, err)
		assert.Equal(t, want, vecs[i], "batch result %d out of order", i)
	}
}

func TestOllamaEngine_EnsureModelKnown(t *testing.T) {
	fake := newFakeOllama(4)
	eng := newTestEngine(t, fake)
	require.NoError(t, eng.EnsureModel(context.Background()))
}

func TestCachingEngine_SecondCallSkipsBackend(t *testing.T) {
	fake := newFakeOllama(4)
	eng := WithCache(newTestEngine(t, fake), 10)

	first, err := eng.Embed(context.Background(), "repeat me", ActionAdd)
	require.NoError(t, err)
	second, err := eng.Embed(context.Background(), "repeat me", ActionAdd)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fake.count("repeat me"), "cache should absorb the second call")
	assert.Equal(t, 1, eng.CacheLen())
}

func TestCachingEngine_BatchOnlyEmbedsMisses(t *testing.T) {
	fake := newFakeOllama(4)
	eng := WithCache(newTestEngine(t, fake), 10)

	_, err := eng.Embed(context.Background(), "warm", ActionAdd)
	require.NoError(t, err)

	vecs, err := eng.EmbedBatch(context.Background(), []string{"warm", "cold"}, ActionAdd)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, 1, fake.count("warm"))
	assert.Equal(t, 1, fake.count("cold"))
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}

	same, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, same, 1e-9)

	orth, err := CosineSimilarity(a, c)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, orth, 1e-9)

	_, err = CosineSimilarity(a, []float32{1, 2})
	require.Error(t, err)
	assert.True(t, memerr.IsDimension(err))

	zero, err := CosineSimilarity([]float32{0, 0, 0}, a)
	require.NoError(t, err)
	assert.Equal(t, 0.0, zero)
}

func TestTaskTypeFor(t *testing.T) {
	// Write and search sides must land on the paired retrieval task types
	// the embedding API defines; anything else compares by similarity.
	assert.Equal(t, "RETRIEVAL_QUERY", taskTypeFor(ActionSearch))
	assert.Equal(t, "RETRIEVAL_DOCUMENT", taskTypeFor(ActionAdd))
	assert.Equal(t, "RETRIEVAL_DOCUMENT", taskTypeFor(ActionUpdate))
	assert.Equal(t, "SEMANTIC_SIMILARITY", taskTypeFor(Action("compare")))
}

func TestRegistry_UnknownProvider(t *testing.T) {
	_, err := New("chroma", config.EmbedderOptions{})
	require.Error(t, err)
	assert.True(t, memerr.IsConfig(err))
}

func TestRegistry_OllamaRegistered(t *testing.T) {
	fake := newFakeOllama(4)
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	eng, err := New("ollama", config.EmbedderOptions{
		Model: "m", BaseURL: srv.URL, EmbeddingDims: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, eng.Dimensions())
}
