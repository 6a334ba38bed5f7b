package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"memscreen/internal/config"
	"memscreen/internal/core"
	"memscreen/internal/memory"
)

func TestMain(m *testing.M) {
	// opencensus (an indirect dependency) starts this worker in package
	// init, before any test runs; it is not a leak in this module.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const testDims = 8

func testVector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	vec := make([]float32, testDims)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	return vec
}

// fixture runs a real engine against a stubbed model server and exposes the
// API over httptest. failEmbeds flips the embedding backend into a 500 loop.
type fixture struct {
	api        *httptest.Server
	engine     *memory.Engine
	failEmbeds atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if f.failEmbeds.Load() {
			http.Error(w, "model crashed", http.StatusInternalServerError)
			return
		}
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": testVector(req.Prompt)})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "test-embed"}}})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Format string `json:"format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		content := "You pinned the build to Go 1.24."
		if req.Format == "json" {
			content = `{"facts": []}`
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "test-chat",
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		})
	})
	models := httptest.NewServer(mux)
	t.Cleanup(models.Close)

	cfg := config.Default()
	cfg.Dir = t.TempDir()
	cfg.Timezone = "UTC"
	cfg.Embedder.Config.Model = "test-embed"
	cfg.Embedder.Config.BaseURL = models.URL
	cfg.Embedder.Config.EmbeddingDims = testDims
	cfg.LLM.Config.Model = "test-chat"
	cfg.LLM.Config.BaseURL = models.URL
	cfg.MLLM = config.LLMConfig{}
	cfg.EnableGraph = false
	require.NoError(t, cfg.ResolvePaths())

	engine, err := memory.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, engine.Close()) })

	f.engine = engine
	f.api = httptest.NewServer(New(engine, zap.NewNop()).Handler())
	t.Cleanup(f.api.Close)
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.api.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.api.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// addMemory stores one raw memory for u1 and returns its id.
func (f *fixture) addMemory(t *testing.T, content string) string {
	t.Helper()
	infer := false
	resp := f.post(t, "/v1/memories", addRequest{
		Messages: []memory.Message{{Role: "user", Content: content}},
		UserID:   "u1",
		Infer:    &infer,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Results []core.ActionRecord `json:"results"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Results, 1)
	return out.Results[0].ID
}

func TestAddEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.addMemory(t, "the sprint review moved to thursdays")
	assert.NotEmpty(t, id)
}

func TestAddRequiresScope(t *testing.T) {
	f := newFixture(t)
	infer := false
	resp := f.post(t, "/v1/memories", addRequest{
		Messages: []memory.Message{{Role: "user", Content: "unowned"}},
		Infer:    &infer,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.api.URL+"/v1/memories", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddUpstreamFailureMapsToBadGateway(t *testing.T) {
	f := newFixture(t)
	f.failEmbeds.Store(true)

	infer := false
	resp := f.post(t, "/v1/memories", addRequest{
		Messages: []memory.Message{{Role: "user", Content: "will not embed"}},
		UserID:   "u1",
		Infer:    &infer,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestGetEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.addMemory(t, "the oncall rotation flips on mondays")

	resp := f.do(t, http.MethodGet, "/v1/memories/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var item memory.Item
	decodeBody(t, resp, &item)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, "the oncall rotation flips on mondays", item.Memory)
	assert.Equal(t, "u1", item.UserID)

	missing := f.do(t, http.MethodGet, "/v1/memories/no-such-id", nil)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListEndpoint(t *testing.T) {
	f := newFixture(t)
	f.addMemory(t, "first note")
	f.addMemory(t, "second note")

	resp := f.do(t, http.MethodGet, "/v1/memories?user_id=u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Results []memory.Item `json:"results"`
	}
	decodeBody(t, resp, &out)
	assert.Len(t, out.Results, 2)

	unscoped := f.do(t, http.MethodGet, "/v1/memories", nil)
	defer unscoped.Body.Close()
	assert.Equal(t, http.StatusBadRequest, unscoped.StatusCode)

	badLimit := f.do(t, http.MethodGet, "/v1/memories?user_id=u1&limit=potato", nil)
	defer badLimit.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badLimit.StatusCode)
}

func TestUpdateEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.addMemory(t, "the retro doc lives in notion")

	resp := f.do(t, http.MethodPatch, "/v1/memories/"+id, updateRequest{Data: "the retro doc moved to linear", ActorID: "editor"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec core.ActionRecord
	decodeBody(t, resp, &rec)
	assert.Equal(t, core.EventUpdate, rec.Event)
	assert.Equal(t, "the retro doc lives in notion", rec.PreviousMemory)

	empty := f.do(t, http.MethodPatch, "/v1/memories/"+id, updateRequest{Data: "  "})
	defer empty.Body.Close()
	assert.Equal(t, http.StatusBadRequest, empty.StatusCode)

	missing := f.do(t, http.MethodPatch, "/v1/memories/no-such-id", updateRequest{Data: "text"})
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestDeleteEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.addMemory(t, "scratch memory")

	resp := f.do(t, http.MethodDelete, "/v1/memories/"+id, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	again := f.do(t, http.MethodDelete, "/v1/memories/"+id, nil)
	defer again.Body.Close()
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestDeleteAllEndpoint(t *testing.T) {
	f := newFixture(t)
	f.addMemory(t, "first of two")
	f.addMemory(t, "second of two")

	resp := f.do(t, http.MethodDelete, "/v1/memories?user_id=u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int
	decodeBody(t, resp, &out)
	assert.Equal(t, 2, out["deleted"])

	unscoped := f.do(t, http.MethodDelete, "/v1/memories", nil)
	defer unscoped.Body.Close()
	assert.Equal(t, http.StatusBadRequest, unscoped.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.addMemory(t, "original text")

	patch := f.do(t, http.MethodPatch, "/v1/memories/"+id, updateRequest{Data: "revised text"})
	patch.Body.Close()
	require.Equal(t, http.StatusOK, patch.StatusCode)

	resp := f.do(t, http.MethodGet, fmt.Sprintf("/v1/memories/%s/history", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Results []struct {
			Event     core.Event `json:"event"`
			OldMemory string     `json:"old_memory"`
			NewMemory string     `json:"new_memory"`
		} `json:"results"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Results, 2)
	assert.Equal(t, core.EventAdd, out.Results[0].Event)
	assert.Equal(t, core.EventUpdate, out.Results[1].Event)
	assert.Equal(t, "original text", out.Results[1].OldMemory)
	assert.Equal(t, "revised text", out.Results[1].NewMemory)
}

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t)
	f.addMemory(t, "the builds are pinned to go 1.24")

	resp := f.post(t, "/v1/search", searchRequest{Query: "which go version do the builds use", UserID: "u1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Results []memory.Item `json:"results"`
	}
	decodeBody(t, resp, &out)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "u1", out.Results[0].UserID)

	unscoped := f.post(t, "/v1/search", searchRequest{Query: "anything"})
	defer unscoped.Body.Close()
	assert.Equal(t, http.StatusBadRequest, unscoped.StatusCode)
}

func TestChatEndpointStreams(t *testing.T) {
	f := newFixture(t)
	f.addMemory(t, "user pinned the build toolchain to go 1.24")

	resp := f.post(t, "/v1/chat", chatRequest{Message: "what go version did I pin?", UserID: "u1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.NotEmpty(t, lines)

	var last chatChunk
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.True(t, last.Done, "the stream always ends with a done line")

	var text strings.Builder
	for _, line := range lines[:len(lines)-1] {
		var chunk chatChunk
		require.NoError(t, json.Unmarshal([]byte(line), &chunk))
		require.Empty(t, chunk.Error)
		text.WriteString(chunk.Chunk)
	}
	assert.NotEmpty(t, text.String())
}

func TestChatEndpointValidation(t *testing.T) {
	f := newFixture(t)

	unscoped := f.post(t, "/v1/chat", chatRequest{Message: "hello"})
	defer unscoped.Body.Close()
	assert.Equal(t, http.StatusBadRequest, unscoped.StatusCode)

	blank := f.post(t, "/v1/chat", chatRequest{Message: "   ", UserID: "u1"})
	defer blank.Body.Close()
	assert.Equal(t, http.StatusBadRequest, blank.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	health := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, health.StatusCode)
	var status map[string]string
	decodeBody(t, health, &status)
	assert.Equal(t, "ok", status["status"])

	metrics := f.do(t, http.MethodGet, "/metrics", nil)
	defer metrics.Body.Close()
	require.Equal(t, http.StatusOK, metrics.StatusCode)
	raw, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "memscreen_http_requests_total",
		"the healthz hit above is already counted")
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/nope", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
