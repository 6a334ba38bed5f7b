package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

func init() {
	Register("ollama", func(opts config.EmbedderOptions) (Engine, error) {
		return NewOllamaEngine(opts)
	})
}

// batchFanout bounds parallel single-item embed calls for backends without
// native batching.
const batchFanout = 4

// OllamaEngine generates embeddings via an Ollama-compatible HTTP endpoint.
type OllamaEngine struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewOllamaEngine creates the engine. The caller provisions the model via
// EnsureModel; a missing model otherwise surfaces as a clear upstream error
// on the first embed call.
func NewOllamaEngine(opts config.EmbedderOptions) (*OllamaEngine, error) {
	if opts.BaseURL == "" {
		return nil, memerr.Errorf("embedding.ollama", memerr.KindConfig, "base_url is required")
	}
	if opts.Model == "" {
		return nil, memerr.Errorf("embedding.ollama", memerr.KindConfig, "model is required")
	}
	e := &OllamaEngine{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		model:      opts.Model,
		dimensions: opts.EmbeddingDims,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: loopbackAwareTransport(),
		},
	}
	return e, nil
}

// EnsureModel checks /api/tags for the model and pulls it when missing.
func (e *OllamaEngine) EnsureModel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create tags request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return memerr.E("embedding.tags", memerr.KindUpstream, err)
	}
	defer resp.Body.Close()

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return memerr.E("embedding.tags", memerr.KindUpstream, fmt.Errorf("failed to parse tags: %w", err))
	}
	for _, m := range tags.Models {
		if m.Name == e.model || strings.SplitN(m.Name, ":", 2)[0] == e.model {
			return nil
		}
	}

	pullBody, _ := json.Marshal(map[string]any{"name": e.model, "stream": false})
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/pull", bytes.NewReader(pullBody))
	if err != nil {
		return fmt.Errorf("failed to create pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err = e.httpClient.Do(req)
	if err != nil {
		return memerr.E("embedding.pull", memerr.KindUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return memerr.Errorf("embedding.pull", memerr.KindUpstream,
			"pull %s returned status %d: %s", e.model, resp.StatusCode, string(body))
	}
	return nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEngine) Embed(ctx context.Context, text string, _ Action) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, memerr.E("embedding.embed", memerr.KindUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, memerr.Errorf("embedding.embed", memerr.KindUpstream,
			"embeddings returned status %d: %s", resp.StatusCode, string(body))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, memerr.E("embedding.embed", memerr.KindUpstream, fmt.Errorf("failed to parse response: %w", err))
	}
	if len(embedResp.Embedding) == 0 {
		return nil, memerr.Errorf("embedding.embed", memerr.KindUpstream, "empty embedding returned for model %s", e.model)
	}
	if err := checkDimensions("embedding.embed", embedResp.Embedding, e.dimensions); err != nil {
		return nil, err
	}
	return embedResp.Embedding, nil
}

// EmbedBatch fans out single-item calls with bounded parallelism, keeping
// result order aligned with the input.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string, action Action) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchFanout)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gctx, text, action)
			if err != nil {
				return fmt.Errorf("failed to embed item %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *OllamaEngine) Dimensions() int { return e.dimensions }
func (e *OllamaEngine) Name() string    { return "ollama/" + e.model }

// loopbackAwareTransport clones the default transport but never routes
// loopback hosts through a proxy, regardless of proxy environment variables.
func loopbackAwareTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	t := base.Clone()
	t.Proxy = func(req *http.Request) (*url.URL, error) {
		host := req.URL.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil, nil
		}
		return http.ProxyFromEnvironment(req)
	}
	return t
}
