package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

func init() {
	Register("gemini", func(opts config.EmbedderOptions) (Engine, error) {
		return NewGeminiEngine(opts)
	})
}

// GeminiEngine generates embeddings through the Google GenAI API. The task
// type is derived from the embedding action so queries and documents use
// the retrieval-optimized variants.
type GeminiEngine struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGeminiEngine creates a Gemini embedding engine.
func NewGeminiEngine(opts config.EmbedderOptions) (*GeminiEngine, error) {
	if opts.APIKey == "" {
		return nil, memerr.Errorf("embedding.gemini", memerr.KindConfig, "api_key is required")
	}
	model := opts.Model
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: opts.APIKey})
	if err != nil {
		return nil, memerr.E("embedding.gemini", memerr.KindUpstream,
			fmt.Errorf("failed to create genai client: %w", err))
	}
	return &GeminiEngine{client: client, model: model, dimensions: opts.EmbeddingDims}, nil
}

func taskTypeFor(action Action) string {
	switch action {
	case ActionSearch:
		return "RETRIEVAL_QUERY"
	case ActionAdd, ActionUpdate:
		return "RETRIEVAL_DOCUMENT"
	}
	return "SEMANTIC_SIMILARITY"
}

// Embed generates an embedding for a single text.
func (e *GeminiEngine) Embed(ctx context.Context, text string, action Action) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text}, action)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch uses the API's native batch support.
func (e *GeminiEngine) EmbedBatch(ctx context.Context, texts []string, action Action) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: taskTypeFor(action)})
	if err != nil {
		return nil, memerr.E("embedding.gemini", memerr.KindUpstream, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, memerr.Errorf("embedding.gemini", memerr.KindUpstream,
			"returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		if err := checkDimensions("embedding.gemini", emb.Values, e.dimensions); err != nil {
			return nil, err
		}
		out[i] = emb.Values
	}
	return out, nil
}

func (e *GeminiEngine) Dimensions() int { return e.dimensions }
func (e *GeminiEngine) Name() string    { return "gemini/" + e.model }
