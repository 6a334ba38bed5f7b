package embedding

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/genai"

	"memscreen/internal/config"
	"memscreen/internal/llm"
	"memscreen/internal/memerr"
)

// visionPrompt asks the multimodal model for a retrieval-friendly caption.
const visionPrompt = "Describe this screenshot concisely: the application, any visible text, and the main UI elements."

// CaptionEncoder renders an image into the text vector space: a multimodal
// chat model captions the frame and the text engine embeds the caption.
// Works against any backend pair; native image embedding needs GeminiVision.
type CaptionEncoder struct {
	mllm     llm.Client
	embedder Engine
}

// NewCaptionEncoder wires a caption encoder.
func NewCaptionEncoder(mllm llm.Client, embedder Engine) *CaptionEncoder {
	return &CaptionEncoder{mllm: mllm, embedder: embedder}
}

// EncodeImage captions the image and embeds the caption.
func (c *CaptionEncoder) EncodeImage(ctx context.Context, path string) ([]float32, error) {
	const op = "embedding.caption"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, memerr.E(op, memerr.KindNotFound, err)
	}

	caption, err := c.mllm.Generate(ctx, []llm.Message{{
		Role:    llm.RoleUser,
		Content: visionPrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(data)},
	}}, llm.Options{UseCase: llm.UseCaseVision})
	if err != nil {
		return nil, err
	}
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return nil, memerr.Errorf(op, memerr.KindUpstream,
			"model returned an empty caption for %s", path)
	}
	return c.embedder.Embed(ctx, caption, ActionAdd)
}

// Dimensions matches the text engine; captions live in its vector space.
func (c *CaptionEncoder) Dimensions() int { return c.embedder.Dimensions() }

// GeminiVision embeds image bytes directly through the multimodal embedding
// model, so stored frames and image queries share one native vector space.
type GeminiVision struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGeminiVision creates a native image encoder on the Gemini API.
func NewGeminiVision(opts config.EmbedderOptions) (*GeminiVision, error) {
	const op = "embedding.gemini_vision"

	if opts.APIKey == "" {
		return nil, memerr.Errorf(op, memerr.KindConfig, "api_key is required")
	}
	model := opts.Model
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: opts.APIKey})
	if err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	return &GeminiVision{client: client, model: model, dimensions: opts.EmbeddingDims}, nil
}

// EncodeImage embeds the raw image bytes.
func (v *GeminiVision) EncodeImage(ctx context.Context, path string) ([]float32, error) {
	const op = "embedding.gemini_vision"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, memerr.E(op, memerr.KindNotFound, err)
	}

	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(data, mimeForImage(path)),
	}, genai.RoleUser)
	result, err := v.client.Models.EmbedContent(ctx, v.model,
		[]*genai.Content{content},
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"})
	if err != nil {
		return nil, memerr.E(op, memerr.KindUpstream, err)
	}
	if len(result.Embeddings) == 0 {
		return nil, memerr.Errorf(op, memerr.KindUpstream, "no embedding returned for %s", path)
	}
	vec := result.Embeddings[0].Values
	if err := checkDimensions(op, vec, v.dimensions); err != nil {
		return nil, err
	}
	return vec, nil
}

func (v *GeminiVision) Dimensions() int { return v.dimensions }

// mimeForImage maps a file extension to its MIME type. Screenshots are
// overwhelmingly PNG; unknown extensions fall back to it.
func mimeForImage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
