package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

func init() {
	Register("openai", func(opts config.LLMOptions) (Client, error) {
		return NewOpenAIClient(opts)
	})
}

const defaultOpenAIBaseURL = "http://localhost:8000/v1"

// OpenAIClient talks to any /v1/chat/completions server: vLLM, LM Studio,
// or the hosted OpenAI API. Text only; route vision models through Ollama.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	defaults   config.LLMOptions
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponseFormat struct {
	Type string `json:"type"`
}

type openaiChatRequest struct {
	Model               string                `json:"model"`
	Messages            []openaiMessage       `json:"messages"`
	MaxTokens           int                   `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                   `json:"max_completion_tokens,omitempty"`
	Temperature         *float64              `json:"temperature,omitempty"`
	TopP                *float64              `json:"top_p,omitempty"`
	Stream              bool                  `json:"stream,omitempty"`
	ResponseFormat      *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta,omitempty"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient builds a client for an OpenAI-compatible chat server.
// APIKey may be empty for local vLLM deployments.
func NewOpenAIClient(opts config.LLMOptions) (*OpenAIClient, error) {
	if opts.Model == "" {
		return nil, memerr.Errorf("llm.NewOpenAIClient", memerr.KindConfig, "model is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		baseURL:  baseURL,
		apiKey:   opts.APIKey,
		model:    opts.Model,
		defaults: opts,
		httpClient: &http.Client{
			Transport: loopbackAwareTransport(),
			Timeout:   2 * time.Minute,
		},
	}, nil
}

// Model reports the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

// isReasoningModel reports whether the model rejects sampling parameters.
// Reasoning-class models accept only message, format, and tool fields plus
// max_completion_tokens.
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5", "deepseek-r1", "qwq"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func (c *OpenAIClient) buildRequest(messages []Message, opts Options, stream bool) (openaiChatRequest, error) {
	for _, m := range messages {
		if len(m.Images) > 0 {
			return openaiChatRequest{}, memerr.Errorf("llm.OpenAI.buildRequest", memerr.KindConfig,
				"image input is not supported by the openai provider; configure mllm.provider=ollama")
		}
	}
	opts = opts.withDefaults(c.defaults)

	msgs := make([]openaiMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openaiMessage{Role: m.Role, Content: m.Content}
	}

	req := openaiChatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   stream,
	}
	if opts.JSONMode {
		req.ResponseFormat = &openaiResponseFormat{Type: "json_object"}
	}
	if isReasoningModel(c.model) {
		req.MaxCompletionTokens = opts.MaxTokens
		return req, nil
	}
	req.MaxTokens = opts.MaxTokens
	temp, topP := opts.Temperature, opts.TopP
	req.Temperature = &temp
	req.TopP = &topP
	return req, nil
}

func (c *OpenAIClient) do(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return c.httpClient.Do(req)
}

// Generate runs a blocking completion against /chat/completions.
func (c *OpenAIClient) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	const op = "llm.OpenAI.Generate"

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, TimeoutFor(opts.UseCase))
		defer cancel()
	}

	c.throttle()

	chatReq, err := c.buildRequest(messages, opts, false)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return "", memerr.E(op, memerr.KindUnknown, err)
	}

	// One attempt only. The caller owns retry policy; the breaker and the
	// router see every failure undiluted.
	resp, err := c.do(ctx, body, false)
	if err != nil {
		return "", memerr.E(op, memerr.KindTransient, err)
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", memerr.E(op, memerr.KindTransient, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return "", memerr.Errorf(op, memerr.KindTransient,
			"chat request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if resp.StatusCode != http.StatusOK {
		return "", memerr.Errorf(op, memerr.KindUpstream,
			"chat request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var chatResp openaiChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", memerr.E(op, memerr.KindUpstream, fmt.Errorf("decode response: %w", err))
	}
	if chatResp.Error != nil {
		return "", memerr.Errorf(op, memerr.KindUpstream, "model error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", memerr.Errorf(op, memerr.KindUpstream, "no completion returned")
	}
	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

// GenerateStream runs a streaming completion. OpenAI-compatible servers
// stream server-sent events; each data: line carries a delta chunk and the
// stream ends with data: [DONE].
func (c *OpenAIClient) GenerateStream(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	const op = "llm.OpenAI.GenerateStream"
	contentCh := make(chan string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(errCh)

		ctx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, TimeoutFor(opts.UseCase))
			defer cancel()
		}

		c.throttle()

		chatReq, err := c.buildRequest(messages, opts, true)
		if err != nil {
			errCh <- err
			return
		}
		body, err := json.Marshal(chatReq)
		if err != nil {
			errCh <- memerr.E(op, memerr.KindUnknown, err)
			return
		}

		resp, err := c.do(ctx, body, true)
		if err != nil {
			errCh <- memerr.E(op, memerr.KindTransient, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			errCh <- memerr.Errorf(op, memerr.KindUpstream,
				"chat request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}
			var chunk openaiChatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				errCh <- memerr.Errorf(op, memerr.KindUpstream, "model error: %s", chunk.Error.Message)
				return
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil && chunk.Choices[0].Delta.Content != "" {
				select {
				case contentCh <- chunk.Choices[0].Delta.Content:
				case <-ctx.Done():
					errCh <- memerr.E(op, memerr.KindTransient, ctx.Err())
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- memerr.E(op, memerr.KindTransient, err)
		}
	}()

	return contentCh, errCh
}

func (c *OpenAIClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
}
