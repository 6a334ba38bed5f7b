package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

func init() {
	Register("ollama", func(opts config.LLMOptions) (Client, error) {
		return NewOllamaClient(opts)
	})
}

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaClient talks to Ollama's /api/chat endpoint. It serves both the
// text role and, via per-message image payloads, the vision role when the
// configured model is multimodal.
type OllamaClient struct {
	baseURL    string
	model      string
	defaults   config.LLMOptions
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string            `json:"model"`
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}

// NewOllamaClient builds a client for an Ollama-compatible chat server.
func NewOllamaClient(opts config.LLMOptions) (*OllamaClient, error) {
	if opts.Model == "" {
		return nil, memerr.Errorf("llm.NewOllamaClient", memerr.KindConfig, "model is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaClient{
		baseURL:  baseURL,
		model:    opts.Model,
		defaults: opts,
		httpClient: &http.Client{
			Transport: loopbackAwareTransport(),
			Timeout:   2 * time.Minute,
		},
	}, nil
}

// loopbackAwareTransport bypasses any configured HTTP proxy for loopback
// hosts so a local model server is reachable behind corporate proxies.
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

// Model reports the configured model name.
func (c *OllamaClient) Model() string { return c.model }

func (c *OllamaClient) buildRequest(messages []Message, opts Options, stream bool) ollamaChatRequest {
	opts = opts.withDefaults(c.defaults)

	msgs := make([]ollamaChatMessage, len(messages))
	for i, m := range messages {
		msgs[i] = ollamaChatMessage{Role: m.Role, Content: m.Content, Images: m.Images}
	}

	req := ollamaChatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
			"top_p":       opts.TopP,
			"top_k":       opts.TopK,
		},
	}
	if opts.NumCtx > 0 {
		req.Options["num_ctx"] = opts.NumCtx
	}
	if opts.RepeatPenalty > 0 {
		req.Options["repeat_penalty"] = opts.RepeatPenalty
	}
	if opts.JSONMode {
		req.Format = "json"
	}
	return req
}

// Generate runs a blocking completion against /api/chat.
func (c *OllamaClient) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	const op = "llm.Ollama.Generate"

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, TimeoutFor(opts.UseCase))
		defer cancel()
	}

	c.throttle()

	body, err := json.Marshal(c.buildRequest(messages, opts, false))
	if err != nil {
		return "", memerr.E(op, memerr.KindUnknown, err)
	}

	// One attempt only. The caller owns retry policy; the breaker and the
	// router see every failure undiluted.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", memerr.E(op, memerr.KindUnknown, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
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

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", memerr.E(op, memerr.KindUpstream, fmt.Errorf("decode response: %w", err))
	}
	if chatResp.Error != "" {
		return "", memerr.Errorf(op, memerr.KindUpstream, "model error: %s", chatResp.Error)
	}
	return strings.TrimSpace(chatResp.Message.Content), nil
}

// GenerateStream runs a streaming completion. Ollama streams line-delimited
// JSON objects; the final object carries done=true.
func (c *OllamaClient) GenerateStream(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	const op = "llm.Ollama.GenerateStream"
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

		body, err := json.Marshal(c.buildRequest(messages, opts, true))
		if err != nil {
			errCh <- memerr.E(op, memerr.KindUnknown, err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			errCh <- memerr.E(op, memerr.KindUnknown, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
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
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				errCh <- memerr.Errorf(op, memerr.KindUpstream, "model error: %s", chunk.Error)
				return
			}
			if chunk.Message.Content != "" {
				select {
				case contentCh <- chunk.Message.Content:
				case <-ctx.Done():
					errCh <- memerr.E(op, memerr.KindTransient, ctx.Err())
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- memerr.E(op, memerr.KindTransient, err)
		}
	}()

	return contentCh, errCh
}

// throttle spaces requests at least 100ms apart so a local model server
// is not hammered by parallel pipeline stages.
func (c *OllamaClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
}
