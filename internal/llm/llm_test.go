package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

func newOllamaChatServer(t *testing.T, reply string, capture *ollamaChatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if capture != nil {
			*capture = req
		}
		if req.Stream {
			for _, word := range strings.Fields(reply) {
				chunk := ollamaChatResponse{Message: ollamaChatMessage{Role: "assistant", Content: word + " "}}
				_ = json.NewEncoder(w).Encode(chunk)
			}
			_ = json.NewEncoder(w).Encode(ollamaChatResponse{Done: true})
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaChatMessage{Role: "assistant", Content: reply},
			Done:    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaClient_Generate(t *testing.T) {
	var captured ollamaChatRequest
	srv := newOllamaChatServer(t, "hello there", &captured)

	client, err := NewOllamaClient(config.LLMOptions{Model: "llama3.1:8b", BaseURL: srv.URL, Temperature: 0.1, MaxTokens: 2000})
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
	assert.Equal(t, "llama3.1:8b", captured.Model)
	assert.Len(t, captured.Messages, 2)
	assert.Empty(t, captured.Format)
}

func TestOllamaClient_JSONModeSetsFormat(t *testing.T) {
	var captured ollamaChatRequest
	srv := newOllamaChatServer(t, `{"facts": []}`, &captured)

	client, err := NewOllamaClient(config.LLMOptions{Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{JSONMode: true})
	require.NoError(t, err)
	assert.Equal(t, "json", captured.Format)
}

func TestOllamaClient_MemoryPresetRunsCold(t *testing.T) {
	var captured ollamaChatRequest
	srv := newOllamaChatServer(t, "ok", &captured)

	client, err := NewOllamaClient(config.LLMOptions{Model: "m", BaseURL: srv.URL, Temperature: 0.9})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{UseCase: UseCaseMemory})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, captured.Options["temperature"], 1e-9)
	assert.InDelta(t, 0.5, captured.Options["top_p"], 1e-9)
}

func TestOllamaClient_Stream(t *testing.T) {
	srv := newOllamaChatServer(t, "one two three", nil)

	client, err := NewOllamaClient(config.LLMOptions{Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)

	contentCh, errCh := client.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "count"}}, Options{})

	var got strings.Builder
	for chunk := range contentCh {
		got.WriteString(chunk)
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, "one two three", strings.TrimSpace(got.String()))
}

func TestOllamaClient_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client, err := NewOllamaClient(config.LLMOptions{Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	require.Error(t, err)
	assert.True(t, memerr.IsUpstream(err))
}

func TestOllamaClient_ServerErrorSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "backend overloaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client, err := NewOllamaClient(config.LLMOptions{Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	require.Error(t, err)
	assert.True(t, memerr.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load(), "failure policy belongs to the caller, not the client")
}

func TestOllamaClient_RateLimitSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	client, err := NewOllamaClient(config.LLMOptions{Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	require.Error(t, err)
	assert.True(t, memerr.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIClient_Generate(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi from vllm"},"finish_reason":"stop"}]}`)
	}))
	t.Cleanup(srv.Close)

	client, err := NewOpenAIClient(config.LLMOptions{Model: "qwen2.5:7b", BaseURL: srv.URL + "/v1", MaxTokens: 100, Temperature: 0.3})
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hello"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hi from vllm", out)
	assert.Contains(t, captured, "temperature")
	assert.Contains(t, captured, "max_tokens")
}

func TestOpenAIClient_ReasoningModelStripsSampling(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	t.Cleanup(srv.Close)

	client, err := NewOpenAIClient(config.LLMOptions{Model: "o3-mini", BaseURL: srv.URL + "/v1", MaxTokens: 100})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{Temperature: 0.9, JSONMode: true})
	require.NoError(t, err)
	assert.NotContains(t, captured, "temperature")
	assert.NotContains(t, captured, "top_p")
	assert.NotContains(t, captured, "max_tokens")
	assert.Contains(t, captured, "max_completion_tokens")
	assert.Contains(t, captured, "response_format")
}

func TestOpenAIClient_SSEStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"foo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"bar\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	client, err := NewOpenAIClient(config.LLMOptions{Model: "m", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	contentCh, errCh := client.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	var got strings.Builder
	for chunk := range contentCh {
		got.WriteString(chunk)
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, "foobar", got.String())
}

func TestOpenAIClient_RejectsImages(t *testing.T) {
	client, err := NewOpenAIClient(config.LLMOptions{Model: "m", BaseURL: "http://localhost:9"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "what is this", Images: []string{"aGk="}},
	}, Options{})
	require.Error(t, err)
	assert.True(t, memerr.IsConfig(err))
}

func TestOpenAIClient_ServerErrorSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "backend overloaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client, err := NewOpenAIClient(config.LLMOptions{Model: "m", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, Options{})
	require.Error(t, err)
	assert.True(t, memerr.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load(), "failure policy belongs to the caller, not the client")
}

func TestRegistry(t *testing.T) {
	_, err := New("anthropic", config.LLMOptions{Model: "m"})
	require.Error(t, err)
	assert.True(t, memerr.IsConfig(err))

	client, err := New("ollama", config.LLMOptions{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "m", client.Model())
}

func TestDecode(t *testing.T) {
	type plan struct {
		Facts []string `json:"facts"`
	}

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "clean json",
			raw:  `{"facts": ["likes go"]}`,
			want: []string{"likes go"},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"facts\": [\"fenced\"]}\n```",
			want: []string{"fenced"},
		},
		{
			name: "reasoning prelude",
			raw:  "Let me think about the facts here.\nThe user mentioned Go.\n\n{\"facts\": [\"after prelude\"]}",
			want: []string{"after prelude"},
		},
		{
			name: "prelude then fence",
			raw:  "Here is the JSON you asked for:\n\n```json\n{\"facts\": [\"both\"]}\n```",
			want: []string{"both"},
		},
		{
			name: "stray wrapping quotes",
			raw:  "\"{\"facts\": [\"quoted\"]}\"",
			want: []string{"quoted"},
		},
		{
			name: "python literal",
			raw:  "{'facts': ['single quotes']}",
			want: []string{"single quotes"},
		},
		{
			name: "embedded in chatter",
			raw:  "Sure! The answer is {\"facts\": [\"inline\"]} hope that helps",
			want: []string{"inline"},
		},
		{
			name: "braces inside strings",
			raw:  `{"facts": ["uses {braces} and \"quotes\""]}`,
			want: []string{`uses {braces} and "quotes"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got plan
			require.NoError(t, Decode(tt.raw, &got))
			assert.Equal(t, tt.want, got.Facts)
		})
	}
}

func TestDecode_PythonConstants(t *testing.T) {
	var got struct {
		OK   bool `json:"ok"`
		Bad  bool `json:"bad"`
		Gone any  `json:"gone"`
	}
	require.NoError(t, Decode("{'ok': True, 'bad': False, 'gone': None}", &got))
	assert.True(t, got.OK)
	assert.False(t, got.Bad)
	assert.Nil(t, got.Gone)
}

func TestDecode_TotalFailure(t *testing.T) {
	var got map[string]any
	err := Decode("I could not produce any structured output, sorry.", &got)
	require.Error(t, err)
	assert.True(t, memerr.IsParse(err))
}

func TestDecode_Array(t *testing.T) {
	var got []string
	require.NoError(t, Decode("```\n[\"a\", \"b\"]\n```", &got))
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSanitize_BlankLineInsideJSONFallsThrough(t *testing.T) {
	// A blank line inside pretty-printed JSON must not trigger the prelude
	// cut; the remainder after the blank line is not a payload start.
	raw := "{\n  \"facts\": [\"a\"],\n\n  \"extra\": 1\n}"
	var got map[string]any
	require.NoError(t, Decode(raw, &got))
	assert.Contains(t, got, "facts")
}
