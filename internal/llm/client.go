// Package llm provides chat-completion clients for the model backends the
// engine talks to: Ollama's /api/chat and any OpenAI-compatible
// /v1/chat/completions server (vLLM, LM Studio). Clients are oblivious to
// prompt content; prompt construction lives with the callers.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation. Images carry base64-encoded
// payloads for vision-enabled models; text-only providers reject them.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Options tune a single generation. Zero fields fall back to the provider's
// configured defaults, then to the use-case preset when UseCase is set.
type Options struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	NumCtx        int
	RepeatPenalty float64

	// JSONMode asks the backend for a JSON object response. Providers that
	// support a format hint pass it through; the output still goes through
	// the recovery pipeline in jsonx.go because models ignore hints.
	JSONMode bool

	// UseCase tags the call (chat, chat_fast, vision, summary, search,
	// memory) and selects generation presets and timeouts.
	UseCase string
}

// Client is a chat-completion backend.
type Client interface {
	// Generate runs a blocking completion and returns the full response text.
	Generate(ctx context.Context, messages []Message, opts Options) (string, error)

	// GenerateStream runs a streaming completion. The content channel yields
	// incremental deltas and closes when the model finishes; at most one
	// error is sent before both channels close.
	GenerateStream(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error)

	// Model reports the configured model name.
	Model() string
}

// Constructor builds a Client from provider options.
type Constructor func(opts config.LLMOptions) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a provider available to New. Providers register from their
// init functions; re-registering a name panics.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("llm: Register called twice for provider %q", name))
	}
	registry[name] = ctor
}

// New builds the named provider.
func New(provider string, opts config.LLMOptions) (Client, error) {
	registryMu.RLock()
	ctor, ok := registry[provider]
	registryMu.RUnlock()
	if !ok {
		return nil, memerr.Errorf("llm.New", memerr.KindConfig,
			"unknown llm provider %q (have %s)", provider, strings.Join(registeredNames(), ", "))
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
