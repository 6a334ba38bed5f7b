package usage

import (
	"context"
	"time"

	"memscreen/internal/embedding"
	"memscreen/internal/llm"
)

// WrapLLM returns a client that records every generation against the
// tracker. It sits directly on the provider, inside the breaker and any
// cache, so the ledger counts real upstream calls and nothing else.
func WrapLLM(inner llm.Client, t *Tracker) llm.Client {
	return &measuredClient{inner: inner, tracker: t}
}

// WrapEmbedder returns an engine that records every embedding call.
func WrapEmbedder(inner embedding.Engine, t *Tracker) embedding.Engine {
	return &measuredEmbedder{inner: inner, tracker: t}
}

type measuredClient struct {
	inner   llm.Client
	tracker *Tracker
}

func (m *measuredClient) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	start := time.Now()
	out, err := m.inner.Generate(ctx, messages, opts)
	m.tracker.Record(m.inner.Model(), promptChars(messages), len(out), time.Since(start), err)
	return out, err
}

// GenerateStream re-pumps the inner stream so the ledger sees the streamed
// volume. The forwarding goroutine lives exactly as long as the inner one:
// it exits when both inner channels close, and its sends carry the same
// ctx guard the providers use.
func (m *measuredClient) GenerateStream(ctx context.Context, messages []llm.Message, opts llm.Options) (<-chan string, <-chan error) {
	start := time.Now()
	content, errs := m.inner.GenerateStream(ctx, messages, opts)

	out := make(chan string, 64)
	errOut := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errOut)

		var chars int
		var failure error
		for content != nil || errs != nil {
			select {
			case chunk, ok := <-content:
				if !ok {
					content = nil
					continue
				}
				select {
				case out <- chunk:
					chars += len(chunk)
				case <-ctx.Done():
					m.tracker.Record(m.inner.Model(), promptChars(messages), chars, time.Since(start), ctx.Err())
					return
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					failure = err
					errOut <- err
				}
			}
		}
		m.tracker.Record(m.inner.Model(), promptChars(messages), chars, time.Since(start), failure)
	}()
	return out, errOut
}

func (m *measuredClient) Model() string { return m.inner.Model() }

type measuredEmbedder struct {
	inner   embedding.Engine
	tracker *Tracker
}

func (m *measuredEmbedder) Embed(ctx context.Context, text string, action embedding.Action) ([]float32, error) {
	start := time.Now()
	vec, err := m.inner.Embed(ctx, text, action)
	m.tracker.Record(m.inner.Name(), len(text), 0, time.Since(start), err)
	return vec, err
}

// EmbedBatch records a single entry carrying the batch's total volume.
func (m *measuredEmbedder) EmbedBatch(ctx context.Context, texts []string, action embedding.Action) ([][]float32, error) {
	start := time.Now()
	vecs, err := m.inner.EmbedBatch(ctx, texts, action)
	chars := 0
	for _, text := range texts {
		chars += len(text)
	}
	m.tracker.Record(m.inner.Name(), chars, 0, time.Since(start), err)
	return vecs, err
}

func (m *measuredEmbedder) Dimensions() int { return m.inner.Dimensions() }

func (m *measuredEmbedder) Name() string { return m.inner.Name() }

func promptChars(messages []llm.Message) int {
	n := 0
	for _, msg := range messages {
		n += len(msg.Content)
	}
	return n
}
