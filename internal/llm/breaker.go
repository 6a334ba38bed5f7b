package llm

import (
	"context"

	"github.com/sony/gobreaker"

	"memscreen/internal/memerr"
)

// BreakerClient wraps a Client with a circuit breaker so a dead model
// server fails fast instead of stalling every pipeline stage on timeouts.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps inner with cb.
func WithBreaker(inner Client, cb *gobreaker.CircuitBreaker) *BreakerClient {
	return &BreakerClient{inner: inner, cb: cb}
}

func (b *BreakerClient) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Generate(ctx, messages, opts)
	})
	if err != nil {
		return "", breakerErr("llm.Breaker.Generate", err)
	}
	return out.(string), nil
}

// GenerateStream fails fast while the breaker is open; a healthy breaker
// passes the stream through untouched. Stream outcomes do not feed the
// breaker because a consumer abandoning a stream is not an upstream fault.
func (b *BreakerClient) GenerateStream(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	if b.cb.State() == gobreaker.StateOpen {
		contentCh := make(chan string)
		errCh := make(chan error, 1)
		errCh <- memerr.Errorf("llm.Breaker.GenerateStream", memerr.KindUpstream,
			"circuit breaker %s is open", b.cb.Name())
		close(contentCh)
		close(errCh)
		return contentCh, errCh
	}
	return b.inner.GenerateStream(ctx, messages, opts)
}

func (b *BreakerClient) Model() string { return b.inner.Model() }

func breakerErr(op string, err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return err
}
