package embedding

import (
	"context"

	"github.com/sony/gobreaker"

	"memscreen/internal/memerr"
)

// BreakerEngine guards an Engine with a circuit breaker so a dead embedding
// backend fails fast instead of stalling every ingest worker on timeouts.
type BreakerEngine struct {
	inner Engine
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker decorates inner with the given breaker.
func WithBreaker(inner Engine, cb *gobreaker.CircuitBreaker) *BreakerEngine {
	return &BreakerEngine{inner: inner, cb: cb}
}

func (b *BreakerEngine) Embed(ctx context.Context, text string, action Action) ([]float32, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.Embed(ctx, text, action)
	})
	if err != nil {
		return nil, breakerErr("embedding.embed", err)
	}
	return v.([]float32), nil
}

func (b *BreakerEngine) EmbedBatch(ctx context.Context, texts []string, action Action) ([][]float32, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.inner.EmbedBatch(ctx, texts, action)
	})
	if err != nil {
		return nil, breakerErr("embedding.embed_batch", err)
	}
	if v == nil {
		return nil, nil
	}
	return v.([][]float32), nil
}

func (b *BreakerEngine) Dimensions() int { return b.inner.Dimensions() }
func (b *BreakerEngine) Name() string    { return b.inner.Name() }

func breakerErr(op string, err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return memerr.E(op, memerr.KindUpstream, err)
	}
	return err
}
