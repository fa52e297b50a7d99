package engine

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited gates Chat and Embed calls of an Engine behind a token bucket so
// that concurrent agents cannot exceed the provider's request budget.
type Limited struct {
	Engine
	limiter *rate.Limiter
}

// WithRateLimit wraps e with a limiter of perSecond requests and the given
// burst. A non-positive rate returns e unchanged.
func WithRateLimit(e Engine, perSecond float64, burst int) Engine {
	if e == nil || perSecond <= 0 {
		return e
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{Engine: e, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return ChatResponse{}, err
	}
	return l.Engine.Chat(ctx, req)
}

func (l *Limited) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.Engine.Embed(ctx, model, text)
}
