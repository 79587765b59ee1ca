package providers

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedProvider spaces outgoing calls so that routing, generation,
// summarization and vision share one request budget against the backend.
type RateLimitedProvider struct {
	inner   LLMProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps inner. A non-positive rps disables limiting.
func NewRateLimitedProvider(inner LLMProvider, rps float64, burst int) LLMProvider {
	if inner == nil || rps <= 0 {
		return inner
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (p *RateLimitedProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for provider rate limit: %w", err)
	}
	return p.inner.Chat(ctx, messages, tools, model, options)
}

func (p *RateLimitedProvider) GetDefaultModel() string {
	return p.inner.GetDefaultModel()
}
