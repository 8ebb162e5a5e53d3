package ai

import (
	"context"

	"golang.org/x/time/rate"

	"forgeline/internal/logging"
	"forgeline/internal/pricing"

	"go.uber.org/zap"
)

type invoker interface {
	invoke(ctx context.Context, cfg Config, prompt, system string, images []Image) (*Completion, error)
}

// Router is the default Gateway. It dispatches a call to the client for the
// configured provider kind, enforcing per-provider rate limits. It performs
// no retry and no fallback.
type Router struct {
	clients map[Kind]invoker
	limits  map[Kind]*rate.Limiter
}

// NewRouter creates a gateway wired with all supported provider clients.
func NewRouter() *Router {
	prices := pricing.Default()
	return &Router{
		clients: map[Kind]invoker{
			KindClaude: NewClaudeClient(prices),
			KindGPT4:   NewOpenAIClient(prices),
			KindGemini: NewGeminiClient(prices),
			KindOllama: NewOllamaClient(),
		},
		limits: map[Kind]*rate.Limiter{
			KindClaude: rate.NewLimiter(rate.Limit(50.0/60.0), 10),
			KindGPT4:   rate.NewLimiter(rate.Limit(60.0/60.0), 10),
			KindGemini: rate.NewLimiter(rate.Limit(60.0/60.0), 10),
			KindOllama: rate.NewLimiter(rate.Limit(10.0/60.0), 5),
		},
	}
}

// Invoke implements Gateway.
func (r *Router) Invoke(ctx context.Context, cfg Config, prompt, system string, images []Image) (*Completion, error) {
	client, ok := r.clients[cfg.Kind]
	if !ok {
		return nil, &ConfigError{Kind: cfg.Kind, Reason: "unknown provider kind"}
	}
	// Ollama is local and needs no credential.
	if cfg.APIKey == "" && cfg.Kind != KindOllama {
		return nil, &ConfigError{Kind: cfg.Kind, Reason: "no API key configured"}
	}

	if limiter, ok := r.limits[cfg.Kind]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return nil, &ProviderError{Kind: cfg.Kind, Message: "rate limit wait: " + err.Error()}
		}
	}

	completion, err := client.invoke(ctx, cfg, prompt, system, images)
	if err != nil {
		logging.L().Warn("provider call failed",
			zap.String("provider", string(cfg.Kind)),
			zap.String("model", cfg.Model),
			zap.Error(err))
		return nil, err
	}

	logging.L().Debug("provider call completed",
		zap.String("provider", string(cfg.Kind)),
		zap.String("model", completion.Usage.Model),
		zap.Int("input_tokens", completion.Usage.InputTokens),
		zap.Int("output_tokens", completion.Usage.OutputTokens),
		zap.Float64("cost_usd", completion.Usage.CostUSD))
	return completion, nil
}
