package llm

import (
	"context"

	"github.com/m4xw311/conductor/config"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/tools"
)

// NewProvider builds the provider named by cfg.LLMClient.
func NewProvider(ctx context.Context, cfg *config.Config, available []tools.Tool) (Provider, error) {
	opts := Options{
		Model:     cfg.Model,
		Region:    cfg.Region,
		MaxTokens: cfg.MaxTokens,
		Tools:     available,
	}
	switch cfg.LLMClient {
	case "bedrock":
		p, err := NewBedrockProvider(ctx, opts)
		return wrapInit(p, err, "Bedrock")
	case "anthropic":
		p, err := NewAnthropicProvider(ctx, opts)
		return wrapInit(p, err, "Anthropic")
	case "openai":
		p, err := NewOpenAIProvider(ctx, opts)
		return wrapInit(p, err, "OpenAI")
	case "gemini":
		p, err := NewGeminiProvider(ctx, opts)
		return wrapInit(p, err, "Gemini")
	case "mock":
		return &MockProvider{}, nil
	default:
		return nil, errors.New("unknown llm provider %q", cfg.LLMClient)
	}
}

func wrapInit[P Provider](p P, err error, name string) (Provider, error) {
	if err != nil {
		return nil, errors.Wrapf(err, "error initializing %s provider", name)
	}
	return p, nil
}
