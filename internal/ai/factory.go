package ai

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/productlens/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at startup.
func NewProvider(ctx context.Context, cfg config.AIConfig) (Provider, error) {
	var (
		llm   llms.Model
		model string
		err   error
	)

	switch cfg.Provider {
	case "bedrock":
		p, err := NewBedrockProvider(ctx, cfg.Bedrock)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "ollama":
		model = cfg.Ollama.Model
		llm, err = ollama.New(
			ollama.WithModel(cfg.Ollama.Model),
			ollama.WithServerURL(cfg.Ollama.BaseURL),
		)
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model = cfg.OpenAI.Model
		llm, err = openai.New(
			openai.WithToken(cfg.OpenAI.APIKey),
			openai.WithModel(cfg.OpenAI.Model),
		)
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model = cfg.Anthropic.Model
		llm, err = anthropic.New(
			anthropic.WithToken(cfg.Anthropic.APIKey),
			anthropic.WithModel(cfg.Anthropic.Model),
		)
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of bedrock, ollama, openai, anthropic", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.Provider, err)
	}

	return NewLangchainProvider(cfg.Provider, model, llm), nil
}
