package ai

import (
	"context"

	"github.com/tmc/langchaingo/llms"
)

// LangchainProvider adapts a langchaingo model (ollama, openai, anthropic).
type LangchainProvider struct {
	name  string
	model string
	llm   llms.Model
}

// NewLangchainProvider wraps llm under the given provider and model names.
func NewLangchainProvider(name, model string, llm llms.Model) *LangchainProvider {
	return &LangchainProvider{name: name, model: model, llm: llm}
}

func (p *LangchainProvider) Name() string  { return p.name }
func (p *LangchainProvider) Model() string { return p.model }

func (p *LangchainProvider) Generate(ctx context.Context, prompt Prompt) (string, error) {
	parts := make([]llms.ContentPart, 0, 2)
	if prompt.HasImage() {
		parts = append(parts, llms.BinaryPart(prompt.MediaType, prompt.Image))
	}
	parts = append(parts, llms.TextPart(prompt.Text))

	resp, err := p.llm.GenerateContent(ctx, []llms.MessageContent{
		{Role: llms.ChatMessageTypeHuman, Parts: parts},
	}, llms.WithTemperature(0.3))
	if err != nil {
		return "", classifyError(p.name, err)
	}
	if len(resp.Choices) == 0 {
		return cleanOutput(p.name, "")
	}
	return cleanOutput(p.name, resp.Choices[0].Content)
}

var _ Provider = (*LangchainProvider)(nil)
