package ai_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/kiranshivaraju/productlens/internal/ai"
	"github.com/kiranshivaraju/productlens/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// --- Bedrock ---

type fakeBedrock struct {
	input *bedrockruntime.InvokeModelInput
	body  string
	err   error
}

func (f *fakeBedrock) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

func bedrockCfg() config.BedrockConfig {
	return config.BedrockConfig{ModelID: "anthropic.claude-3-5-sonnet-20241022-v2:0", MaxTokens: 1024}
}

func TestBedrock_GenerateWithImage(t *testing.T) {
	fake := &fakeBedrock{body: `{"content":[{"type":"text","text":"  A classic leather boot.  "}]}`}
	p := ai.NewBedrockProviderFromClient(fake, bedrockCfg())

	text, err := p.Generate(context.Background(), ai.Prompt{
		Text: "Describe.", Image: []byte{1, 2, 3}, MediaType: "image/png",
	})
	require.NoError(t, err)
	assert.Equal(t, "A classic leather boot.", text)

	var req map[string]any
	require.NoError(t, json.Unmarshal(fake.input.Body, &req))
	assert.Equal(t, "bedrock-2023-05-31", req["anthropic_version"])
	assert.Equal(t, float64(1024), req["max_tokens"])
	assert.Equal(t, 0.3, req["temperature"])

	content := req["messages"].([]any)[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	image := content[0].(map[string]any)
	assert.Equal(t, "image", image["type"])
	assert.Equal(t, "AQID", image["source"].(map[string]any)["data"])
	assert.Equal(t, "image/png", image["source"].(map[string]any)["media_type"])
	assert.Equal(t, "Describe.", content[1].(map[string]any)["text"])
}

func TestBedrock_TextOnlyOmitsImageBlock(t *testing.T) {
	fake := &fakeBedrock{body: `{"content":[{"type":"text","text":"ok"}]}`}
	p := ai.NewBedrockProviderFromClient(fake, bedrockCfg())

	_, err := p.Generate(context.Background(), ai.Prompt{Text: "Describe."})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(fake.input.Body, &req))
	content := req["messages"].([]any)[0].(map[string]any)["content"].([]any)
	assert.Len(t, content, 1)
}

func TestBedrock_EmptyResponse(t *testing.T) {
	p := ai.NewBedrockProviderFromClient(&fakeBedrock{body: `{"content":[]}`}, bedrockCfg())
	_, err := p.Generate(context.Background(), ai.Prompt{Text: "Describe."})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestBedrock_InvokeError(t *testing.T) {
	p := ai.NewBedrockProviderFromClient(&fakeBedrock{err: errors.New("throttled")}, bedrockCfg())
	_, err := p.Generate(context.Background(), ai.Prompt{Text: "Describe."})
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
}

func TestBedrock_Timeout(t *testing.T) {
	p := ai.NewBedrockProviderFromClient(&fakeBedrock{err: context.DeadlineExceeded}, bedrockCfg())
	_, err := p.Generate(context.Background(), ai.Prompt{Text: "Describe."})
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}

// --- Langchain ---

type fakeLLM struct {
	messages  []llms.MessageContent
	reply     string
	noChoices bool
	err       error
}

func (f *fakeLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	if f.noChoices {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangchain_GenerateWithImage(t *testing.T) {
	llm := &fakeLLM{reply: "Soft cotton tee."}
	p := ai.NewLangchainProvider("ollama", "llava", llm)

	text, err := p.Generate(context.Background(), ai.Prompt{Text: "Describe.", Image: []byte{9}, MediaType: "image/jpeg"})
	require.NoError(t, err)
	assert.Equal(t, "Soft cotton tee.", text)

	require.Len(t, llm.messages, 1)
	parts := llm.messages[0].Parts
	require.Len(t, parts, 2)
	bin, ok := parts[0].(llms.BinaryContent)
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", bin.MIMEType)
	assert.Equal(t, llms.TextContent{Text: "Describe."}, parts[1])
}

func TestLangchain_Error(t *testing.T) {
	p := ai.NewLangchainProvider("openai", "gpt-4o", &fakeLLM{err: errors.New("429")})
	_, err := p.Generate(context.Background(), ai.Prompt{Text: "Describe."})
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
}

func TestLangchain_BlankReply(t *testing.T) {
	p := ai.NewLangchainProvider("anthropic", "claude", &fakeLLM{reply: "   "})
	_, err := p.Generate(context.Background(), ai.Prompt{Text: "Describe."})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestLangchain_NoChoices(t *testing.T) {
	p := ai.NewLangchainProvider("ollama", "llava", &fakeLLM{noChoices: true})
	text, err := p.Generate(context.Background(), ai.Prompt{Text: "Describe."})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
	assert.Empty(t, text)
}
