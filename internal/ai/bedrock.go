package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/kiranshivaraju/productlens/internal/config"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// InvokeModelAPI is the subset of the Bedrock runtime client used here.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockProvider calls Anthropic models hosted on Amazon Bedrock.
type BedrockProvider struct {
	client    InvokeModelAPI
	modelID   string
	maxTokens int
}

// NewBedrockProvider loads AWS credentials from the default chain.
func NewBedrockProvider(ctx context.Context, cfg config.BedrockConfig) (*BedrockProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewBedrockProviderFromClient(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

// NewBedrockProviderFromClient wraps an existing client.
func NewBedrockProviderFromClient(client InvokeModelAPI, cfg config.BedrockConfig) *BedrockProvider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &BedrockProvider{client: client, modelID: cfg.ModelID, maxTokens: maxTokens}
}

func (p *BedrockProvider) Name() string  { return "bedrock" }
func (p *BedrockProvider) Model() string { return p.modelID }

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []bedrockBlock `json:"content"`
}

type bedrockBlock struct {
	Type   string              `json:"type"`
	Text   string              `json:"text,omitempty"`
	Source *bedrockImageSource `json:"source,omitempty"`
}

type bedrockImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type bedrockResponse struct {
	Content []bedrockBlock `json:"content"`
}

func (p *BedrockProvider) Generate(ctx context.Context, prompt Prompt) (string, error) {
	blocks := make([]bedrockBlock, 0, 2)
	if prompt.HasImage() {
		blocks = append(blocks, bedrockBlock{
			Type: "image",
			Source: &bedrockImageSource{
				Type:      "base64",
				MediaType: prompt.MediaType,
				Data:      base64.StdEncoding.EncodeToString(prompt.Image),
			},
		})
	}
	blocks = append(blocks, bedrockBlock{Type: "text", Text: prompt.Text})

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        p.maxTokens,
		Temperature:      0.3,
		Messages:         []bedrockMessage{{Role: "user", Content: blocks}},
	})
	if err != nil {
		return "", fmt.Errorf("encoding bedrock request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", classifyError(p.Name(), err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("%w: bedrock: %v", ErrInvalidResponse, err)
	}

	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return cleanOutput(p.Name(), sb.String())
}

var _ Provider = (*BedrockProvider)(nil)
