package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/productlens/internal/ai"
	"github.com/kiranshivaraju/productlens/internal/ai/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePrompt() ai.Prompt {
	return ai.Prompt{Text: "Describe this product.", Image: []byte{0xff, 0xd8}, MediaType: "image/jpeg"}
}

// --- NewMockProvider ---

func TestNewMockProvider_Generate(t *testing.T) {
	p := mock.NewMockProvider()
	text, err := p.Generate(context.Background(), samplePrompt())

	require.NoError(t, err)
	assert.NotEmpty(t, text)
	assert.Equal(t, "mock", p.Name())
	assert.Equal(t, "mock-v1", p.Model())
	require.Len(t, p.Prompts(), 1)
	assert.True(t, p.Prompts()[0].HasImage())
}

// --- NewFailingProvider ---

func TestNewFailingProvider_CustomError(t *testing.T) {
	customErr := errors.New("custom AI error")
	p := mock.NewFailingProvider(customErr)

	_, err := p.Generate(context.Background(), samplePrompt())
	assert.ErrorIs(t, err, customErr)
}

// --- NewTextOnlyProvider ---

func TestNewTextOnlyProvider(t *testing.T) {
	p := mock.NewTextOnlyProvider("plain")

	_, err := p.Generate(context.Background(), samplePrompt())
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)

	text, err := p.Generate(context.Background(), ai.Prompt{Text: "Describe."})
	require.NoError(t, err)
	assert.Equal(t, "plain", text)
}

// --- NewTimeoutProvider ---

func TestNewTimeoutProvider_Generate(t *testing.T) {
	p := mock.NewTimeoutProvider()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, samplePrompt())
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}

// --- Zero-value MockProvider ---

func TestMockProvider_NilFuncs(t *testing.T) {
	p := &mock.MockProvider{Name_: "bare"}

	text, err := p.Generate(context.Background(), samplePrompt())
	assert.NoError(t, err)
	assert.Equal(t, "", text)
}
