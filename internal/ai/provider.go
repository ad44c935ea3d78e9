// Package ai wraps generative text backends behind a single Provider interface.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Prompt is one generation request. Image is optional; when set, MediaType
// must name its encoding (image/jpeg, image/png, ...).
type Prompt struct {
	Text      string
	Image     []byte
	MediaType string
}

// HasImage reports whether the prompt carries image bytes.
func (p Prompt) HasImage() bool {
	return len(p.Image) > 0
}

// Provider generates text from a prompt.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, p Prompt) (string, error)
}

// classifyError maps backend errors onto the package sentinels.
func classifyError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %v", ErrInferenceTimeout, provider, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, provider, err)
}

func cleanOutput(provider, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: %s returned empty text", ErrInvalidResponse, provider)
	}
	return text, nil
}
