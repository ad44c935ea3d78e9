package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/productlens/internal/ai"
)

// MockProvider satisfies ai.Provider for testing.
type MockProvider struct {
	Name_        string
	Model_       string
	GenerateFunc func(ctx context.Context, p ai.Prompt) (string, error)

	mu      sync.Mutex
	prompts []ai.Prompt
}

func (m *MockProvider) Name() string  { return m.Name_ }
func (m *MockProvider) Model() string { return m.Model_ }

func (m *MockProvider) Generate(ctx context.Context, p ai.Prompt) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, p)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, p)
	}
	return "", nil
}

// Prompts returns every prompt received, in order.
func (m *MockProvider) Prompts() []ai.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ai.Prompt(nil), m.prompts...)
}

// NewMockProvider returns a MockProvider with a canned description.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_:  "mock",
		Model_: "mock-v1",
		GenerateFunc: func(_ context.Context, _ ai.Prompt) (string, error) {
			return "A sleek black leather shoe with a cushioned sole, built for everyday wear.", nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_:  "mock-failing",
		Model_: "mock-v1",
		GenerateFunc: func(_ context.Context, _ ai.Prompt) (string, error) {
			return "", err
		},
	}
}

// NewTextOnlyProvider fails prompts that carry an image and answers text-only ones.
func NewTextOnlyProvider(text string) *MockProvider {
	return &MockProvider{
		Name_:  "mock-text-only",
		Model_: "mock-v1",
		GenerateFunc: func(_ context.Context, p ai.Prompt) (string, error) {
			if p.HasImage() {
				return "", ai.ErrInvalidResponse
			}
			return text, nil
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_:  "mock-timeout",
		Model_: "mock-v1",
		GenerateFunc: func(ctx context.Context, _ ai.Prompt) (string, error) {
			<-ctx.Done()
			return "", ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements ai.Provider.
var _ ai.Provider = (*MockProvider)(nil)
