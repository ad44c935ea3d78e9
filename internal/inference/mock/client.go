// Package mock provides a configurable inference.Client for tests.
package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/productlens/internal/imaging"
	"github.com/kiranshivaraju/productlens/internal/inference"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

// Client is a mock implementation of inference.Client. Nil Func fields fall
// back to canned results.
type Client struct {
	ClassifyFunc          func(ctx context.Context, version string, t *imaging.Tensor) (*models.Classification, error)
	ExtractAttributesFunc func(ctx context.Context, version string, t *imaging.Tensor) ([]models.Attribute, error)
	DetectDefectsFunc     func(ctx context.Context, version string, t *imaging.Tensor) ([]models.Defect, error)
	ReadyFunc             func(ctx context.Context) error

	mu       sync.Mutex
	versions map[string][]string
}

// NewMockClient returns a client that classifies everything as "shoes".
func NewMockClient() *Client {
	return &Client{}
}

func (c *Client) Classify(ctx context.Context, version string, t *imaging.Tensor) (*models.Classification, error) {
	c.record(models.ModelFamilyClassifier, version)
	if c.ClassifyFunc != nil {
		return c.ClassifyFunc(ctx, version, t)
	}
	return &models.Classification{
		Label:        "shoes",
		Confidence:   0.93,
		Scores:       map[string]float64{"shoes": 0.93, "bags": 0.05, "hats": 0.02},
		ModelVersion: version,
	}, nil
}

func (c *Client) ExtractAttributes(ctx context.Context, version string, t *imaging.Tensor) ([]models.Attribute, error) {
	c.record(models.ModelFamilyFeatureExtractor, version)
	if c.ExtractAttributesFunc != nil {
		return c.ExtractAttributesFunc(ctx, version, t)
	}
	return []models.Attribute{
		{Name: "color", Value: "black", Confidence: 0.88},
		{Name: "material", Value: "leather", Confidence: 0.74},
	}, nil
}

func (c *Client) DetectDefects(ctx context.Context, version string, t *imaging.Tensor) ([]models.Defect, error) {
	c.record(models.ModelFamilyDefectDetector, version)
	if c.DetectDefectsFunc != nil {
		return c.DetectDefectsFunc(ctx, version, t)
	}
	return nil, nil
}

func (c *Client) Ready(ctx context.Context) error {
	if c.ReadyFunc != nil {
		return c.ReadyFunc(ctx)
	}
	return nil
}

// Versions returns the versions requested for a family, in call order.
func (c *Client) Versions(family string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.versions[family]...)
}

func (c *Client) record(family, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions == nil {
		c.versions = make(map[string][]string)
	}
	c.versions[family] = append(c.versions[family], version)
}

var _ inference.Client = (*Client)(nil)
