// Package inference calls the model-serving service that hosts the
// classifier, feature extractor and defect detector.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/productlens/internal/imaging"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

// Sentinel errors for inference failures. ErrInvalidInput is permanent;
// the others are worth retrying.
var (
	ErrInvalidInput     = errors.New("inference rejected input")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrInferenceTimeout = errors.New("inference timeout")
)

// Client runs the three inference models.
type Client interface {
	Classify(ctx context.Context, version string, t *imaging.Tensor) (*models.Classification, error)
	ExtractAttributes(ctx context.Context, version string, t *imaging.Tensor) ([]models.Attribute, error)
	DetectDefects(ctx context.Context, version string, t *imaging.Tensor) ([]models.Defect, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Client over the serving service's REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new inference HTTP client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// predictRequest carries the tensor as base64 little-endian float32.
type predictRequest struct {
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
	Data  string `json:"data"`
}

type classifyResponse struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`
}

type attributesResponse struct {
	Attributes []models.Attribute `json:"attributes"`
}

type defectsResponse struct {
	Defects []models.Defect `json:"defects"`
}

func (c *HTTPClient) Classify(ctx context.Context, version string, t *imaging.Tensor) (*models.Classification, error) {
	var resp classifyResponse
	if err := c.predict(ctx, models.ModelFamilyClassifier, version, t, &resp); err != nil {
		return nil, err
	}
	if resp.Label == "" {
		return nil, fmt.Errorf("%w: classifier returned no label", ErrModelUnavailable)
	}
	return &models.Classification{
		Label:        resp.Label,
		Confidence:   resp.Confidence,
		Scores:       resp.Scores,
		ModelVersion: version,
	}, nil
}

func (c *HTTPClient) ExtractAttributes(ctx context.Context, version string, t *imaging.Tensor) ([]models.Attribute, error) {
	var resp attributesResponse
	if err := c.predict(ctx, models.ModelFamilyFeatureExtractor, version, t, &resp); err != nil {
		return nil, err
	}
	return resp.Attributes, nil
}

func (c *HTTPClient) DetectDefects(ctx context.Context, version string, t *imaging.Tensor) ([]models.Defect, error) {
	var resp defectsResponse
	if err := c.predict(ctx, models.ModelFamilyDefectDetector, version, t, &resp); err != nil {
		return nil, err
	}
	return resp.Defects, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/v1/health", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: not ready (status %d)", ErrModelUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) predict(ctx context.Context, family, version string, t *imaging.Tensor, out any) error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrInvalidInput)
	}

	body, err := json.Marshal(predictRequest{
		Shape: t.Shape(),
		DType: "float32",
		Data:  encodeTensor(t.Data),
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/models/%s/%s:predict", c.baseURL, url.PathEscape(family), url.PathEscape(version))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s/%s status %d", ErrModelUnavailable, family, version, resp.StatusCode)
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s/%s status %d: %s", ErrInvalidInput, family, version, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrModelUnavailable, family, err)
	}
	return nil
}

func encodeTensor(data []float32) string {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
}

// IsPermanent reports whether retrying err cannot help.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

var _ Client = (*HTTPClient)(nil)
