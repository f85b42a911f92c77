package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"machine-watch/internal/feature"
)

// ModelClient invokes the model capability for one inference.
type ModelClient interface {
	Infer(ctx context.Context, v feature.Vector, modelVersion string) (InferResult, error)
}

// InferResult is the raw model output before clamping.
type InferResult struct {
	Risk24h    float64 `json:"risk_24h"`
	Risk7d     float64 `json:"risk_7d"`
	Risk30d    float64 `json:"risk_30d"`
	Confidence float64 `json:"confidence"`
}

func (r InferResult) validate() error {
	for _, pct := range []float64{r.Risk24h, r.Risk7d, r.Risk30d} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("horizon percentage %.2f outside [0,100]", pct)
		}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0,1]", r.Confidence)
	}
	return nil
}

// EndpointOptions parameterise the HTTP model client.
type EndpointOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// EndpointClient talks to a deployed model endpoint over HTTP.
type EndpointClient struct {
	opts   EndpointOptions
	client *http.Client
	logger zerolog.Logger
}

// NewEndpointClient builds an HTTP model client.
func NewEndpointClient(opts EndpointOptions, logger zerolog.Logger) *EndpointClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &EndpointClient{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "model_endpoint").Logger(),
	}
}

type inferRequest struct {
	ModelVersion string    `json:"model_version"`
	Features     []float64 `json:"features"`
}

// Infer posts the feature vector to the endpoint. All transport and
// decoding failures are reported as ErrModelCapability so the caller's
// retry/fallback policy applies uniformly.
func (c *EndpointClient) Infer(ctx context.Context, v feature.Vector, modelVersion string) (InferResult, error) {
	if c.opts.BaseURL == "" {
		return InferResult{}, fmt.Errorf("%w: endpoint base url not configured", ErrModelCapability)
	}

	body, err := json.Marshal(inferRequest{ModelVersion: modelVersion, Features: v})
	if err != nil {
		return InferResult{}, fmt.Errorf("marshal infer request: %w", err)
	}

	url := c.opts.BaseURL + "/v1/infer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return InferResult{}, fmt.Errorf("create infer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return InferResult{}, fmt.Errorf("%w: %v", ErrModelCapability, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return InferResult{}, fmt.Errorf("%w: endpoint returned status %d", ErrModelCapability, resp.StatusCode)
	}

	var result InferResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return InferResult{}, fmt.Errorf("%w: decode response: %v", ErrModelCapability, err)
	}
	if err := result.validate(); err != nil {
		return InferResult{}, fmt.Errorf("%w: malformed output: %v", ErrModelCapability, err)
	}

	return result, nil
}

var _ ModelClient = (*EndpointClient)(nil)
