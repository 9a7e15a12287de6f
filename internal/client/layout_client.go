package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/planscope/api/internal/apperr"
	"github.com/planscope/api/internal/config"
	"github.com/planscope/api/internal/model"
)

// LayoutAnalyzer defines the interface for blueprint layout analysis
type LayoutAnalyzer interface {
	AnalyzeLayout(ctx context.Context, req *AnalyzeLayoutRequest) (*model.LayoutAnalysis, error)
	IsConfigured() bool
}

// LayoutClient implements LayoutAnalyzer against the layout analysis service
type LayoutClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// AnalyzeLayoutRequest represents a layout analysis request. Document carries
// the raw blueprint bytes and is transported as base64.
type AnalyzeLayoutRequest struct {
	Document []byte   `json:"document"`
	Format   string   `json:"format"`
	Features []string `json:"features,omitempty"`
}

// NewLayoutClient creates a new layout service client
func NewLayoutClient(cfg *config.LayoutConfig) *LayoutClient {
	return &LayoutClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
		apiKey:  cfg.APIKey,
	}
}

// AnalyzeLayout extracts text and structural blocks from a blueprint page
func (c *LayoutClient) AnalyzeLayout(ctx context.Context, req *AnalyzeLayoutRequest) (*model.LayoutAnalysis, error) {
	var result model.LayoutAnalysis
	if err := c.post(ctx, "/v1/analyze", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// post sends a POST request with JSON body
func (c *LayoutClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request, parses the response and classifies
// failures so callers can tell retryable conditions from permanent ones.
func (c *LayoutClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[Layout API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Layout API] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return classifyTransportError("layout service", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Layout API] ✗ %s %s — failed to read response: %v", req.Method, req.URL.String(), err)
		return apperr.ServiceUnavailable("layout service", err)
	}

	log.Printf("[Layout API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatusError("layout service", resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[Layout API] ✗ unmarshal error for %s %s: %v (body: %s)", req.Method, req.URL.String(), err, string(respBody))
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *LayoutClient) IsConfigured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// classifyTransportError maps connection-level failures onto application
// errors. Deadline expiry and plain network errors are retryable; an explicit
// context cancellation is passed through untouched so pipeline shutdown is
// never retried.
func classifyTransportError(service string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout(service, err)
	}
	return apperr.ServiceUnavailable(service, err)
}

// classifyStatusError maps non-2xx responses onto application errors.
// 429 and 5xx are retryable; any other client error is permanent.
func classifyStatusError(service string, status int, body []byte) error {
	cause := fmt.Errorf("%s error (status %d): %s", service, status, string(body))
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.Throttled(service).WithCause(cause)
	case status >= 500:
		return apperr.ServiceUnavailable(service, cause)
	default:
		return apperr.New(apperr.CodeDetectionFailed, fmt.Sprintf("%s rejected the request", service), 502).WithCause(cause)
	}
}
