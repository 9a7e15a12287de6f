package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/planscope/api/internal/apperr"
	"github.com/planscope/api/internal/config"
	"github.com/planscope/api/internal/model"
)

// RoomDetector defines the interface for room detection operations
type RoomDetector interface {
	DetectRooms(ctx context.Context, req *DetectRoomsRequest) (*DetectRoomsResponse, error)
	RefineRooms(ctx context.Context, req *RefineRoomsRequest) (*DetectRoomsResponse, error)
	IsConfigured() bool
}

// DetectionClient implements RoomDetector against the detection model service
type DetectionClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// DetectRoomsRequest represents a full-model detection request
type DetectRoomsRequest struct {
	Document     []byte `json:"document"`
	Format       string `json:"format"`
	ModelVersion string `json:"modelVersion"`
}

// RefineRoomsRequest represents a refinement request; Rooms carries the
// detections the refinement pass starts from.
type RefineRoomsRequest struct {
	Document     []byte       `json:"document"`
	Format       string       `json:"format"`
	ModelVersion string       `json:"modelVersion"`
	Rooms        []model.Room `json:"rooms"`
}

// DetectRoomsResponse represents the detection service output for both
// detect and refine calls
type DetectRoomsResponse struct {
	Rooms        []model.Room `json:"rooms"`
	ModelVersion string       `json:"modelVersion"`
	ImageWidth   int          `json:"imageWidth,omitempty"`
	ImageHeight  int          `json:"imageHeight,omitempty"`
}

// NewDetectionClient creates a new detection service client. The HTTP
// timeout covers the slowest call (refine); per-stage deadlines come from
// the request context.
func NewDetectionClient(cfg *config.DetectionConfig) *DetectionClient {
	return &DetectionClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RefineTimeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
		apiKey:  cfg.APIKey,
	}
}

// DetectRooms runs full-model room detection over a blueprint
func (c *DetectionClient) DetectRooms(ctx context.Context, req *DetectRoomsRequest) (*DetectRoomsResponse, error) {
	var result DetectRoomsResponse
	if err := c.post(ctx, "/v1/detect", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RefineRooms runs the high-accuracy refinement pass over prior detections
func (c *DetectionClient) RefineRooms(ctx context.Context, req *RefineRoomsRequest) (*DetectRoomsResponse, error) {
	var result DetectRoomsResponse
	if err := c.post(ctx, "/v1/refine", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// post sends a POST request with JSON body
func (c *DetectionClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
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
func (c *DetectionClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[Detection API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Detection API] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return classifyTransportError("detection service", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Detection API] ✗ %s %s — failed to read response: %v", req.Method, req.URL.String(), err)
		return apperr.ServiceUnavailable("detection service", err)
	}

	log.Printf("[Detection API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatusError("detection service", resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[Detection API] ✗ unmarshal error for %s %s: %v (body: %s)", req.Method, req.URL.String(), err, string(respBody))
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *DetectionClient) IsConfigured() bool {
	return c.baseURL != "" && c.apiKey != ""
}
