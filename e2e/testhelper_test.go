package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/planscope/api/internal/auth"
	"github.com/planscope/api/internal/cache"
	"github.com/planscope/api/internal/config"
	"github.com/planscope/api/internal/handler"
	"github.com/planscope/api/internal/middleware"
	"github.com/planscope/api/internal/model"
	"github.com/planscope/api/internal/service"
	"github.com/planscope/api/internal/store"
	ws "github.com/planscope/api/internal/websocket"
)

const testJWTSecret = "test-secret-for-e2e"

// memStorage replaces S3 for tests. It backs both the blueprint bucket and
// the durable cache tier.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return key, nil
}

func (m *memStorage) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("object not found: " + key)
	}
	return append([]byte(nil), data...), nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (m *memStorage) GetPublicURL(key string) string {
	return "https://cdn.example/" + key
}

func (m *memStorage) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	jobs    store.JobStore
	storage *memStorage
	cache   *cache.Coordinator
}

// setupApp creates a Fiber app identical to main.go but with in-memory
// storage and unconfigured detection clients, so no external service is
// touched. The pipeline worker is not started; jobs stay pending unless a
// test moves them.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	// Redis (localhost — must be running)
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})

	// Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	})
	t.Cleanup(func() { asynqClient.Close() })

	validate := validator.New()

	cfg := &config.Config{
		Detection: config.DetectionConfig{ModelVersion: "1.0.0"},
		Pipeline:  config.PipelineConfig{MaxAttempts: 2, RetryBaseDelay: 0, JobTTL: 1},
	}

	storage := newMemStorage()

	hub := ws.NewHub(time.Hour)
	go hub.Run()

	// Short TTLs keep test entries from lingering in Redis DB 15
	resultCache := cache.NewCoordinator(cache.NewRedisKV(redisClient), storage, time.Minute, time.Hour)

	jobStore := store.NewRedisJobStore(redisClient, time.Hour)
	feedbackStore := store.NewRedisFeedbackStore(redisClient, time.Hour)

	// Services
	jobService := service.NewJobService(jobStore, storage, resultCache, asynqClient, hub, cfg)
	feedbackService := service.NewFeedbackService(feedbackStore, jobStore)

	// Handlers
	jobHandler := handler.NewJobHandler(jobService)
	feedbackHandler := handler.NewFeedbackHandler(feedbackService, validate)

	// Auth handler (for /auth/verify)
	authHandler := handler.NewAuthHandler(nil, testJWTSecret)

	// Auth middleware — legacy HMAC only
	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})
	app.Use(middleware.RequestID())

	// Base routes
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":     true,
				"layout":    false,
				"detection": false,
				"storage":   true,
				"auth":      true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	// API routes (authenticated)
	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.JobsLimit(10000), jobHandler.Create)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)
	jobs.Post("/:jobId/feedback", rateLimiter.FeedbackLimit(10000), feedbackHandler.Submit)
	jobs.Get("/:jobId/feedback", feedbackHandler.List)

	api.Get("/preview/:fingerprint", rateLimiter.PreviewLimit(10000), jobHandler.Preview)

	return &testApp{app: app, jobs: jobStore, storage: storage, cache: resultCache}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: "test-user-123",
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "planscope-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// createBlueprintRequest builds a multipart/form-data request carrying a
// blueprint file.
func createBlueprintRequest(t *testing.T, token, filename, contentType string, data []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="blueprint"; filename=%q`, filename))
	partHeader.Set("Content-Type", contentType)
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, "/api/jobs", &buf)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req
}

// createJob uploads a blueprint and returns the parsed creation response.
func createJob(t *testing.T, ta *testApp, data []byte) map[string]interface{} {
	t.Helper()

	req := createBlueprintRequest(t, generateToken(t), "plan.png", "image/png", data)
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	return parseJSON(t, resp)
}

// seedCompletedJob stores a completed job with a final result artifact,
// standing in for a full pipeline run.
func seedCompletedJob(t *testing.T, ta *testApp) *model.Job {
	t.Helper()

	data := []byte("completed blueprint " + model.NewJobID())
	job := model.NewJob(model.BlueprintMeta{
		Filename: "plan.png",
		Format:   model.FormatPNG,
		Size:     int64(len(data)),
	}, model.Fingerprint(data), "1.0.0", "")
	job.Status = model.JobStatusCompleted
	job.Stage = model.StageFinal
	job.Progress = 100
	now := time.Now().UTC()
	job.StartedAt = &now
	job.CompletedAt = &now
	job.ResultRef = "results/" + job.ID + "/final.json"

	if err := ta.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}

	result := model.StageResult{
		Stage:        model.StageFinal,
		Rooms:        []model.Room{{ID: "room_1", Label: "Kitchen", Confidence: 0.95, BoundingBox: []int{10, 20, 400, 300}}},
		ModelVersion: "1.0.0",
		ProducedAt:   now,
	}
	artifact, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}
	ta.storage.put(job.ResultRef, artifact)

	return job
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// assertErrorCode checks the error envelope code.
func assertErrorCode(t *testing.T, result map[string]interface{}, expected string) {
	t.Helper()
	errObj, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", result)
	}
	if errObj["code"] != expected {
		t.Errorf("expected error code %s, got %v", expected, errObj["code"])
	}
}
