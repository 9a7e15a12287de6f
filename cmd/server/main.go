package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/planscope/api/internal/auth"
	"github.com/planscope/api/internal/cache"
	"github.com/planscope/api/internal/client"
	"github.com/planscope/api/internal/config"
	"github.com/planscope/api/internal/handler"
	"github.com/planscope/api/internal/middleware"
	"github.com/planscope/api/internal/pipeline"
	"github.com/planscope/api/internal/service"
	"github.com/planscope/api/internal/store"
	"github.com/planscope/api/internal/worker"
	ws "github.com/planscope/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub(time.Duration(cfg.Websocket.ConnTTL) * time.Minute)
	go hub.Run()

	// Initialize storage. Blueprints and result artifacts are the system of
	// record, so a broken storage config is fatal. The cache bucket is a
	// separate client so lifecycle rules can differ per bucket.
	blueprintStore, err := client.NewS3Client(&cfg.Storage, cfg.Storage.BucketName)
	if err != nil {
		log.Fatalf("Failed to initialize blueprint storage: %v", err)
	}
	cacheStore, err := client.NewS3Client(&cfg.Storage, cfg.Storage.CacheBucketName)
	if err != nil {
		log.Fatalf("Failed to initialize cache storage: %v", err)
	}

	// Initialize detection clients (the pipeline falls back to mock
	// detection when a client is not configured)
	layoutClient := client.NewLayoutClient(&cfg.Layout)
	detectionClient := client.NewDetectionClient(&cfg.Detection)
	if !layoutClient.IsConfigured() {
		log.Println("Info: layout service not configured, preview stage will use mock detection")
	}
	if !detectionClient.IsConfigured() {
		log.Println("Info: detection service not configured, detect/refine stages will use mock detection")
	}

	// Initialize OIDC JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize result cache: fast Redis tier for previews, durable S3
	// tier for the expensive stages
	resultCache := cache.NewCoordinator(
		cache.NewRedisKV(redisClient),
		cacheStore,
		time.Duration(cfg.Cache.FastTTL)*time.Minute,
		time.Duration(cfg.Cache.DurableTTL)*time.Hour,
	)

	// Initialize stores
	retention := time.Duration(cfg.Pipeline.JobTTL) * time.Hour
	jobStore := store.NewRedisJobStore(redisClient, retention)
	feedbackStore := store.NewRedisFeedbackStore(redisClient, retention)

	// Initialize services
	jobService := service.NewJobService(jobStore, blueprintStore, resultCache, asynqClient, hub, cfg)
	feedbackService := service.NewFeedbackService(feedbackStore, jobStore)

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobService)
	feedbackHandler := handler.NewFeedbackHandler(feedbackService, validate)

	// Initialize auth handler for ForwardAuth verification
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	// Initialize middleware (with fallback support)
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled — using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		// Direct mode: auth is handled by the backend itself
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB, matches the blueprint size cap
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Correlation-ID",
	}))
	app.Use(middleware.RequestID())

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":     redisClient.Ping(pingCtx).Err() == nil,
				"layout":    layoutClient.IsConfigured(),
				"detection": detectionClient.IsConfigured(),
				"storage":   blueprintStore.IsConfigured(),
				"auth":      jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// Prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	// Job routes
	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.JobsLimit(cfg.RateLimit.JobsPerHour), jobHandler.Create)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)
	jobs.Post("/:jobId/feedback", rateLimiter.FeedbackLimit(cfg.RateLimit.FeedbackPerMin), feedbackHandler.Submit)
	jobs.Get("/:jobId/feedback", feedbackHandler.List)

	// Preview lookup by blueprint fingerprint (cache probe, no job required)
	api.Get("/preview/:fingerprint", rateLimiter.PreviewLimit(cfg.RateLimit.PreviewPerMin), jobHandler.Preview)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, jobStore, resultCache, blueprintStore, layoutClient, detectionClient, hub)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	jobStore store.JobStore,
	resultCache *cache.Coordinator,
	blueprintStore client.StorageClient,
	layoutClient client.LayoutAnalyzer,
	detectionClient client.RoomDetector,
	hub *ws.Hub,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				service.QueuePipeline: 6,
				service.QueueMedia:    4,
			},
			LogLevel: asynqLogLevel,
		},
	)

	// Create workers with external clients
	detector := pipeline.NewServiceDetector(layoutClient, detectionClient)
	orchestrator := pipeline.NewOrchestrator(jobStore, resultCache, detector, blueprintStore, hub, cfg)
	pipelineWorker := worker.NewPipelineWorker(orchestrator)
	mediaWorker := worker.NewMediaWorker(jobStore, blueprintStore)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypePipeline, pipelineWorker.ProcessTask)
	mux.HandleFunc(service.TaskTypeMedia, mediaWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
