package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Layout    LayoutConfig
	Detection DetectionConfig
	Pipeline  PipelineConfig
	Cache     CacheConfig
	Websocket WebsocketConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	JobsPerHour    int
	FeedbackPerMin int
	PreviewPerMin  int
}

type StorageConfig struct {
	Endpoint        string // empty for AWS, set for S3-compatible stores
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	CacheBucketName string
	PublicURL       string
}

type LayoutConfig struct {
	ServiceURL string
	APIKey     string
	Timeout    int // seconds, bounds the preview stage
}

type DetectionConfig struct {
	ServiceURL    string
	APIKey        string
	ModelVersion  string
	DetectTimeout int // seconds, bounds the intermediate stage
	RefineTimeout int // seconds, bounds the final stage
}

type PipelineConfig struct {
	MaxAttempts    int
	RetryBaseDelay int // seconds
	JobTTL         int // hours
}

type CacheConfig struct {
	FastTTL    int // minutes
	DurableTTL int // hours
}

type WebsocketConfig struct {
	ConnTTL int // minutes of idle time before a subscription expires
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")
	readSecret("LAYOUT_API_KEY")
	readSecret("DETECTION_API_KEY")
	readSecret("OIDC_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = viper.BindEnv("storage.region", "STORAGE_REGION")
	_ = viper.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.bucket_name", "STORAGE_BUCKET_NAME")
	_ = viper.BindEnv("storage.cache_bucket_name", "STORAGE_CACHE_BUCKET_NAME")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = viper.BindEnv("layout.service_url", "LAYOUT_SERVICE_URL")
	_ = viper.BindEnv("layout.api_key", "LAYOUT_API_KEY")
	_ = viper.BindEnv("layout.timeout", "LAYOUT_TIMEOUT")
	_ = viper.BindEnv("detection.service_url", "DETECTION_SERVICE_URL")
	_ = viper.BindEnv("detection.api_key", "DETECTION_API_KEY")
	_ = viper.BindEnv("detection.model_version", "DETECTION_MODEL_VERSION")
	_ = viper.BindEnv("detection.detect_timeout", "DETECTION_DETECT_TIMEOUT")
	_ = viper.BindEnv("detection.refine_timeout", "DETECTION_REFINE_TIMEOUT")
	_ = viper.BindEnv("pipeline.max_attempts", "PIPELINE_MAX_ATTEMPTS")
	_ = viper.BindEnv("pipeline.retry_base_delay", "PIPELINE_RETRY_BASE_DELAY")
	_ = viper.BindEnv("pipeline.job_ttl", "PIPELINE_JOB_TTL")
	_ = viper.BindEnv("cache.fast_ttl", "CACHE_FAST_TTL")
	_ = viper.BindEnv("cache.durable_ttl", "CACHE_DURABLE_TTL")
	_ = viper.BindEnv("websocket.conn_ttl", "WS_CONN_TTL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("gateway.enabled", false)
	viper.SetDefault("ratelimit.jobs_per_hour", 20)
	viper.SetDefault("ratelimit.feedback_per_min", 30)
	viper.SetDefault("ratelimit.preview_per_min", 60)

	// Storage defaults
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.bucket_name", "planscope-blueprints")
	viper.SetDefault("storage.cache_bucket_name", "planscope-cache")

	// Layout service defaults
	viper.SetDefault("layout.service_url", "http://localhost:8091")
	viper.SetDefault("layout.timeout", 30)

	// Detection service defaults
	viper.SetDefault("detection.service_url", "http://localhost:8092")
	viper.SetDefault("detection.model_version", "1.0.0")
	viper.SetDefault("detection.detect_timeout", 60)
	viper.SetDefault("detection.refine_timeout", 120)

	// Pipeline defaults
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.retry_base_delay", 1)
	viper.SetDefault("pipeline.job_ttl", 168)

	// Cache defaults: the fast tier must expire well before the durable tier
	viper.SetDefault("cache.fast_ttl", 60)
	viper.SetDefault("cache.durable_ttl", 168)

	// Websocket defaults
	viper.SetDefault("websocket.conn_ttl", 60)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Issuer:   viper.GetString("oidc.issuer"),
			ClientID: viper.GetString("oidc.client_id"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			JobsPerHour:    viper.GetInt("ratelimit.jobs_per_hour"),
			FeedbackPerMin: viper.GetInt("ratelimit.feedback_per_min"),
			PreviewPerMin:  viper.GetInt("ratelimit.preview_per_min"),
		},
		Storage: StorageConfig{
			Endpoint:        viper.GetString("storage.endpoint"),
			Region:          viper.GetString("storage.region"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			BucketName:      viper.GetString("storage.bucket_name"),
			CacheBucketName: viper.GetString("storage.cache_bucket_name"),
			PublicURL:       viper.GetString("storage.public_url"),
		},
		Layout: LayoutConfig{
			ServiceURL: viper.GetString("layout.service_url"),
			APIKey:     viper.GetString("layout.api_key"),
			Timeout:    viper.GetInt("layout.timeout"),
		},
		Detection: DetectionConfig{
			ServiceURL:    viper.GetString("detection.service_url"),
			APIKey:        viper.GetString("detection.api_key"),
			ModelVersion:  viper.GetString("detection.model_version"),
			DetectTimeout: viper.GetInt("detection.detect_timeout"),
			RefineTimeout: viper.GetInt("detection.refine_timeout"),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    viper.GetInt("pipeline.max_attempts"),
			RetryBaseDelay: viper.GetInt("pipeline.retry_base_delay"),
			JobTTL:         viper.GetInt("pipeline.job_ttl"),
		},
		Cache: CacheConfig{
			FastTTL:    viper.GetInt("cache.fast_ttl"),
			DurableTTL: viper.GetInt("cache.durable_ttl"),
		},
		Websocket: WebsocketConfig{
			ConnTTL: viper.GetInt("websocket.conn_ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	fast := time.Duration(c.Cache.FastTTL) * time.Minute
	durable := time.Duration(c.Cache.DurableTTL) * time.Hour
	if fast <= 0 || durable <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if fast >= durable {
		return fmt.Errorf("cache.fast_ttl (%s) must be shorter than cache.durable_ttl (%s)", fast, durable)
	}
	return nil
}
