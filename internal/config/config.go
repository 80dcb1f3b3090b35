package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	API       APIConfig
	Handler   HandlerConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Telemetry TelemetryConfig
	Webhook   WebhookConfig
}

type APIConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PresignTTL   time.Duration
}

// HandlerConfig drives request assembly. Both binaries load it so the
// worker resolves rendition paths exactly as the gateway does.
type HandlerConfig struct {
	SourceBuckets       []string
	RewriteMatchPattern string
	RewriteSubstitution string
	AutoWebP            bool
	CORSOrigins         []string
	CacheControlDefault string
	// MaxDimension caps the width and height an edit may ask for.
	MaxDimension int
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	MaxRetry      int
	Timeout       time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// RedisOptions returns go-redis options for the same server the queue uses.
func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	MetricsAddr   string
	OutputPrefix  string
}

// StorageConfig points at the object store. When LocalRoot is set, buckets
// are read from and renditions written to directories under it instead.
type StorageConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	OutputBucket string
	UseSSL       bool
	LocalRoot    string
}

type DatabaseConfig struct {
	DSN string
}

type RateLimitConfig struct {
	Enabled       bool
	Requests      int
	Window        time.Duration
	SubjectHeader string
}

type CacheConfig struct {
	Enabled  bool
	TTL      time.Duration
	MaxBytes int
}

type TelemetryConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:         env("PIXELGATE_API_ADDR", ":8080"),
			ReadTimeout:  envDuration("PIXELGATE_API_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: envDuration("PIXELGATE_API_WRITE_TIMEOUT", 30*time.Second),
			PresignTTL:   envDuration("PIXELGATE_PRESIGN_TTL", 15*time.Minute),
		},
		Handler: HandlerConfig{
			SourceBuckets:       envList("SOURCE_BUCKETS"),
			RewriteMatchPattern: env("REWRITE_MATCH_PATTERN", ""),
			RewriteSubstitution: env("REWRITE_SUBSTITUTION", ""),
			AutoWebP:            envSwitch("AUTO_WEBP"),
			CORSOrigins:         envList("CORS_ORIGINS"),
			CacheControlDefault: env("CACHE_CONTROL_DEFAULT", "max-age=31536000,public"),
			MaxDimension:        envInt("MAX_IMAGE_DIMENSION", 8192),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
			MaxRetry:      envInt("QUEUE_MAX_RETRY", 5),
			Timeout:       envDuration("QUEUE_TASK_TIMEOUT", 3*time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs: envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			MetricsAddr:   env("WORKER_METRICS_ADDR", ":9091"),
			OutputPrefix:  env("WORKER_OUTPUT_PREFIX", "renditions"),
		},
		Storage: StorageConfig{
			Endpoint:     env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:    env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:    env("MINIO_SECRET_KEY", "minioadmin"),
			OutputBucket: env("MINIO_OUTPUT_BUCKET", "pixelgate-renditions"),
			UseSSL:       envBool("MINIO_USE_SSL", false),
			LocalRoot:    env("STORAGE_LOCAL_ROOT", ""),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("RATE_LIMIT_ENABLED", false),
			Requests:      envInt("RATE_LIMIT_REQUESTS", 120),
			Window:        envDuration("RATE_LIMIT_WINDOW", time.Minute),
			SubjectHeader: env("RATE_LIMIT_SUBJECT_HEADER", "X-Forwarded-For"),
		},
		Cache: CacheConfig{
			Enabled:  envBool("CACHE_ENABLED", false),
			TTL:      envDuration("CACHE_TTL", 10*time.Minute),
			MaxBytes: envInt("CACHE_MAX_BYTES", 5<<20),
		},
		Telemetry: TelemetryConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// envSwitch reads a feature switch. Besides the strconv spellings it
// accepts yes and on, and anything else is off.
func envSwitch(key string) bool {
	switch strings.ToLower(strings.TrimSpace(env(key, ""))) {
	case "yes", "on", "y":
		return true
	default:
		return envBool(key, false)
	}
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// envList splits a comma-separated value, dropping all whitespace and empty
// entries.
func envList(key string) []string {
	value := strings.Join(strings.Fields(env(key, "")), "")
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
