package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool   // Run a worker inside the API process
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database ("memory://" selects the in-process store)
	DatabaseURL string

	// Redis (empty = no wake-ups, no cross-process progress)
	RedisURL string

	// Object storage
	StorageProvider       string // "supabase" or "s3"
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	S3Endpoint            string
	S3AccessKey           string
	S3SecretKey           string
	S3Bucket              string
	S3UseSSL              bool
	S3PublicBaseURL       string

	// Media tool candidates, tried in order at startup
	FFmpegPaths  []string
	FFprobePaths []string

	// Rendering
	RenderResolution  string
	RenderFPS         int
	HookFont          string
	TemplatePlacement string // Default placement when a spec leaves it empty
	RenderSpeedFactor float64
	AvgJobSeconds     float64

	// Worker
	WorkspaceRoot       string
	WorkerID            string
	WorkerConcurrency   int
	PollInterval        time.Duration
	ProgressMinInterval time.Duration
	ProgressMinStep     float64
	AcquireConcurrency  int
	StaleClaimTimeout   time.Duration // 0 disables the reaper
	ReaperInterval      time.Duration
	BatchConcurrency    int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		StorageProvider:       getEnv("STORAGE_PROVIDER", "supabase"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "hookreel-videos"),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3AccessKey:           getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:           getEnv("S3_SECRET_KEY", ""),
		S3Bucket:              getEnv("S3_BUCKET", "hookreel-videos"),
		S3UseSSL:              getEnvBool("S3_USE_SSL", true),
		S3PublicBaseURL:       getEnv("S3_PUBLIC_BASE_URL", ""),
		FFmpegPaths:           getEnvList("FFMPEG_PATHS", []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg", "/opt/homebrew/bin/ffmpeg"}),
		FFprobePaths:          getEnvList("FFPROBE_PATHS", []string{"ffprobe", "/usr/bin/ffprobe", "/usr/local/bin/ffprobe", "/opt/homebrew/bin/ffprobe"}),
		RenderResolution:      getEnv("RENDER_RESOLUTION", "1080x1920"),
		RenderFPS:             getEnvInt("RENDER_FPS", 30),
		HookFont:              getEnv("HOOK_FONT", "Noto Sans"),
		TemplatePlacement:     getEnv("TEMPLATE_PLACEMENT", "overlay"),
		RenderSpeedFactor:     getEnvFloat("RENDER_SPEED_FACTOR", 1.5),
		AvgJobSeconds:         getEnvFloat("AVG_JOB_SECONDS", 30),
		WorkspaceRoot:         getEnv("WORKSPACE_ROOT", "/tmp/hookreel"),
		WorkerID:              getEnv("WORKER_ID", hostname),
		WorkerConcurrency:     getEnvInt("WORKER_CONCURRENCY", 1),
		PollInterval:          getEnvDuration("WORKER_POLL_INTERVAL", 3*time.Second),
		ProgressMinInterval:   getEnvDuration("PROGRESS_MIN_INTERVAL", time.Second),
		ProgressMinStep:       getEnvFloat("PROGRESS_MIN_STEP", 1.0),
		AcquireConcurrency:    getEnvInt("ACQUIRE_CONCURRENCY", 4),
		StaleClaimTimeout:     getEnvDuration("STALE_CLAIM_TIMEOUT", 0),
		ReaperInterval:        getEnvDuration("REAPER_INTERVAL", time.Minute),
		BatchConcurrency:      getEnvInt("BATCH_CONCURRENCY", 2),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.StorageProvider {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	case "s3":
		if c.S3Endpoint == "" || c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY are required")
		}
	default:
		return fmt.Errorf("unknown STORAGE_PROVIDER %q (supabase, s3)", c.StorageProvider)
	}

	if len(c.FFmpegPaths) == 0 || len(c.FFprobePaths) == 0 {
		return fmt.Errorf("FFMPEG_PATHS and FFPROBE_PATHS must not be empty")
	}

	switch c.TemplatePlacement {
	case "overlay", "prefix":
	default:
		return fmt.Errorf("unknown TEMPLATE_PLACEMENT %q (overlay, prefix)", c.TemplatePlacement)
	}

	if c.RenderFPS <= 0 {
		return fmt.Errorf("RENDER_FPS must be > 0")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be > 0")
	}
	if c.StaleClaimTimeout < 0 {
		return fmt.Errorf("STALE_CLAIM_TIMEOUT must not be negative")
	}
	if c.AcquireConcurrency < 1 {
		c.AcquireConcurrency = 1
	}
	if c.BatchConcurrency < 1 {
		c.BatchConcurrency = 1
	}

	return nil
}

// MemoryStore reports whether the in-process job store was requested.
func (c *Config) MemoryStore() bool {
	return strings.HasPrefix(c.DatabaseURL, "memory://")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks and keeping order.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
