package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	// Server
	APIPort            string `env:"API_PORT" envDefault:"8080"`
	BackendAPIKey      string `env:"BACKEND_API_KEY"`      // empty = no auth, dev mode
	CorsAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS"` // comma-separated, empty = *
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`

	// Jobs
	WorkDir           string        `env:"WORK_DIR" envDefault:"/tmp/reelcomposer"`
	MaxConcurrentJobs int           `env:"MAX_CONCURRENT_JOBS" envDefault:"0"` // 0 = NumCPU
	JobRetention      time.Duration `env:"JOB_RETENTION" envDefault:"1h"`
	EvictionInterval  time.Duration `env:"EVICTION_INTERVAL" envDefault:"5m"`

	// Rendering
	EncodeTimeout time.Duration `env:"ENCODE_TIMEOUT" envDefault:"15m"`
	FetchTimeout  time.Duration `env:"FETCH_TIMEOUT" envDefault:"2m"`
	FFmpegPath    string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath   string        `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	NarrationGain float64       `env:"NARRATION_GAIN" envDefault:"1.25"`

	// Job record mirror
	JobStore    string `env:"JOB_STORE" envDefault:"memory"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	DatabaseURL string `env:"DATABASE_URL"`

	// OpenAI (word alignment, optional)
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	AlignLanguage string `env:"ALIGN_LANGUAGE" envDefault:"en"`

	// S3 asset source (optional)
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`

	AllowLocalAssets bool `env:"ALLOW_LOCAL_ASSETS" envDefault:"false"`
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.JobStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when JOB_STORE=redis")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOB_STORE=postgres")
		}
	default:
		return fmt.Errorf("unknown JOB_STORE %q (want memory, redis or postgres)", c.JobStore)
	}

	if c.MaxConcurrentJobs < 0 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must not be negative")
	}
	if c.JobRetention <= 0 {
		return fmt.Errorf("JOB_RETENTION must be positive")
	}
	if c.EvictionInterval <= 0 {
		return fmt.Errorf("EVICTION_INTERVAL must be positive")
	}
	if c.NarrationGain <= 0 {
		return fmt.Errorf("NARRATION_GAIN must be positive")
	}
	if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}
	return nil
}

// AlignmentEnabled reports whether narration without word timings is sent for transcription.
func (c *Config) AlignmentEnabled() bool {
	return c.OpenAIKey != ""
}
