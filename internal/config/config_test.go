package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIPort != "8080" {
		t.Errorf("APIPort = %q", cfg.APIPort)
	}
	if cfg.JobStore != StoreMemory {
		t.Errorf("JobStore = %q", cfg.JobStore)
	}
	if cfg.JobRetention != time.Hour || cfg.EvictionInterval != 5*time.Minute {
		t.Errorf("retention/interval = %s/%s", cfg.JobRetention, cfg.EvictionInterval)
	}
	if cfg.EncodeTimeout != 15*time.Minute || cfg.FetchTimeout != 2*time.Minute {
		t.Errorf("timeouts = %s/%s", cfg.EncodeTimeout, cfg.FetchTimeout)
	}
	if cfg.NarrationGain != 1.25 {
		t.Errorf("NarrationGain = %v", cfg.NarrationGain)
	}
	if cfg.AllowLocalAssets || cfg.AlignmentEnabled() {
		t.Error("local assets and alignment should be off by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JOB_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/render")
	t.Setenv("JOB_RETENTION", "30m")
	t.Setenv("MAX_CONCURRENT_JOBS", "3")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ALLOW_LOCAL_ASSETS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.JobStore != StorePostgres || cfg.JobRetention != 30*time.Minute || cfg.MaxConcurrentJobs != 3 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if !cfg.AlignmentEnabled() || !cfg.AllowLocalAssets {
		t.Error("expected alignment and local assets to be enabled")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			JobStore:         StoreMemory,
			JobRetention:     time.Hour,
			EvictionInterval: time.Minute,
			NarrationGain:    1.25,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"memory ok", func(c *Config) {}, ""},
		{"postgres needs url", func(c *Config) { c.JobStore = StorePostgres }, "DATABASE_URL"},
		{"redis needs url", func(c *Config) { c.JobStore = StoreRedis }, "REDIS_URL"},
		{"unknown store", func(c *Config) { c.JobStore = "etcd" }, "unknown JOB_STORE"},
		{"negative workers", func(c *Config) { c.MaxConcurrentJobs = -1 }, "MAX_CONCURRENT_JOBS"},
		{"zero retention", func(c *Config) { c.JobRetention = 0 }, "JOB_RETENTION"},
		{"half s3 credentials", func(c *Config) { c.S3AccessKey = "AKIA" }, "S3_SECRET_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
