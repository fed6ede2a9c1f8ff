package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the report engine server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Collab   CollabConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// CollabConfig points at the external collaborator services the engine
// delegates to: template analysis, per-placeholder query execution, and
// report rendering.
type CollabConfig struct {
	AnalyzerBaseURL string
	ExecutorBaseURL string
	RendererBaseURL string
	NotifierBaseURL string
	Timeout         time.Duration
}

// EngineConfig tunes the execution engine itself.
type EngineConfig struct {
	Workers               int
	MaxRetryAttempts      int
	EnablePartialAnalysis bool
	EnableRecovery        bool
	CacheThreshold        float64
	PartialSuccessRatio   float64
	ProgressTTL           time.Duration
	LoadSampleTTL         time.Duration
	QueueName             string
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value is
// missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("REPORTFORGE_PORT", 8080),
			Env:  envString("REPORTFORGE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Collab: CollabConfig{
			AnalyzerBaseURL: os.Getenv("ANALYZER_BASE_URL"),
			ExecutorBaseURL: os.Getenv("EXECUTOR_BASE_URL"),
			RendererBaseURL: os.Getenv("RENDERER_BASE_URL"),
			NotifierBaseURL: os.Getenv("NOTIFIER_BASE_URL"),
			Timeout:         envDuration("COLLAB_TIMEOUT", 30*time.Second),
		},
		Engine: EngineConfig{
			Workers:               envInt("ENGINE_WORKERS", 4),
			MaxRetryAttempts:      envInt("ENGINE_MAX_RETRY_ATTEMPTS", 3),
			EnablePartialAnalysis: envBool("ENGINE_ENABLE_PARTIAL_ANALYSIS", true),
			EnableRecovery:        envBool("ENGINE_ENABLE_RECOVERY", true),
			CacheThreshold:        envFloat("ENGINE_CACHE_THRESHOLD", 0.8),
			PartialSuccessRatio:   envFloat("ENGINE_PARTIAL_SUCCESS_RATIO", 0.5),
			ProgressTTL:           envDuration("ENGINE_PROGRESS_TTL", time.Hour),
			LoadSampleTTL:         envDuration("ENGINE_LOAD_SAMPLE_TTL", 30*time.Second),
			QueueName:             envString("ENGINE_QUEUE_NAME", "reports:jobs"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	for name, u := range map[string]string{
		"ANALYZER_BASE_URL": c.Collab.AnalyzerBaseURL,
		"EXECUTOR_BASE_URL": c.Collab.ExecutorBaseURL,
		"RENDERER_BASE_URL": c.Collab.RendererBaseURL,
	} {
		if u == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, u)
		}
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("ENGINE_WORKERS must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.CacheThreshold < 0 || c.Engine.CacheThreshold > 1 {
		return fmt.Errorf("ENGINE_CACHE_THRESHOLD must be within [0,1], got %v", c.Engine.CacheThreshold)
	}
	if c.Engine.PartialSuccessRatio <= 0 || c.Engine.PartialSuccessRatio > 1 {
		return fmt.Errorf("ENGINE_PARTIAL_SUCCESS_RATIO must be within (0,1], got %v", c.Engine.PartialSuccessRatio)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
