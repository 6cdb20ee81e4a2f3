// Package config
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL  string
	CatalogLimit int
	RunInterval  time.Duration

	UserAgent          string
	PerHostConcurrency int
	PerHostRate        float64
	ProbeTimeout       time.Duration

	UpdateWriteInterval  time.Duration
	UpdateWriteQueueSize int

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RetrievalQueueKey string

	MetricsAddr string
	LogFile     string
	LogLevel    string
}

func Load() (Config, error) {
	cfg := Config{}
	var missingVars []string

	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	if cfg.DatabaseURL == "" {
		missingVars = append(missingVars, "DATABASE_URL")
	}
	if len(missingVars) > 0 {
		return cfg, fmt.Errorf("missing required environment variables: %s", strings.Join(missingVars, ", "))
	}

	cfg.CatalogLimit = getInt("CATALOG_LIMIT", 0)
	cfg.RunInterval = getDuration("RUN_INTERVAL", 0)

	cfg.UserAgent = getEnv("USER_AGENT", "hdx-resource-changedetection")
	cfg.PerHostConcurrency = getInt("PER_HOST_CONCURRENCY", 5)
	cfg.PerHostRate = getFloat("PER_HOST_RATE", 0)
	cfg.ProbeTimeout = getDuration("PROBE_TIMEOUT", 30*time.Second)

	cfg.UpdateWriteInterval = getDuration("UPDATE_WRITE_INTERVAL", 5*time.Second)
	cfg.UpdateWriteQueueSize = getInt("UPDATE_WRITE_QUEUE_SIZE", 100)

	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)
	cfg.RetrievalQueueKey = getEnv("RETRIEVAL_QUEUE_KEY", "changedetect:retrieve")

	cfg.MetricsAddr = getEnv("METRICS_ADDR", "0.0.0.0:9094")
	cfg.LogFile = getEnv("LOG_FILE", "logs/changedetect.log")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.PerHostConcurrency < 1 {
		errs = append(errs, fmt.Errorf("PER_HOST_CONCURRENCY must be at least 1, got %d", c.PerHostConcurrency))
	}
	if c.PerHostRate < 0 {
		errs = append(errs, fmt.Errorf("PER_HOST_RATE must not be negative, got %v", c.PerHostRate))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PROBE_TIMEOUT must be positive, got %s", c.ProbeTimeout))
	}
	if c.UpdateWriteInterval <= 0 {
		errs = append(errs, fmt.Errorf("UPDATE_WRITE_INTERVAL must be positive, got %s", c.UpdateWriteInterval))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer setting, using default", "key", key, "value", raw, "default", defaultVal, "error", err)
		return defaultVal
	}
	return value
}

func getFloat(key string, defaultVal float64) float64 {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("Invalid number setting, using default", "key", key, "value", raw, "default", defaultVal, "error", err)
		return defaultVal
	}
	return value
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("Invalid duration setting, using default", "key", key, "value", raw, "default", defaultVal, "error", err)
		return defaultVal
	}
	return value
}
