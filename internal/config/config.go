// Package config loads the service configuration from the environment.
// Core behaviour (single-flight, retries, eviction) is tuned here; the
// packages themselves never read the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTP   HTTPConfig
	DB     DBConfig
	Engine EngineConfig
	Jobs   JobsConfig
	Store  StoreConfig
	NATS   NATSConfig
}

type HTTPConfig struct {
	Port        int
	MetricsPort int
}

type DBConfig struct {
	DSN string
}

type EngineConfig struct {
	// Binary is the Volatility-compatible CLI the runner shells out to.
	Binary  string
	Version string
	Timeout time.Duration
}

type JobsConfig struct {
	MaxConcurrent int
	MaxRunning    int
	QueueWait     time.Duration
	RetryAttempts int
	RetryBase     time.Duration
}

type StoreConfig struct {
	// QuotaBytes bounds total stored artifact volume; 0 disables eviction.
	QuotaBytes int64
	WorkDir    string
	PolicyPath string
}

type NATSConfig struct {
	URL string
}

func Load() (Config, error) {
	cfg := Config{}

	cfg.HTTP.Port = getEnvInt("MEMTRIAGE_HTTP_PORT", 8080)
	cfg.HTTP.MetricsPort = getEnvInt("MEMTRIAGE_METRICS_PORT", 9090)

	cfg.DB.DSN = os.Getenv("MEMTRIAGE_DB_DSN")

	cfg.Engine.Binary = getEnv("MEMTRIAGE_ENGINE_BINARY", "vol")
	cfg.Engine.Version = getEnv("MEMTRIAGE_ENGINE_VERSION", "volatility3-2.x")
	timeout, err := getEnvDuration("MEMTRIAGE_ENGINE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.Engine.Timeout = timeout

	cfg.Jobs.MaxConcurrent = getEnvInt("MEMTRIAGE_MAX_CONCURRENT", 2)
	if cfg.Jobs.MaxConcurrent <= 0 {
		return Config{}, fmt.Errorf("MEMTRIAGE_MAX_CONCURRENT must be positive")
	}
	cfg.Jobs.MaxRunning = getEnvInt("MEMTRIAGE_MAX_RUNNING", cfg.Jobs.MaxConcurrent)
	queueWait, err := getEnvDuration("MEMTRIAGE_QUEUE_WAIT", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.Jobs.QueueWait = queueWait
	cfg.Jobs.RetryAttempts = getEnvInt("MEMTRIAGE_RETRY_ATTEMPTS", 2)
	retryBase, err := getEnvDuration("MEMTRIAGE_RETRY_BASE", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.Jobs.RetryBase = retryBase

	if quota := os.Getenv("MEMTRIAGE_STORE_QUOTA_BYTES"); quota != "" {
		parsed, err := strconv.ParseInt(quota, 10, 64)
		if err != nil || parsed < 0 {
			return Config{}, fmt.Errorf("invalid MEMTRIAGE_STORE_QUOTA_BYTES: %q", quota)
		}
		cfg.Store.QuotaBytes = parsed
	}
	cfg.Store.WorkDir = getEnv("MEMTRIAGE_WORK_DIR", os.TempDir())
	cfg.Store.PolicyPath = os.Getenv("MEMTRIAGE_POLICY_FILE")

	cfg.NATS.URL = os.Getenv("MEMTRIAGE_NATS_URL")

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return parsed, nil
}
