// Package config assembles the Hub's runtime configuration from the
// environment (spec §6 Environment), following the teacher's
// state/factory.FromEnv idiom of local getenv/getenvInt/getenvDuration
// helpers rather than a struct-tag-driven config library.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config bounds every tunable spec.md §6 calls out by name: pool size,
// checkpoint interval, default/max timeouts, health-check interval,
// unhealthy threshold, min-routing-confidence, max-agents-per-system,
// distributed-mode flag, queue endpoint, store endpoint.
type Config struct {
	Addr string

	Workers              int
	QueueSize            int
	DefaultTimeoutMs     int
	MaxTimeoutMs         int
	CheckpointIntervalMs int

	HealthCheckInterval time.Duration
	UnhealthyThreshold  int
	MinRoutingConfidence float64
	MaxAgentsPerSystem   int

	Distributed bool
	QueueBackend string // "memory" | "redis"
	RedisAddr    string
	RedisDB      int

	StoreBackend string // "memory" | "sqlite"
	SQLitePath   string
}

// FromEnv loads a Config from the process environment, best-effort
// applying a .env file first the way the teacher's CLI entrypoint does —
// a missing .env is not an error, matching godotenv's own convention for
// optional local development overrides.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Addr: getenv("HUB_ADDR", "127.0.0.1:8080"),

		Workers:              getenvInt("HUB_WORKERS", 4),
		QueueSize:            getenvInt("HUB_QUEUE_SIZE", 256),
		DefaultTimeoutMs:     getenvInt("HUB_DEFAULT_TIMEOUT_MS", 30000),
		MaxTimeoutMs:         getenvInt("HUB_MAX_TIMEOUT_MS", 300000),
		CheckpointIntervalMs: getenvInt("HUB_CHECKPOINT_INTERVAL_MS", 10000),

		HealthCheckInterval:  getenvDuration("HUB_HEALTH_CHECK_INTERVAL", 30*time.Second),
		UnhealthyThreshold:   getenvInt("HUB_UNHEALTHY_THRESHOLD", 3),
		MinRoutingConfidence: getenvFloat("HUB_MIN_ROUTING_CONFIDENCE", 0.5),
		MaxAgentsPerSystem:   getenvInt("HUB_MAX_AGENTS_PER_SYSTEM", 0),

		Distributed:  ParseBoolString(os.Getenv("HUB_DISTRIBUTED"), false),
		QueueBackend: getenv("HUB_QUEUE_BACKEND", "memory"),
		RedisAddr:    getenv("HUB_REDIS_ADDR", "127.0.0.1:6379"),
		RedisDB:      getenvInt("HUB_REDIS_DB", 0),

		StoreBackend: getenv("HUB_STORE_BACKEND", "memory"),
		SQLitePath:   getenv("HUB_SQLITE_PATH", "./hub.db"),
	}
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	return ParseIntEnv(key, fallback)
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func getenvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}
