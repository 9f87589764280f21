package config

import (
	"os"
	"testing"
	"time"
)

func clearHubEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"HUB_ADDR", "HUB_WORKERS", "HUB_QUEUE_SIZE", "HUB_DEFAULT_TIMEOUT_MS",
		"HUB_MAX_TIMEOUT_MS", "HUB_CHECKPOINT_INTERVAL_MS", "HUB_HEALTH_CHECK_INTERVAL",
		"HUB_UNHEALTHY_THRESHOLD", "HUB_MIN_ROUTING_CONFIDENCE", "HUB_MAX_AGENTS_PER_SYSTEM",
		"HUB_DISTRIBUTED", "HUB_QUEUE_BACKEND", "HUB_REDIS_ADDR", "HUB_REDIS_DB",
		"HUB_STORE_BACKEND", "HUB_SQLITE_PATH",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestFromEnvDefaultsWhenUnset(t *testing.T) {
	clearHubEnv(t)
	cfg := FromEnv()

	if cfg.Addr != "127.0.0.1:8080" {
		t.Errorf("Addr = %q, want 127.0.0.1:8080", cfg.Addr)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.DefaultTimeoutMs != 30000 {
		t.Errorf("DefaultTimeoutMs = %d, want 30000", cfg.DefaultTimeoutMs)
	}
	if cfg.HealthCheckInterval != 30*time.Second {
		t.Errorf("HealthCheckInterval = %v, want 30s", cfg.HealthCheckInterval)
	}
	if cfg.Distributed {
		t.Errorf("Distributed = true, want false by default")
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("StoreBackend = %q, want memory", cfg.StoreBackend)
	}
}

func TestFromEnvHonorsOverrides(t *testing.T) {
	clearHubEnv(t)
	t.Setenv("HUB_ADDR", "0.0.0.0:9090")
	t.Setenv("HUB_WORKERS", "16")
	t.Setenv("HUB_DISTRIBUTED", "true")
	t.Setenv("HUB_QUEUE_BACKEND", "redis")
	t.Setenv("HUB_MIN_ROUTING_CONFIDENCE", "0.75")
	t.Setenv("HUB_STORE_BACKEND", "sqlite")

	cfg := FromEnv()

	if cfg.Addr != "0.0.0.0:9090" {
		t.Errorf("Addr = %q, want 0.0.0.0:9090", cfg.Addr)
	}
	if cfg.Workers != 16 {
		t.Errorf("Workers = %d, want 16", cfg.Workers)
	}
	if !cfg.Distributed {
		t.Errorf("Distributed = false, want true")
	}
	if cfg.QueueBackend != "redis" {
		t.Errorf("QueueBackend = %q, want redis", cfg.QueueBackend)
	}
	if cfg.MinRoutingConfidence != 0.75 {
		t.Errorf("MinRoutingConfidence = %v, want 0.75", cfg.MinRoutingConfidence)
	}
	if cfg.StoreBackend != "sqlite" {
		t.Errorf("StoreBackend = %q, want sqlite", cfg.StoreBackend)
	}
}

func TestFromEnvIgnoresMalformedNumericOverride(t *testing.T) {
	clearHubEnv(t)
	t.Setenv("HUB_WORKERS", "not-a-number")

	cfg := FromEnv()
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want fallback of 4 for malformed override", cfg.Workers)
	}
}
