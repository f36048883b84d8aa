package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Success(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.App.Env != "production" || !cfg.App.IsProd() {
		t.Fatalf("expected App.Env to be production, got %q", cfg.App.Env)
	}
	if cfg.API.BaseURL != "https://api.packfinderz.test" {
		t.Fatalf("unexpected API base url %q", cfg.API.BaseURL)
	}
	if cfg.Storage.Driver != StorageDriverSQL {
		t.Fatalf("expected sql storage by default, got %q", cfg.Storage.Driver)
	}
	if cfg.DB.Dialect != "sqlite" {
		t.Fatalf("expected sqlite dialect by default, got %q", cfg.DB.Dialect)
	}
	if got := cfg.Session.RefreshTimeout; got != 10*time.Second {
		t.Fatalf("expected refresh timeout 10s, got %v", got)
	}
	if got := cfg.Session.MaxPendingRequests; got != 256 {
		t.Fatalf("expected pending capacity 256, got %d", got)
	}
	if got := cfg.Session.ExpirySkew; got != 30*time.Second {
		t.Fatalf("expected expiry skew 30s, got %v", got)
	}
	if got := cfg.Cart.PublishTimeout; got != 15*time.Second {
		t.Fatalf("expected publish timeout 15s, got %v", got)
	}
	if cfg.Realtime.Enabled() {
		t.Fatal("realtime should be disabled without a url")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv(EnvSessionRefreshTimeout, "3s")
	t.Setenv(EnvRealtimeURL, "wss://rt.packfinderz.test/ws")
	t.Setenv(EnvStorageDriver, " Memory ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.Session.RefreshTimeout != 3*time.Second {
		t.Fatalf("expected override, got %v", cfg.Session.RefreshTimeout)
	}
	if !cfg.Realtime.Enabled() {
		t.Fatal("realtime should be enabled")
	}
	if cfg.Storage.Driver != StorageDriverMemory {
		t.Fatalf("expected normalized driver, got %q", cfg.Storage.Driver)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setMinimalEnv(t)
	if err := os.Unsetenv(EnvAppEnv); err != nil {
		t.Fatalf("failed to unset %s: %v", EnvAppEnv, err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected missing required env to return an error")
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv(EnvStorageDriver, "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestLoad_RedisDriverNeedsAddress(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv(EnvStorageDriver, StorageDriverRedis)
	if _, err := Load(); err == nil {
		t.Fatal("expected redis address error")
	}
	t.Setenv(EnvRedisURL, "redis://localhost:6379/0")
	if _, err := Load(); err != nil {
		t.Fatalf("unexpected error with redis url: %v", err)
	}
}

func setMinimalEnv(t *testing.T) {
	t.Helper()

	t.Setenv(EnvAppEnv, "production")
	t.Setenv(EnvAPIBaseURL, "https://api.packfinderz.test")
	for _, key := range []string{EnvStorageDriver, EnvRealtimeURL, EnvRedisURL, EnvRedisAddr, EnvSessionRefreshTimeout} {
		unsetEnv(t, key)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset %s: %v", key, err)
	}
}
