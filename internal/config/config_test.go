package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
api_keys: ["key-a", "key-b"]
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want %q", cfg.Database.DSN, ":memory:")
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("api keys count = %d, want 2", len(cfg.APIKeys))
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}"))
	if string(result) != "key: sk-secret-123" {
		t.Errorf("expandEnv = %q, want %q", string(result), "key: sk-secret-123")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	yaml := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Quota.Soft == 0 || cfg.Quota.Hard == 0 {
		t.Errorf("default quota limits not set: %+v", cfg.Quota)
	}
	if !cfg.Rotation.Enabled {
		t.Errorf("rotation should default to enabled")
	}
}

func TestApplyEnvironOverridesDefaults(t *testing.T) {
	t.Parallel()

	cfg := defaults()
	applyEnviron(cfg, []string{
		"AUTO_ROTATE_AUTH_PROFILE=false",
		"QUOTA_SOFT_LIMIT=1000",
		"RATE_LIMIT_COOLDOWN_SECONDS=30",
		"COOKIE_REFRESH_ENABLED=true",
		"GATEWAY_API_KEYS=a,b,c",
	})

	if cfg.Rotation.Enabled {
		t.Errorf("AUTO_ROTATE_AUTH_PROFILE=false should disable rotation")
	}
	if cfg.Quota.Soft != 1000 {
		t.Errorf("soft limit = %d, want 1000", cfg.Quota.Soft)
	}
	if cfg.Rotation.RateLimitCooldown != 30*time.Second {
		t.Errorf("rate limit cooldown = %v, want 30s", cfg.Rotation.RateLimitCooldown)
	}
	if !cfg.CookieRefreshEnabled {
		t.Errorf("cookie refresh should be enabled")
	}
	if len(cfg.APIKeys) != 3 {
		t.Fatalf("api keys count = %d, want 3", len(cfg.APIKeys))
	}
}
