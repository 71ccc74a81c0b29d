package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Server.MaxBodyBytes != 256*1024 {
			t.Errorf("max_body_bytes = %v, want %v", cfg.Server.MaxBodyBytes, 256*1024)
		}
		if cfg.RateLimit.Rate != 5 || cfg.RateLimit.Capacity != 10 {
			t.Errorf("rate limit = %v/%v, want 5/10", cfg.RateLimit.Rate, cfg.RateLimit.Capacity)
		}
		if cfg.Idempotency.TTL != time.Hour {
			t.Errorf("idempotency ttl = %v, want 1h", cfg.Idempotency.TTL)
		}
		if cfg.Jobs.Workers != 4 || cfg.Jobs.QueueSize != 64 {
			t.Errorf("jobs = %d/%d, want 4/64", cfg.Jobs.Workers, cfg.Jobs.QueueSize)
		}
		if cfg.Jobs.HeartbeatInterval != 10*time.Second || cfg.Jobs.StaleAfter != time.Minute {
			t.Errorf("job heartbeat = %v/%v, want 10s/1m", cfg.Jobs.HeartbeatInterval, cfg.Jobs.StaleAfter)
		}
		if cfg.Idempotency.SweepInterval != 0 {
			t.Errorf("sweep_interval = %v, want 0 (derived from ttl)", cfg.Idempotency.SweepInterval)
		}
		if cfg.Pipeline.MaxImages != 6 {
			t.Errorf("max_images = %d, want 6", cfg.Pipeline.MaxImages)
		}
		if cfg.Storage.Type != "memory" || cfg.Marketplace.Mode != "stub" || cfg.Auth.Mode != "apikey" {
			t.Errorf("unexpected modes: storage=%s marketplace=%s auth=%s", cfg.Storage.Type, cfg.Marketplace.Mode, cfg.Auth.Mode)
		}
	})

	t.Run("stale_after must exceed heartbeat", func(t *testing.T) {
		path := writeConfig(t, `
jobs:
  heartbeat_interval: 30s
  stale_after: 30s
`)
		if _, err := Load(path); err == nil {
			t.Fatal("Load() succeeded with stale_after equal to heartbeat_interval")
		}
	})

	t.Run("file values and tenants", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: 9090
rate_limit:
  rate: 2
  capacity: 4
idempotency:
  ttl: 10m
tenants:
  - id: acme
    name: Acme
    api_keys:
      - key_hash: abc123
    defaults:
      merchant_location_key: wh-1
      warehouse:
        city: Austin
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("port = %d, want 9090", cfg.Server.Port)
		}
		if cfg.RateLimit.Capacity != 4 {
			t.Errorf("capacity = %v, want 4", cfg.RateLimit.Capacity)
		}
		if cfg.Idempotency.TTL != 10*time.Minute {
			t.Errorf("ttl = %v, want 10m", cfg.Idempotency.TTL)
		}
		tenant, ok := cfg.Tenant("acme")
		if !ok {
			t.Fatal("tenant acme not found")
		}
		if tenant.Defaults == nil || tenant.Defaults.MerchantLocationKey != "wh-1" {
			t.Fatalf("defaults = %+v", tenant.Defaults)
		}
		if tenant.Defaults.Warehouse.City != "Austin" {
			t.Errorf("warehouse city = %q", tenant.Defaults.Warehouse.City)
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("LISTING_SERVER__PORT", "9000")
		t.Setenv("LISTING_JOBS__WORKERS", "2")

		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("port = %v, want 9000", cfg.Server.Port)
		}
		if cfg.Jobs.Workers != 2 {
			t.Errorf("workers = %v, want 2", cfg.Jobs.Workers)
		}
	})

	t.Run("secret substitution", func(t *testing.T) {
		t.Setenv("TEST_ENRICH_KEY", "sekret")
		path := writeConfig(t, `
enrichment:
  api_key: ${TEST_ENRICH_KEY}
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Enrichment.APIKey != "sekret" {
			t.Errorf("api key = %q, want sekret", cfg.Enrichment.APIKey)
		}
	})

	t.Run("invalid storage type", func(t *testing.T) {
		path := writeConfig(t, "storage:\n  type: mysql\n")
		if _, err := Load(path); err == nil {
			t.Fatal("expected error for unsupported storage type")
		}
	})

	t.Run("duplicate tenant", func(t *testing.T) {
		path := writeConfig(t, "tenants:\n  - id: a\n  - id: a\n")
		if _, err := Load(path); err == nil {
			t.Fatal("expected error for duplicate tenant")
		}
	})
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "embedded", input: "prefix-${TEST_VAR}-suffix", want: "prefix-test-value-suffix"},
		{name: "missing var", input: "${NOT_SET_ANYWHERE_12345}", want: ""},
		{name: "no vars", input: "plain", want: "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
