package apikey

import (
	"context"
	"errors"
	"testing"

	"github.com/tjfontaine/listing-gateway/internal/pkg/config"
)

func testConfig(keys map[string]string) *config.Config {
	cfg := &config.Config{}
	for tenant, key := range keys {
		cfg.Tenants = append(cfg.Tenants, config.TenantConfig{
			ID:      tenant,
			APIKeys: []config.APIKeyConfig{{KeyHash: HashAPIKey(key), Description: tenant + " key"}},
		})
	}
	return cfg
}

func TestHashAPIKey(t *testing.T) {
	// sha256("test")
	want := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	if got := HashAPIKey("test"); got != want {
		t.Errorf("HashAPIKey() = %s, want %s", got, want)
	}
}

func TestProvider_Authenticate(t *testing.T) {
	p := NewProvider(testConfig(map[string]string{"tenant-a": "key-a", "tenant-b": "key-b"}))

	auth, err := p.Authenticate(context.Background(), "key-b")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if auth.TenantID != "tenant-b" || auth.Subject != "tenant-b key" {
		t.Errorf("auth = %+v", auth)
	}

	for _, bad := range []string{"", "key-c", HashAPIKey("key-a")} {
		if _, err := p.Authenticate(context.Background(), bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Authenticate(%q) error = %v, want ErrInvalidKey", bad, err)
		}
	}
}

func TestProvider_Reload(t *testing.T) {
	p := NewProvider(testConfig(map[string]string{"tenant-a": "old"}))
	p.Reload(testConfig(map[string]string{"tenant-a": "new"}))

	if _, err := p.Authenticate(context.Background(), "old"); err == nil {
		t.Error("rotated key should be rejected")
	}
	if _, err := p.Authenticate(context.Background(), "new"); err != nil {
		t.Errorf("new key rejected: %v", err)
	}
}

func TestProvider_UppercaseHashInConfig(t *testing.T) {
	cfg := &config.Config{Tenants: []config.TenantConfig{{
		ID:      "tenant-a",
		APIKeys: []config.APIKeyConfig{{KeyHash: "9F86D081884C7D659A2FEAA0C55AD015A3BF4F1B2B0B822CD15D6C15B0F00A08"}},
	}}}
	if _, err := NewProvider(cfg).Authenticate(context.Background(), "test"); err != nil {
		t.Errorf("Authenticate() error = %v", err)
	}
}
