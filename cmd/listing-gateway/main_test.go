package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tjfontaine/listing-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashKey(t *testing.T) {
	out, err := run(t, "hash-key", "secret")
	if err != nil {
		t.Fatalf("hash-key: %v", err)
	}
	if !strings.Contains(out, apikey.HashAPIKey("secret")) {
		t.Errorf("output missing hash: %s", out)
	}

	if _, err := run(t, "hash-key"); err == nil {
		t.Error("expected an error without an argument")
	}
}

func TestDefaultsSetAndGet(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "storage:\n  type: sqlite\n  sqlite:\n    path: " + filepath.Join(dir, "gateway.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "defaults", "set", "acme", "--config", cfgPath,
		"--merchant-location-key", "wh-9", "--payment-policy-id", "pay-9", "--warehouse-city", "Austin"); err != nil {
		t.Fatalf("set: %v", err)
	}

	out, err := run(t, "defaults", "get", "acme", "--config", cfgPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var d domain.ChannelDefaults
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if d.MerchantLocationKey != "wh-9" || d.PaymentPolicyID != "pay-9" || d.Warehouse.City != "Austin" {
		t.Errorf("defaults = %+v", d)
	}

	if _, err := run(t, "defaults", "get", "nobody", "--config", cfgPath); err == nil {
		t.Error("expected an error for a tenant without defaults")
	}
}

func TestDefaultsRequiresSQLStorage(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("storage:\n  type: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "defaults", "get", "acme", "--config", cfgPath); err == nil {
		t.Error("expected memory storage to be rejected")
	}
}
