// Package apikey authenticates callers by hashed API keys from tenant config.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/pkg/config"
)

// ErrInvalidKey is returned for unknown or empty keys.
var ErrInvalidKey = errors.New("invalid API key")

type keyEntry struct {
	tenantID    string
	description string
}

// Provider implements ports.AuthProvider. Keys are looked up by their
// sha256 hex digest, so plaintext keys never live in config.
type Provider struct {
	mu   sync.RWMutex
	keys map[string]keyEntry
}

var _ ports.AuthProvider = (*Provider)(nil)

// NewProvider indexes the keys of every tenant in cfg.
func NewProvider(cfg *config.Config) *Provider {
	p := &Provider{}
	p.Reload(cfg)
	return p
}

// Reload replaces the key index. It is called when config changes.
func (p *Provider) Reload(cfg *config.Config) {
	keys := make(map[string]keyEntry)
	for _, t := range cfg.Tenants {
		for _, k := range t.APIKeys {
			keys[strings.ToLower(strings.TrimSpace(k.KeyHash))] = keyEntry{tenantID: t.ID, description: k.Description}
		}
	}
	p.mu.Lock()
	p.keys = keys
	p.mu.Unlock()
}

// Authenticate validates token and returns its tenant.
func (p *Provider) Authenticate(_ context.Context, token string) (*ports.AuthContext, error) {
	if token == "" {
		return nil, ErrInvalidKey
	}
	hash := HashAPIKey(token)

	p.mu.RLock()
	entry, ok := p.keys[hash]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidKey
	}
	return &ports.AuthContext{TenantID: entry.tenantID, Subject: entry.description}, nil
}

// HashAPIKey returns the sha256 hex digest stored in config for apiKey.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
