package file

import (
	"context"
	"sync"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/pkg/config"
)

// TenantDefaults serves channel defaults from the tenants section of config.
type TenantDefaults struct {
	mu       sync.RWMutex
	defaults map[string]*domain.ChannelDefaults
}

var _ ports.TenantDefaults = (*TenantDefaults)(nil)

func NewTenantDefaults(cfg *config.Config) *TenantDefaults {
	t := &TenantDefaults{}
	t.Reload(cfg)
	return t
}

// Reload replaces the defaults with those in cfg.
func (t *TenantDefaults) Reload(cfg *config.Config) {
	defaults := make(map[string]*domain.ChannelDefaults, len(cfg.Tenants))
	for _, tc := range cfg.Tenants {
		if tc.Defaults != nil {
			d := *tc.Defaults
			defaults[tc.ID] = &d
		}
	}
	t.mu.Lock()
	t.defaults = defaults
	t.mu.Unlock()
}

func (t *TenantDefaults) ChannelDefaults(_ context.Context, tenantID string) (*domain.ChannelDefaults, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.defaults[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}
