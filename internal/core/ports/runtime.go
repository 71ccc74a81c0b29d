// Package ports defines the interfaces between the listing core and its collaborators.
package ports

import (
	"context"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// AuthProvider manages authentication.
// Implementations: API key (default), OIDC, none.
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*AuthContext, error)
}

// AuthContext contains authenticated request context.
type AuthContext struct {
	TenantID string
	Subject  string
	Scopes   []string
}

// TenantDefaults looks up per-tenant channel settings. A nil result with a nil
// error means the tenant has no defaults.
type TenantDefaults interface {
	ChannelDefaults(ctx context.Context, tenantID string) (*domain.ChannelDefaults, error)
}
