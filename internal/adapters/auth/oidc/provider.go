// Package oidc authenticates bearer ID tokens issued by an OpenID Connect provider.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/pkg/config"
)

// DefaultTenantClaim is read when no claim is configured.
const DefaultTenantClaim = "tenant_id"

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrMissingTenant = errors.New("token has no tenant claim")
)

// Verifier verifies raw ID tokens. *gooidc.IDTokenVerifier satisfies it.
type Verifier interface {
	Verify(ctx context.Context, rawIDToken string) (*gooidc.IDToken, error)
}

// Provider implements ports.AuthProvider over a token verifier.
type Provider struct {
	verifier    Verifier
	tenantClaim string
}

var _ ports.AuthProvider = (*Provider)(nil)

// New wraps verifier. The tenant is read from tenantClaim.
func New(verifier Verifier, tenantClaim string) *Provider {
	if tenantClaim == "" {
		tenantClaim = DefaultTenantClaim
	}
	return &Provider{verifier: verifier, tenantClaim: tenantClaim}
}

// Discover fetches the issuer's discovery document and keys.
func Discover(ctx context.Context, cfg config.OIDCConfig) (*Provider, error) {
	issuer, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.Issuer, err)
	}
	verifier := issuer.Verifier(&gooidc.Config{ClientID: cfg.ClientID})
	return New(verifier, cfg.TenantClaim), nil
}

func (p *Provider) Authenticate(ctx context.Context, token string) (*ports.AuthContext, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	idToken, err := p.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	tenant, _ := claims[p.tenantClaim].(string)
	if tenant == "" {
		return nil, ErrMissingTenant
	}

	var scopes []string
	if s, ok := claims["scope"].(string); ok {
		scopes = strings.Fields(s)
	}
	return &ports.AuthContext{TenantID: tenant, Subject: idToken.Subject, Scopes: scopes}, nil
}
