// Package none admits every request as a single tenant.
package none

import (
	"context"

	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

// DefaultTenant is the tenant every request maps to.
const DefaultTenant = "default"

// Provider implements ports.AuthProvider without checking credentials.
type Provider struct{}

var _ ports.AuthProvider = Provider{}

func (Provider) Authenticate(context.Context, string) (*ports.AuthContext, error) {
	return &ports.AuthContext{TenantID: DefaultTenant, Subject: "anonymous"}, nil
}
