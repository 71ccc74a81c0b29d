package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

// KeyHeader is the alternative to a bearer Authorization header.
const KeyHeader = "X-Hermes-Key"

type authContextKey struct{}

// Credential extracts the caller's key from Authorization: Bearer or X-Hermes-Key.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(KeyHeader))
}

// AuthMiddleware authenticates the request and stores the result in context.
func AuthMiddleware(provider ports.AuthProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, err := provider.Authenticate(r.Context(), Credential(r))
			if err != nil {
				AddError(r.Context(), err)
				WriteError(w, domain.ErrAuthentication("invalid or missing API key").
					WithCode(domain.ErrorCodeInvalidAPIKey).WithCause(err))
				return
			}
			AddLogField(r.Context(), "tenant_id", auth.TenantID)
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), auth)))
		})
	}
}

// WithAuth returns ctx carrying auth.
func WithAuth(ctx context.Context, auth *ports.AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// AuthFromContext returns the authenticated caller, or nil.
func AuthFromContext(ctx context.Context) *ports.AuthContext {
	if a, ok := ctx.Value(authContextKey{}).(*ports.AuthContext); ok {
		return a
	}
	return nil
}
