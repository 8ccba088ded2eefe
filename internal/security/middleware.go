package security

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"suppliersync/internal/domain"
)

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal set by Middleware, if any.
func PrincipalFrom(ctx context.Context) (*domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*domain.Principal)
	return p, ok && p != nil
}

// Credential extracts a bearer token from the Authorization header, falling
// back to the token query parameter that browsers use for WebSocket
// upgrades.
func Credential(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid credential. A nil verifier
// lets everything through.
func Middleware(v domain.CredentialVerifier, onError func(w http.ResponseWriter, status int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Verify(r.Context(), Credential(r))
			if err != nil {
				status := http.StatusUnauthorized
				if !errors.Is(err, domain.ErrUnauthorized) {
					status = http.StatusInternalServerError
				}
				onError(w, status, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Allows reports whether p may act on records of supplierID. Operators and
// workflow services act on any supplier.
func Allows(p *domain.Principal, supplierID string) bool {
	if p == nil {
		return true
	}
	if p.Role == RoleSupplier {
		return p.SupplierID == supplierID
	}
	return true
}

// HasRole reports whether p holds one of roles. A nil principal, meaning
// auth is disabled, holds every role.
func HasRole(p *domain.Principal, roles ...string) bool {
	if p == nil {
		return true
	}
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}
