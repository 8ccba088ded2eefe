// Package security authenticates the callers of the HTTP surface.
package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"suppliersync/internal/domain"
)

// Roles carried in issued tokens.
const (
	RoleOperator = "operator"
	RoleSupplier = "supplier"
	RoleWorkflow = "workflow"
)

const minSecretLen = 16

// Claims is the payload of an access token. The subject is the user id.
type Claims struct {
	Role       string `json:"role"`
	SupplierID string `json:"supplier_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier issues and verifies HS256 access tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ domain.CredentialVerifier = (*TokenVerifier)(nil)

func NewTokenVerifier(secret, issuer string) (*TokenVerifier, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth secret must be at least %d bytes", minSecretLen)
	}
	if issuer == "" {
		issuer = "suppliersync"
	}
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

func validRole(role string) bool {
	switch role {
	case RoleOperator, RoleSupplier, RoleWorkflow:
		return true
	}
	return false
}

// Issue signs a token for p valid for ttl.
func (v *TokenVerifier) Issue(p domain.Principal, ttl time.Duration) (string, error) {
	if p.UserID == "" {
		return "", domain.InvalidInputf("token subject is required")
	}
	if !validRole(p.Role) {
		return "", domain.InvalidInputf("unknown role %q", p.Role)
	}
	if p.Role == RoleSupplier && p.SupplierID == "" {
		return "", domain.InvalidInputf("supplier tokens need a supplier id")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := v.now()
	claims := Claims{
		Role:       p.Role,
		SupplierID: p.SupplierID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify parses and checks a token. Every failure wraps ErrUnauthorized.
func (v *TokenVerifier) Verify(ctx context.Context, tokenString string) (*domain.Principal, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("missing credential: %w", domain.ErrUnauthorized)
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return nil, fmt.Errorf("%s: %w", reason, domain.ErrUnauthorized)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || !validRole(claims.Role) {
		return nil, fmt.Errorf("invalid token claims: %w", domain.ErrUnauthorized)
	}
	return &domain.Principal{
		UserID:     claims.Subject,
		SupplierID: claims.SupplierID,
		Role:       claims.Role,
	}, nil
}
