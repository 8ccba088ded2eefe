package domain

import "context"

// Principal is the verified identity behind a credential.
type Principal struct {
	UserID     string
	SupplierID string
	Role       string
}

// CredentialVerifier turns a bearer credential into a Principal or returns
// ErrUnauthorized.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}
