package domain

import "context"

// Resumer wakes up the paused workflow of a thread with the supplier's reply.
// Failures should be wrapped with Retryable or Fatal.
type Resumer interface {
	Resume(ctx context.Context, threadID, requestID string, resp *SupplierResponse) error
}

// ResumerFunc adapts a function to Resumer.
type ResumerFunc func(ctx context.Context, threadID, requestID string, resp *SupplierResponse) error

func (f ResumerFunc) Resume(ctx context.Context, threadID, requestID string, resp *SupplierResponse) error {
	return f(ctx, threadID, requestID, resp)
}
