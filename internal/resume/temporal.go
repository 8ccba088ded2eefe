package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"suppliersync/internal/domain"
)

const defaultSignalName = "supplier_response"

// TemporalConfig addresses the workflow engine.
type TemporalConfig struct {
	Address     string
	Namespace   string
	SignalName  string
	DialTimeout time.Duration
}

// DialTemporal connects a Temporal client using the structured logger.
func DialTemporal(ctx context.Context, cfg TemporalConfig, logger *slog.Logger) (temporalsdkclient.Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("temporal: missing address")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := temporalsdkclient.DialContext(dctx, temporalsdkclient.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    temporallog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", cfg.Address, cfg.Namespace, err)
	}
	return c, nil
}

// signaler is the slice of the Temporal client the resumer uses.
type signaler interface {
	SignalWorkflow(ctx context.Context, workflowID string, runID string, signalName string, arg interface{}) error
}

// Signal is the payload delivered to the paused workflow.
type Signal struct {
	RequestID    string              `json:"request_id"`
	ResponseID   string              `json:"response_id,omitempty"`
	ResponseType domain.ResponseType `json:"response_type"`
	ResponseText string              `json:"response_text"`
	ResponseData json.RawMessage     `json:"response_data,omitempty"`
	RespondedAt  time.Time           `json:"responded_at"`
}

// TemporalResumer resumes a thread by signalling the workflow whose id is
// the thread id.
type TemporalResumer struct {
	client     signaler
	signalName string
	logger     *slog.Logger
}

func NewTemporalResumer(client signaler, signalName string, logger *slog.Logger) *TemporalResumer {
	if signalName == "" {
		signalName = defaultSignalName
	}
	return &TemporalResumer{client: client, signalName: signalName, logger: logger}
}

func (r *TemporalResumer) Resume(ctx context.Context, threadID, requestID string, resp *domain.SupplierResponse) error {
	sig := Signal{RequestID: requestID}
	if resp != nil {
		sig.ResponseID = resp.ID
		sig.ResponseType = resp.ResponseType
		sig.ResponseText = resp.ResponseText
		sig.ResponseData = resp.ResponseData
		sig.RespondedAt = resp.CreatedAt
	}
	err := r.client.SignalWorkflow(ctx, threadID, "", r.signalName, sig)
	if err != nil {
		r.logger.Debug("temporal signal failed", "thread_id", threadID, "request_id", requestID, "err", err)
	}
	return classifyTemporal(err)
}

// classifyTemporal maps Temporal service errors onto the retry
// classification. Unknown errors are transient.
func classifyTemporal(err error) error {
	if err == nil {
		return nil
	}
	var (
		notFound     *serviceerror.NotFound
		nsNotFound   *serviceerror.NamespaceNotFound
		invalid      *serviceerror.InvalidArgument
		precondition *serviceerror.FailedPrecondition
		denied       *serviceerror.PermissionDenied
	)
	switch {
	case errors.As(err, &notFound):
		return domain.Fatal(fmt.Errorf("workflow not found: %w", err))
	case errors.As(err, &nsNotFound), errors.As(err, &invalid),
		errors.As(err, &precondition), errors.As(err, &denied):
		return domain.Fatal(err)
	}
	return domain.Retryable(err)
}
