package resume

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"suppliersync/internal/domain"
)

// WebhookResumer resumes a thread by POSTing the supplier response to the
// workflow engine's HTTP endpoint.
type WebhookResumer struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookResumer(url, token string, logger *slog.Logger) *WebhookResumer {
	return &WebhookResumer{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

type webhookPayload struct {
	ThreadID string `json:"thread_id"`
	Signal
}

func (r *WebhookResumer) Resume(ctx context.Context, threadID, requestID string, resp *domain.SupplierResponse) error {
	payload := webhookPayload{ThreadID: threadID, Signal: Signal{RequestID: requestID}}
	if resp != nil {
		payload.ResponseID = resp.ID
		payload.ResponseType = resp.ResponseType
		payload.ResponseText = resp.ResponseText
		payload.ResponseData = resp.ResponseData
		payload.RespondedAt = resp.CreatedAt
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Fatal(fmt.Errorf("encode resume payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return domain.Fatal(fmt.Errorf("build resume request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	res, err := r.client.Do(req)
	if err != nil {
		return domain.Retryable(fmt.Errorf("resume request: %w", err))
	}
	defer res.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))

	switch {
	case res.StatusCode < 300:
		return nil
	case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
		return domain.Retryable(fmt.Errorf("workflow engine HTTP %d: %s", res.StatusCode, msg))
	default:
		return domain.Fatal(fmt.Errorf("workflow engine HTTP %d: %s", res.StatusCode, msg))
	}
}

// NoopResumer accepts every resume without contacting a workflow engine.
type NoopResumer struct {
	logger *slog.Logger
}

func NewNoopResumer(logger *slog.Logger) *NoopResumer {
	return &NoopResumer{logger: logger}
}

func (r *NoopResumer) Resume(ctx context.Context, threadID, requestID string, resp *domain.SupplierResponse) error {
	r.logger.Info("resume skipped (noop backend)", "thread_id", threadID, "request_id", requestID)
	return nil
}
