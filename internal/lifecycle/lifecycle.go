package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"suppliersync/internal/domain"
	"suppliersync/internal/metrics"
)

// Status values published on workflow_status_changed by the lifecycle.
const (
	StatusRequestExpired   = "request_expired"
	StatusRequestCancelled = "request_cancelled"
)

// Resolver drives the resume trigger stored with an accepted response.
type Resolver interface {
	Start(ctx context.Context, trig *domain.ResumeTrigger, resp *domain.SupplierResponse) (*domain.ResumeTrigger, error)
}

// ScheduleCloser settles the follow-up schedules of a request that left
// pending.
type ScheduleCloser interface {
	CloseForRequest(ctx context.Context, requestID string, status domain.RequestStatus) error
}

// NewRequest is the input of Create.
type NewRequest struct {
	RequestID         string             `json:"request_id,omitempty"`
	ThreadID          string             `json:"thread_id"`
	ConversationRound int                `json:"conversation_round,omitempty"`
	SupplierID        string             `json:"supplier_id"`
	AssignedUserID    string             `json:"assigned_user_id,omitempty"`
	RequestType       domain.RequestType `json:"request_type"`
	Subject           string             `json:"request_subject"`
	Message           string             `json:"request_message"`
	Context           json.RawMessage    `json:"request_context,omitempty"`
	Priority          domain.Priority    `json:"priority,omitempty"`
	ExpiresAt         *time.Time         `json:"expires_at,omitempty"`
}

// Submission is one inbound supplier reply.
type Submission struct {
	Text           string              `json:"response_text"`
	Type           domain.ResponseType `json:"response_type"`
	Data           json.RawMessage     `json:"response_data,omitempty"`
	SupplierUserID string              `json:"supplier_user_id,omitempty"`
	IPAddress      string              `json:"-"`
	UserAgent      string              `json:"-"`
}

// Outcome is what Respond produced. The resume trigger is stored with the
// response; Trigger is nil when it could not be started right away, in which
// case it stays pending and ResumeErr says why.
type Outcome struct {
	Request   *domain.SupplierRequest
	Response  *domain.SupplierResponse
	Trigger   *domain.ResumeTrigger
	ResumeErr error
}

// Service moves supplier requests through pending → responded | expired |
// cancelled and tells the rest of the system about it.
type Service struct {
	store     domain.RequestStore
	notifier  domain.Notifier
	resolver  Resolver
	schedules ScheduleCloser
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the lifecycle. schedules may be nil when follow-ups are
// not in use.
func NewService(store domain.RequestStore, notifier domain.Notifier, resolver Resolver, schedules ScheduleCloser, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		notifier:  notifier,
		resolver:  resolver,
		schedules: schedules,
		logger:    logger.With("component", "lifecycle"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, in NewRequest) (*domain.SupplierRequest, error) {
	if strings.TrimSpace(in.ThreadID) == "" {
		return nil, domain.InvalidInputf("thread_id is required")
	}
	if strings.TrimSpace(in.SupplierID) == "" {
		return nil, domain.InvalidInputf("supplier_id is required")
	}
	if !in.RequestType.Valid() {
		return nil, domain.InvalidInputf("unknown request_type %q", in.RequestType)
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, domain.InvalidInputf("unknown priority %q", in.Priority)
	}
	if in.ConversationRound <= 0 {
		in.ConversationRound = 1
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	if len(in.Context) > 0 && !json.Valid(in.Context) {
		return nil, domain.InvalidInputf("request_context is not valid JSON")
	}

	now := s.now()
	if in.ExpiresAt != nil {
		exp := in.ExpiresAt.UTC()
		if !exp.After(now) {
			return nil, domain.InvalidInputf("expires_at must be in the future")
		}
		in.ExpiresAt = &exp
	}

	req := &domain.SupplierRequest{
		RequestID:         in.RequestID,
		ThreadID:          in.ThreadID,
		ConversationRound: in.ConversationRound,
		SupplierID:        in.SupplierID,
		AssignedUserID:    in.AssignedUserID,
		RequestType:       in.RequestType,
		Subject:           in.Subject,
		Message:           in.Message,
		Context:           in.Context,
		Status:            domain.RequestPending,
		Priority:          in.Priority,
		CreatedAt:         now,
		ExpiresAt:         in.ExpiresAt,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	metrics.RequestsCreated.Inc()
	s.logger.Info("supplier request created",
		"request_id", req.RequestID,
		"thread_id", req.ThreadID,
		"supplier_id", req.SupplierID,
		"type", req.RequestType,
	)
	return req, nil
}

func (s *Service) Get(ctx context.Context, requestID string) (*domain.SupplierRequest, error) {
	return s.store.GetRequest(ctx, requestID)
}

func (s *Service) Responses(ctx context.Context, requestID string) ([]domain.SupplierResponse, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.store.ListResponses(ctx, requestID)
}

// Respond records a supplier reply against a pending request and queues the
// workflow resume. A reply that arrives after the deadline expires the
// request instead and is refused.
func (s *Service) Respond(ctx context.Context, requestID string, sub Submission) (*Outcome, error) {
	if !sub.Type.Valid() {
		return nil, domain.InvalidInputf("unknown response_type %q", sub.Type)
	}
	if strings.TrimSpace(sub.Text) == "" {
		return nil, domain.InvalidInputf("response_text is required")
	}
	if len(sub.Data) > 0 && !json.Valid(sub.Data) {
		return nil, domain.InvalidInputf("response_data is not valid JSON")
	}

	cur, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(cur, domain.RequestResponded); err != nil {
		return nil, err
	}
	now := s.now()
	if cur.ExpiredAt(now) {
		if _, err := s.expire(ctx, cur, now); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Warn("expire on late response failed", "request_id", requestID, "err", err)
		}
		return nil, fmt.Errorf("response after deadline: %w",
			&domain.TransitionError{RequestID: requestID, From: domain.RequestExpired, To: domain.RequestResponded})
	}

	resp := &domain.SupplierResponse{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		SupplierUserID: sub.SupplierUserID,
		ResponseText:   sub.Text,
		ResponseData:   sub.Data,
		ResponseType:   sub.Type,
		IPAddress:      sub.IPAddress,
		UserAgent:      sub.UserAgent,
		CreatedAt:      now,
	}
	trig := domain.NewResumeTrigger(requestID, cur.ThreadID, domain.TriggerSupplierResponse, now)
	req, err := s.store.TransitionRequest(ctx, domain.RequestTransition{
		RequestID: requestID,
		To:        domain.RequestResponded,
		At:        now,
		Response:  resp,
		Trigger:   trig,
	})
	if err != nil {
		return nil, err
	}
	metrics.ResponsesRecorded.Inc()
	log := s.logger.With("request_id", requestID, "thread_id", req.ThreadID)
	log.Info("supplier response recorded", "response_type", resp.ResponseType)

	bg := context.WithoutCancel(ctx)
	s.notifier.ResponseReceived(bg, req.ThreadID, req.RequestID, resp.ResponseText, resp.ResponseType)
	s.closeSchedules(bg, req)

	out := &Outcome{Request: req, Response: resp}
	out.Trigger, out.ResumeErr = s.resolver.Start(ctx, trig, resp)
	if out.ResumeErr != nil {
		log.Warn("resume not queued", "err", out.ResumeErr)
	}
	return out, nil
}

// Expire moves a pending request whose deadline has passed to expired.
func (s *Service) Expire(ctx context.Context, requestID string) (*domain.SupplierRequest, error) {
	cur, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(cur, domain.RequestExpired); err != nil {
		return nil, err
	}
	now := s.now()
	if !cur.ExpiredAt(now) {
		return nil, fmt.Errorf("request %s has not reached its deadline: %w", requestID, domain.ErrInvalidTransition)
	}
	return s.expire(ctx, cur, now)
}

func (s *Service) expire(ctx context.Context, cur *domain.SupplierRequest, now time.Time) (*domain.SupplierRequest, error) {
	req, err := s.store.TransitionRequest(ctx, domain.RequestTransition{
		RequestID: cur.RequestID,
		To:        domain.RequestExpired,
		At:        now,
	})
	if err != nil {
		return nil, err
	}
	metrics.RequestsExpired.Inc()
	s.logger.Info("supplier request expired", "request_id", req.RequestID, "thread_id", req.ThreadID)

	bg := context.WithoutCancel(ctx)
	s.closeSchedules(bg, req)
	s.notifier.StatusChanged(bg, req.ThreadID, domain.StatusChange{
		Status:    StatusRequestExpired,
		IsPaused:  true,
		RequestID: req.RequestID,
	})
	return req, nil
}

// Cancel withdraws a pending request on operator request.
func (s *Service) Cancel(ctx context.Context, requestID, reason string) (*domain.SupplierRequest, error) {
	cur, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(cur, domain.RequestCancelled); err != nil {
		return nil, err
	}
	req, err := s.store.TransitionRequest(ctx, domain.RequestTransition{
		RequestID: requestID,
		To:        domain.RequestCancelled,
		At:        s.now(),
	})
	if err != nil {
		return nil, err
	}
	metrics.RequestsCancelled.Inc()
	s.logger.Info("supplier request cancelled", "request_id", requestID, "reason", reason)

	bg := context.WithoutCancel(ctx)
	s.closeSchedules(bg, req)
	s.notifier.StatusChanged(bg, req.ThreadID, domain.StatusChange{
		Status:    StatusRequestCancelled,
		IsPaused:  true,
		RequestID: req.RequestID,
		Reason:    reason,
	})
	return req, nil
}

// RecordReminder bumps the reminder bookkeeping. Status is never touched, so
// it is accepted in any state.
func (s *Service) RecordReminder(ctx context.Context, requestID string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	return s.store.RecordReminder(ctx, requestID, at.UTC())
}

func (s *Service) closeSchedules(ctx context.Context, req *domain.SupplierRequest) {
	if s.schedules == nil {
		return
	}
	if err := s.schedules.CloseForRequest(ctx, req.RequestID, req.Status); err != nil {
		s.logger.Warn("closing follow-up schedules failed", "request_id", req.RequestID, "err", err)
	}
}
