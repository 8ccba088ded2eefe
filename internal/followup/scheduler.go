package followup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"suppliersync/internal/domain"
)

// Store is the persistence the scheduler needs.
type Store interface {
	domain.FollowUpStore
	GetRequest(ctx context.Context, requestID string) (*domain.SupplierRequest, error)
	RecordReminder(ctx context.Context, requestID string, at time.Time) error
}

// NewSchedule is the input of CreateSchedule.
type NewSchedule struct {
	RequestID         string                 `json:"request_id"`
	Recipient         string                 `json:"recipient,omitempty"`
	DelayReason       string                 `json:"delay_reason,omitempty"`
	EstimatedDuration string                 `json:"estimated_duration,omitempty"`
	CommitmentLevel   domain.CommitmentLevel `json:"supplier_commitment_level,omitempty"`
	Method            string                 `json:"follow_up_method,omitempty"`
	InitialTone       domain.Tone            `json:"initial_tone,omitempty"`
}

// Scheduler owns follow-up schedules and their planned messages.
type Scheduler struct {
	store        Store
	maxFollowUps int
	logger       *slog.Logger
	now          func() time.Time
}

func NewScheduler(store Store, maxFollowUps int, logger *slog.Logger) *Scheduler {
	if maxFollowUps <= 0 {
		maxFollowUps = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        store,
		maxFollowUps: maxFollowUps,
		logger:       logger.With("component", "followup"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// MaxFollowUps is the cap on messages planned per schedule.
func (s *Scheduler) MaxFollowUps() int { return s.maxFollowUps }

func validMethod(m string) bool {
	switch m {
	case domain.ChannelEmail, domain.ChannelPhone, domain.ChannelWhatsApp,
		domain.ChannelTelegram, domain.ChannelSlack, domain.ChannelDiscord:
		return true
	}
	return false
}

func validCommitment(c domain.CommitmentLevel) bool {
	switch c {
	case "", domain.CommitmentHigh, domain.CommitmentMedium, domain.CommitmentLow, domain.CommitmentNone:
		return true
	}
	return false
}

// CreateSchedule starts following up on a pending request. Any schedule the
// request already had is cancelled as superseded.
func (s *Scheduler) CreateSchedule(ctx context.Context, in NewSchedule) (*domain.FollowUpSchedule, *domain.FollowUpMessage, error) {
	if in.Method == "" {
		in.Method = domain.ChannelEmail
	}
	if !validMethod(in.Method) {
		return nil, nil, domain.InvalidInputf("unknown follow_up_method %q", in.Method)
	}
	if !validCommitment(in.CommitmentLevel) {
		return nil, nil, domain.InvalidInputf("unknown supplier_commitment_level %q", in.CommitmentLevel)
	}
	if in.InitialTone == "" {
		in.InitialTone = domain.ToneFriendly
	}
	if !validTone(in.InitialTone) {
		return nil, nil, domain.InvalidInputf("unknown initial_tone %q", in.InitialTone)
	}

	req, err := s.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status != domain.RequestPending {
		return nil, nil, fmt.Errorf("request %s is %s: %w", req.RequestID, req.Status, domain.ErrInvalidTransition)
	}

	existing, err := s.store.ListSchedulesByRequest(ctx, req.RequestID)
	if err != nil {
		return nil, nil, err
	}
	for i := range existing {
		if existing[i].Status != domain.ScheduleActive {
			continue
		}
		if err := s.settle(ctx, &existing[i], domain.ScheduleCancelled, "superseded by a new schedule", false); err != nil {
			return nil, nil, err
		}
	}

	sched := &domain.FollowUpSchedule{
		ScheduleID:        uuid.NewString(),
		RequestID:         req.RequestID,
		SupplierID:        req.SupplierID,
		Recipient:         in.Recipient,
		DelayReason:       in.DelayReason,
		EstimatedDuration: in.EstimatedDuration,
		CommitmentLevel:   in.CommitmentLevel,
		Method:            in.Method,
		InitialTone:       in.InitialTone,
		Status:            domain.ScheduleActive,
		CreatedAt:         s.now(),
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, nil, err
	}
	s.logger.Info("follow-up schedule created",
		"schedule_id", sched.ScheduleID,
		"request_id", req.RequestID,
		"method", sched.Method,
	)

	msg, err := s.plan(ctx, sched, req)
	if err != nil {
		return sched, nil, err
	}
	return sched, msg, nil
}

// ComputeNextFollowUp folds the latest supplier signal into the schedule and
// plans one more message.
func (s *Scheduler) ComputeNextFollowUp(ctx context.Context, scheduleID string, sig domain.SupplierSignal) (*domain.FollowUpMessage, error) {
	if !validCommitment(sig.CommitmentLevel) {
		return nil, domain.InvalidInputf("unknown commitment_level %q", sig.CommitmentLevel)
	}
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if sched.Status != domain.ScheduleActive {
		return nil, fmt.Errorf("schedule %s is %s: %w", scheduleID, sched.Status, domain.ErrInvalidTransition)
	}
	req, err := s.store.GetRequest(ctx, sched.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.RequestPending {
		return nil, fmt.Errorf("request %s is %s: %w", req.RequestID, req.Status, domain.ErrInvalidTransition)
	}

	if sig.CommitmentLevel != "" {
		sched.CommitmentLevel = sig.CommitmentLevel
	}
	if sig.EstimatedDuration != "" {
		sched.EstimatedDuration = sig.EstimatedDuration
	}
	if sig.DelayReason != "" {
		sched.DelayReason = sig.DelayReason
	}
	return s.plan(ctx, sched, req)
}

// plan appends the next pending message and refreshes next_follow_up_date.
func (s *Scheduler) plan(ctx context.Context, sched *domain.FollowUpSchedule, req *domain.SupplierRequest) (*domain.FollowUpMessage, error) {
	msgs, err := s.store.ListMessages(ctx, sched.ScheduleID)
	if err != nil {
		return nil, err
	}
	planned := 0
	for _, m := range msgs {
		if m.Status != domain.MessageFailed {
			planned++
		}
	}
	if planned >= s.maxFollowUps {
		return nil, domain.InvalidInputf("schedule %s already has %d follow-ups", sched.ScheduleID, planned)
	}

	now := s.now()
	p := ComputePlan(PlanInput{
		Now: now,
		Signal: domain.SupplierSignal{
			CommitmentLevel:   sched.CommitmentLevel,
			EstimatedDuration: sched.EstimatedDuration,
			DelayReason:       sched.DelayReason,
		},
		Priority:      req.Priority,
		FollowUpsSent: sched.FollowUpsSent,
		Method:        sched.Method,
		InitialTone:   sched.InitialTone,
		ExpiresAt:     req.ExpiresAt,
	})
	subject, body := compose(req, sched, p.Tone)
	msg := &domain.FollowUpMessage{
		MessageID:       uuid.NewString(),
		ScheduleID:      sched.ScheduleID,
		MessageType:     "follow_up",
		Subject:         subject,
		Body:            body,
		Tone:            p.Tone,
		PlannedSendDate: p.At,
		Channel:         p.Channel,
		Status:          domain.MessagePending,
		CreatedAt:       now,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	msgs = append(msgs, *msg)
	sched.NextFollowUpDate = earliestPending(msgs)
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.Info("follow-up planned",
		"schedule_id", sched.ScheduleID,
		"message_id", msg.MessageID,
		"planned", p.At,
		"tone", p.Tone,
		"channel", p.Channel,
	)
	return msg, nil
}

// MarkSent settles a pending message. A nil sendErr means it went out.
func (s *Scheduler) MarkSent(ctx context.Context, messageID string, sendErr error) (*domain.FollowUpMessage, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Status != domain.MessagePending {
		return nil, fmt.Errorf("follow-up message %s is %s: %w", messageID, msg.Status, domain.ErrInvalidTransition)
	}
	sched, err := s.store.GetSchedule(ctx, msg.ScheduleID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if sendErr == nil {
		msg.Status = domain.MessageSent
		msg.ActualSendDate = &now
		msg.ErrorMessage = ""
		sched.FollowUpsSent++
		sched.LastFollowUpDate = &now
	} else {
		msg.Status = domain.MessageFailed
		msg.ErrorMessage = sendErr.Error()
	}
	if err := s.store.UpdateMessage(ctx, msg); err != nil {
		return nil, err
	}
	if sendErr == nil {
		if err := s.store.RecordReminder(ctx, sched.RequestID, now); err != nil {
			return nil, err
		}
	}

	msgs, err := s.store.ListMessages(ctx, sched.ScheduleID)
	if err != nil {
		return nil, err
	}
	sched.NextFollowUpDate = earliestPending(msgs)
	if sched.NextFollowUpDate == nil && sched.Status == domain.ScheduleActive {
		req, err := s.store.GetRequest(ctx, sched.RequestID)
		if err != nil {
			return nil, err
		}
		if req.Status != domain.RequestPending {
			sched.Status = domain.ScheduleCompleted
		}
	}
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.Info("follow-up settled", "message_id", messageID, "status", msg.Status, "schedule_status", sched.Status)
	return msg, nil
}

// CloseForRequest settles every active schedule of a request that left
// pending: completed when it was answered, cancelled otherwise.
func (s *Scheduler) CloseForRequest(ctx context.Context, requestID string, status domain.RequestStatus) error {
	scheds, err := s.store.ListSchedulesByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	to := domain.ScheduleCancelled
	if status == domain.RequestResponded {
		to = domain.ScheduleCompleted
	}
	for i := range scheds {
		if scheds[i].Status != domain.ScheduleActive {
			continue
		}
		if err := s.settle(ctx, &scheds[i], to, "request "+string(status), status == domain.RequestResponded); err != nil {
			return err
		}
	}
	return nil
}

// settle fails the remaining pending messages and stores the final status.
// answered flags already sent messages as having drawn a reply.
func (s *Scheduler) settle(ctx context.Context, sched *domain.FollowUpSchedule, to domain.ScheduleStatus, reason string, answered bool) error {
	msgs, err := s.store.ListMessages(ctx, sched.ScheduleID)
	if err != nil {
		return err
	}
	for i := range msgs {
		m := &msgs[i]
		switch {
		case m.Status == domain.MessagePending:
			m.Status = domain.MessageFailed
			m.ErrorMessage = reason
		case m.Status == domain.MessageSent && answered:
			m.ResponseReceived = true
		default:
			continue
		}
		if err := s.store.UpdateMessage(ctx, m); err != nil {
			return err
		}
	}
	sched.Status = to
	sched.NextFollowUpDate = nil
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return err
	}
	s.logger.Info("follow-up schedule closed", "schedule_id", sched.ScheduleID, "status", to, "reason", reason)
	return nil
}

func earliestPending(msgs []domain.FollowUpMessage) *time.Time {
	var out *time.Time
	for i := range msgs {
		if msgs[i].Status != domain.MessagePending {
			continue
		}
		if out == nil || msgs[i].PlannedSendDate.Before(*out) {
			t := msgs[i].PlannedSendDate
			out = &t
		}
	}
	return out
}
