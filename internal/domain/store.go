package domain

import (
	"context"
	"time"
)

// RequestTransition moves a pending request to a terminal status. When
// Response is set the reply is recorded on the request and appended to its
// history in the same unit of work. Trigger, when set, is inserted in that
// unit of work too.
type RequestTransition struct {
	RequestID string
	To        RequestStatus
	At        time.Time
	Response  *SupplierResponse
	Trigger   *ResumeTrigger
}

type RequestStore interface {
	CreateRequest(ctx context.Context, r *SupplierRequest) error
	GetRequest(ctx context.Context, requestID string) (*SupplierRequest, error)
	// TransitionRequest fails with a *TransitionError when the request is no
	// longer pending and leaves the row untouched.
	TransitionRequest(ctx context.Context, t RequestTransition) (*SupplierRequest, error)
	RecordReminder(ctx context.Context, requestID string, at time.Time) error
	ListResponses(ctx context.Context, requestID string) ([]SupplierResponse, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]SupplierRequest, error)
	// DeleteSupplierRecords removes every row owned by a supplier, children
	// first, and returns the number of requests removed.
	DeleteSupplierRecords(ctx context.Context, supplierID string) (int64, error)
}

type TriggerStore interface {
	CreateTrigger(ctx context.Context, t *ResumeTrigger) error
	GetTrigger(ctx context.Context, triggerID string) (*ResumeTrigger, error)
	// UpdateTrigger returns ErrAlreadyResuming when moving a trigger to
	// processing while another trigger of the same request is processing.
	UpdateTrigger(ctx context.Context, t *ResumeTrigger) error
	ListTriggers(ctx context.Context, requestID string) ([]ResumeTrigger, error)
	HasProcessingTrigger(ctx context.Context, requestID string) (bool, error)
	ListUnfinishedTriggers(ctx context.Context) ([]ResumeTrigger, error)
}

type FollowUpStore interface {
	CreateSchedule(ctx context.Context, s *FollowUpSchedule) error
	GetSchedule(ctx context.Context, scheduleID string) (*FollowUpSchedule, error)
	UpdateSchedule(ctx context.Context, s *FollowUpSchedule) error
	ListSchedulesByRequest(ctx context.Context, requestID string) ([]FollowUpSchedule, error)
	CreateMessage(ctx context.Context, m *FollowUpMessage) error
	GetMessage(ctx context.Context, messageID string) (*FollowUpMessage, error)
	UpdateMessage(ctx context.Context, m *FollowUpMessage) error
	ListMessages(ctx context.Context, scheduleID string) ([]FollowUpMessage, error)
	ListDueMessages(ctx context.Context, now time.Time, limit int) ([]FollowUpMessage, error)
}

// Store is the persistence collaborator for the whole subsystem.
type Store interface {
	RequestStore
	TriggerStore
	FollowUpStore
	Close() error
}
