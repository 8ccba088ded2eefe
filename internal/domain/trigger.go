package domain

import (
	"time"

	"github.com/google/uuid"
)

type ResumeStatus string

const (
	ResumePending    ResumeStatus = "pending"
	ResumeProcessing ResumeStatus = "processing"
	ResumeCompleted  ResumeStatus = "completed"
	ResumeFailed     ResumeStatus = "failed"
)

type TriggerType string

const (
	TriggerSupplierResponse TriggerType = "supplier_response"
	TriggerManual           TriggerType = "manual"
	TriggerScheduled        TriggerType = "scheduled"
)

// ResumeTrigger records the attempts to resume one paused workflow thread
// after a supplier response was accepted.
type ResumeTrigger struct {
	TriggerID         string       `json:"trigger_id"`
	ThreadID          string       `json:"thread_id"`
	RequestID         string       `json:"request_id"`
	TriggerType       TriggerType  `json:"trigger_type"`
	TriggeredAt       time.Time    `json:"triggered_at"`
	Status            ResumeStatus `json:"resume_status"`
	ResumeStartedAt   *time.Time   `json:"resume_started_at,omitempty"`
	ResumeCompletedAt *time.Time   `json:"resume_completed_at,omitempty"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	RetryCount        int          `json:"retry_count"`
}

// NewResumeTrigger returns a pending trigger stamped with at.
func NewResumeTrigger(requestID, threadID string, kind TriggerType, at time.Time) *ResumeTrigger {
	return &ResumeTrigger{
		TriggerID:   uuid.NewString(),
		ThreadID:    threadID,
		RequestID:   requestID,
		TriggerType: kind,
		TriggeredAt: at.UTC(),
		Status:      ResumePending,
	}
}

// Finished reports whether the trigger reached a terminal state.
func (t *ResumeTrigger) Finished() bool {
	return t.Status == ResumeCompleted || t.Status == ResumeFailed
}
