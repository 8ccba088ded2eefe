package domain

import (
	"encoding/json"
	"time"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestResponded RequestStatus = "responded"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestResponded || s == RequestExpired || s == RequestCancelled
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type RequestType string

const (
	RequestNegotiation       RequestType = "negotiation"
	RequestClarification     RequestType = "clarification"
	RequestQuoteConfirmation RequestType = "quote_confirmation"
)

func (t RequestType) Valid() bool {
	switch t {
	case RequestNegotiation, RequestClarification, RequestQuoteConfirmation:
		return true
	}
	return false
}

type ResponseType string

const (
	ResponseAccept        ResponseType = "accept"
	ResponseCounteroffer  ResponseType = "counteroffer"
	ResponseReject        ResponseType = "reject"
	ResponseClarification ResponseType = "clarification"
	ResponseDelay         ResponseType = "delay"
)

func (t ResponseType) Valid() bool {
	switch t {
	case ResponseAccept, ResponseCounteroffer, ResponseReject, ResponseClarification, ResponseDelay:
		return true
	}
	return false
}

// SupplierRequest is one outstanding ask to a supplier, tied to a paused
// conversation thread.
type SupplierRequest struct {
	RequestID         string          `json:"request_id"`
	ThreadID          string          `json:"thread_id"`
	ConversationRound int             `json:"conversation_round"`
	SupplierID        string          `json:"supplier_id"`
	AssignedUserID    string          `json:"assigned_user_id,omitempty"`
	RequestType       RequestType     `json:"request_type"`
	Subject           string          `json:"request_subject"`
	Message           string          `json:"request_message"`
	Context           json.RawMessage `json:"request_context,omitempty"`
	Status            RequestStatus   `json:"status"`
	Priority          Priority        `json:"priority"`

	SupplierResponse string          `json:"supplier_response,omitempty"`
	ResponseData     json.RawMessage `json:"response_data,omitempty"`
	RespondedAt      *time.Time      `json:"responded_at,omitempty"`

	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	NotificationSentAt *time.Time `json:"notification_sent_at,omitempty"`
	ReminderSentCount  int        `json:"reminder_sent_count"`
	LastReminderAt     *time.Time `json:"last_reminder_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ExpiredAt reports whether the request has a deadline at or before now.
func (r *SupplierRequest) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// SupplierResponse is one append-only history row for an inbound reply.
type SupplierResponse struct {
	ID             string          `json:"id"`
	RequestID      string          `json:"request_id"`
	SupplierUserID string          `json:"supplier_user_id,omitempty"`
	ResponseText   string          `json:"response_text"`
	ResponseData   json.RawMessage `json:"response_data,omitempty"`
	ResponseType   ResponseType    `json:"response_type"`
	IPAddress      string          `json:"ip_address,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
