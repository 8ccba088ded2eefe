package domain

import "time"

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// Contact channels a follow-up can go out on.
const (
	ChannelEmail    = "email"
	ChannelPhone    = "phone"
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
	ChannelDiscord  = "discord"
)

type CommitmentLevel string

const (
	CommitmentHigh   CommitmentLevel = "high"
	CommitmentMedium CommitmentLevel = "medium"
	CommitmentLow    CommitmentLevel = "low"
	CommitmentNone   CommitmentLevel = "none"
)

type Tone string

const (
	ToneFriendly Tone = "friendly"
	TonePolite   Tone = "polite"
	ToneFirm     Tone = "firm"
	ToneUrgent   Tone = "urgent"
)

// FollowUpSchedule owns the planned re-contacts of a supplier that has not
// answered a pending request yet.
type FollowUpSchedule struct {
	ScheduleID        string          `json:"schedule_id"`
	RequestID         string          `json:"request_id"`
	SupplierID        string          `json:"supplier_id"`
	Recipient         string          `json:"recipient,omitempty"`
	DelayReason       string          `json:"delay_reason,omitempty"`
	EstimatedDuration string          `json:"estimated_duration,omitempty"`
	CommitmentLevel   CommitmentLevel `json:"supplier_commitment_level,omitempty"`
	NextFollowUpDate  *time.Time      `json:"next_follow_up_date,omitempty"`
	Method            string          `json:"follow_up_method"`
	InitialTone       Tone            `json:"initial_tone,omitempty"`
	Status            ScheduleStatus  `json:"status"`
	FollowUpsSent     int             `json:"follow_ups_sent"`
	LastFollowUpDate  *time.Time      `json:"last_follow_up_date,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// FollowUpMessage is one planned contact within a schedule.
type FollowUpMessage struct {
	MessageID        string        `json:"message_id"`
	ScheduleID       string        `json:"schedule_id"`
	MessageType      string        `json:"message_type,omitempty"`
	Subject          string        `json:"subject_line,omitempty"`
	Body             string        `json:"message_body"`
	Tone             Tone          `json:"tone"`
	PlannedSendDate  time.Time     `json:"planned_send_date"`
	ActualSendDate   *time.Time    `json:"actual_send_date,omitempty"`
	Channel          string        `json:"channel"`
	Status           MessageStatus `json:"status"`
	ResponseReceived bool          `json:"response_received"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// SupplierSignal is what is currently known about the supplier's intent.
type SupplierSignal struct {
	CommitmentLevel   CommitmentLevel `json:"commitment_level,omitempty"`
	EstimatedDuration string          `json:"estimated_duration,omitempty"`
	DelayReason       string          `json:"delay_reason,omitempty"`
}
