// Package followup plans and sends reminders to suppliers that have not
// answered a pending request.
package followup

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"suppliersync/internal/domain"
)

const (
	minDelay      = 4 * time.Hour
	deadlineGuard = time.Hour
)

var tones = []domain.Tone{domain.ToneFriendly, domain.TonePolite, domain.ToneFirm, domain.ToneUrgent}

// PlanInput is everything the policy looks at.
type PlanInput struct {
	Now           time.Time
	Signal        domain.SupplierSignal
	Priority      domain.Priority
	FollowUpsSent int
	Method        string
	InitialTone   domain.Tone
	ExpiresAt     *time.Time
}

// Plan is the computed next contact.
type Plan struct {
	At      time.Time
	Delay   time.Duration
	Tone    domain.Tone
	Channel string
}

// BaseDelay is the wait before the first reminder for a commitment level.
func BaseDelay(level domain.CommitmentLevel) time.Duration {
	switch level {
	case domain.CommitmentHigh:
		return 72 * time.Hour
	case domain.CommitmentMedium:
		return 48 * time.Hour
	case domain.CommitmentLow:
		return 24 * time.Hour
	default:
		return 12 * time.Hour
	}
}

// ComputePlan applies the follow-up policy. It is pure; callers persist the
// result.
func ComputePlan(in PlanInput) Plan {
	delay := BaseDelay(in.Signal.CommitmentLevel)
	if in.Signal.CommitmentLevel == domain.CommitmentHigh {
		if est, ok := ParseEstimate(in.Signal.EstimatedDuration); ok {
			delay = est
		}
	}
	if in.Priority == domain.PriorityUrgent {
		delay /= 2
	}
	for i := 0; i < in.FollowUpsSent && delay > minDelay; i++ {
		delay = delay * 3 / 4
	}
	if delay < minDelay {
		delay = minDelay
	}

	tone := EscalateTone(in.InitialTone, in.FollowUpsSent)
	channel := in.Method
	if channel == "" {
		channel = domain.ChannelEmail
	}
	if channel == domain.ChannelEmail && tone == domain.ToneUrgent {
		channel = domain.ChannelPhone
	}

	at := in.Now.Add(delay)
	if in.ExpiresAt != nil {
		if limit := in.ExpiresAt.Add(-deadlineGuard); at.After(limit) {
			at = limit
		}
	}
	if at.Before(in.Now) {
		at = in.Now
	}
	return Plan{At: at, Delay: at.Sub(in.Now), Tone: tone, Channel: channel}
}

// EscalateTone moves steps positions up from the starting tone, stopping at
// urgent.
func EscalateTone(start domain.Tone, steps int) domain.Tone {
	idx := 0
	for i, t := range tones {
		if t == start {
			idx = i
		}
	}
	idx += steps
	if idx >= len(tones) {
		idx = len(tones) - 1
	}
	return tones[idx]
}

func validTone(t domain.Tone) bool {
	for _, v := range tones {
		if v == t {
			return true
		}
	}
	return false
}

var estimateRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(h|hr|hrs|hours?|d|days?|w|wks?|weeks?)$`)

// ParseEstimate reads a supplier's time estimate such as "3 days", "48h" or
// "2 weeks".
func ParseEstimate(s string) (time.Duration, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, true
	}
	m := estimateRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	unit := time.Hour
	switch m[2][0] {
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	}
	return time.Duration(n * float64(unit)), true
}
