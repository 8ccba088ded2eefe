package followup

import (
	"fmt"
	"strings"

	"suppliersync/internal/domain"
)

var toneOpeners = map[domain.Tone]string{
	domain.ToneFriendly: "Hi, just checking in on our earlier message.",
	domain.TonePolite:   "We wanted to follow up on our earlier request, as we have not heard back yet.",
	domain.ToneFirm:     "We still need your answer on the request below to move forward.",
	domain.ToneUrgent:   "This request is now time critical. Please reply as soon as possible.",
}

var subjectPrefix = map[domain.Tone]string{
	domain.ToneFriendly: "Quick check-in",
	domain.TonePolite:   "Follow-up",
	domain.ToneFirm:     "Reminder",
	domain.ToneUrgent:   "URGENT",
}

// compose renders the subject and body of a reminder.
func compose(req *domain.SupplierRequest, sched *domain.FollowUpSchedule, tone domain.Tone) (subject, body string) {
	topic := req.Subject
	if topic == "" {
		topic = strings.ReplaceAll(string(req.RequestType), "_", " ")
	}
	subject = fmt.Sprintf("%s: %s", subjectPrefix[tone], topic)

	var sb strings.Builder
	sb.WriteString(toneOpeners[tone])
	sb.WriteString("\n\n")
	if req.Message != "" {
		sb.WriteString(req.Message)
		sb.WriteString("\n\n")
	}
	if sched.DelayReason != "" {
		fmt.Fprintf(&sb, "Last time you mentioned: %s.\n", sched.DelayReason)
	}
	if req.ExpiresAt != nil {
		fmt.Fprintf(&sb, "We need a reply by %s.\n", req.ExpiresAt.UTC().Format("Mon, 02 Jan 2006 15:04 MST"))
	}
	fmt.Fprintf(&sb, "Reference: %s", req.RequestID)
	return subject, sb.String()
}

// splitMessage cuts msg into chunks of at most maxLen bytes, preferring
// newline boundaries.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}
	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
