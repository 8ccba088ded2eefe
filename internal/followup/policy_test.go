package followup

import (
	"testing"
	"time"

	"suppliersync/internal/domain"
)

func TestComputePlan(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	in10h := now.Add(10 * time.Hour)
	in30m := now.Add(30 * time.Minute)

	tests := []struct {
		name        string
		in          PlanInput
		wantDelay   time.Duration
		wantTone    domain.Tone
		wantChannel string
	}{
		{
			name:        "medium commitment",
			in:          PlanInput{Signal: domain.SupplierSignal{CommitmentLevel: domain.CommitmentMedium}},
			wantDelay:   48 * time.Hour,
			wantTone:    domain.ToneFriendly,
			wantChannel: domain.ChannelEmail,
		},
		{
			name:        "unknown commitment",
			in:          PlanInput{Method: domain.ChannelSlack},
			wantDelay:   12 * time.Hour,
			wantTone:    domain.ToneFriendly,
			wantChannel: domain.ChannelSlack,
		},
		{
			name: "high commitment uses estimate",
			in: PlanInput{Signal: domain.SupplierSignal{
				CommitmentLevel:   domain.CommitmentHigh,
				EstimatedDuration: "36h",
			}},
			wantDelay:   36 * time.Hour,
			wantTone:    domain.ToneFriendly,
			wantChannel: domain.ChannelEmail,
		},
		{
			name: "estimate ignored below high commitment",
			in: PlanInput{Signal: domain.SupplierSignal{
				CommitmentLevel:   domain.CommitmentLow,
				EstimatedDuration: "3 days",
			}},
			wantDelay:   24 * time.Hour,
			wantTone:    domain.ToneFriendly,
			wantChannel: domain.ChannelEmail,
		},
		{
			name: "urgent priority halves",
			in: PlanInput{
				Signal:   domain.SupplierSignal{CommitmentLevel: domain.CommitmentLow},
				Priority: domain.PriorityUrgent,
			},
			wantDelay:   12 * time.Hour,
			wantTone:    domain.ToneFriendly,
			wantChannel: domain.ChannelEmail,
		},
		{
			name:        "shrinks per follow-up sent",
			in:          PlanInput{FollowUpsSent: 2, Method: domain.ChannelTelegram},
			wantDelay:   12 * time.Hour * 9 / 16,
			wantTone:    domain.ToneFirm,
			wantChannel: domain.ChannelTelegram,
		},
		{
			name: "floor of four hours",
			in: PlanInput{
				Signal:        domain.SupplierSignal{CommitmentLevel: domain.CommitmentLow},
				FollowUpsSent: 10,
				Method:        domain.ChannelWhatsApp,
			},
			wantDelay:   4 * time.Hour,
			wantTone:    domain.ToneUrgent,
			wantChannel: domain.ChannelWhatsApp,
		},
		{
			name:        "email escalates to phone when urgent",
			in:          PlanInput{FollowUpsSent: 1, InitialTone: domain.ToneFirm},
			wantDelay:   9 * time.Hour,
			wantTone:    domain.ToneUrgent,
			wantChannel: domain.ChannelPhone,
		},
		{
			name: "capped before deadline",
			in: PlanInput{
				Signal:    domain.SupplierSignal{CommitmentLevel: domain.CommitmentMedium},
				ExpiresAt: &in10h,
			},
			wantDelay:   9 * time.Hour,
			wantTone:    domain.ToneFriendly,
			wantChannel: domain.ChannelEmail,
		},
		{
			name: "never before now",
			in: PlanInput{
				Signal:    domain.SupplierSignal{CommitmentLevel: domain.CommitmentMedium},
				ExpiresAt: &in30m,
			},
			wantDelay:   0,
			wantTone:    domain.ToneFriendly,
			wantChannel: domain.ChannelEmail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Now = now
			got := ComputePlan(tt.in)
			if got.Delay != tt.wantDelay {
				t.Errorf("delay = %v, want %v", got.Delay, tt.wantDelay)
			}
			if !got.At.Equal(now.Add(tt.wantDelay)) {
				t.Errorf("at = %v, want %v", got.At, now.Add(tt.wantDelay))
			}
			if got.Tone != tt.wantTone {
				t.Errorf("tone = %s, want %s", got.Tone, tt.wantTone)
			}
			if got.Channel != tt.wantChannel {
				t.Errorf("channel = %s, want %s", got.Channel, tt.wantChannel)
			}
		})
	}
}

func TestParseEstimate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"48h", 48 * time.Hour, true},
		{"3 days", 72 * time.Hour, true},
		{"1 day", 24 * time.Hour, true},
		{"3d", 72 * time.Hour, true},
		{"1.5 d", 36 * time.Hour, true},
		{"5 hours", 5 * time.Hour, true},
		{"2 Weeks", 14 * 24 * time.Hour, true},
		{"", 0, false},
		{"soon", 0, false},
		{"-2h", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseEstimate(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseEstimate(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEscalateTone(t *testing.T) {
	if got := EscalateTone(domain.TonePolite, 1); got != domain.ToneFirm {
		t.Errorf("polite+1 = %s", got)
	}
	if got := EscalateTone("", 0); got != domain.ToneFriendly {
		t.Errorf("default = %s", got)
	}
	if got := EscalateTone(domain.ToneFriendly, 9); got != domain.ToneUrgent {
		t.Errorf("friendly+9 = %s", got)
	}
}

func TestSplitMessage(t *testing.T) {
	msg := "line one\nline two\nline three"
	chunks := splitMessage(msg, 18)
	if len(chunks) != 2 || chunks[0] != "line one\nline two\n" || chunks[1] != "line three" {
		t.Errorf("unexpected chunks %q", chunks)
	}
	if got := splitMessage("short", 100); len(got) != 1 {
		t.Errorf("unexpected chunks %q", got)
	}
}
