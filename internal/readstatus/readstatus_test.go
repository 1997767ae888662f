package readstatus

import (
	"testing"
	"time"

	"github.com/yourorg/convsync/internal/domain"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ts(offset time.Duration) *time.Time {
	t := base.Add(offset)
	return &t
}

func part(userID string, lastRead *time.Time) domain.Participant {
	return domain.Participant{ConversationID: "c1", UserID: userID, Role: domain.RoleMember, LastReadAt: lastRead}
}

func msg(sender string) domain.Message {
	return domain.Message{ID: "m1", ConversationID: "c1", SenderID: sender, Content: "hi", CreatedAt: base}
}

func TestComputeDirect(t *testing.T) {
	tests := []struct {
		name     string
		peerRead *time.Time
		want     domain.ReadStatus
	}{
		{"never opened", nil, domain.StatusSent},
		{"opened before message", ts(-time.Hour), domain.StatusDelivered},
		{"read exactly at message time", ts(0), domain.StatusRead},
		{"read after message", ts(time.Minute), domain.StatusRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := []domain.Participant{part("a", ts(time.Hour)), part("b", tt.peerRead)}
			if got := Compute(msg("a"), parts, false); got != tt.want {
				t.Errorf("Compute() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeSelfConversation(t *testing.T) {
	parts := []domain.Participant{part("a", nil)}
	if got := Compute(msg("a"), parts, false); got != domain.StatusRead {
		t.Errorf("self conversation: got %v, want read", got)
	}
}

func TestComputeGroup(t *testing.T) {
	tests := []struct {
		name string
		b, c *time.Time
		want domain.ReadStatus
	}{
		{"nobody ever opened", nil, nil, domain.StatusSent},
		{"all read", ts(time.Minute), ts(time.Second), domain.StatusRead},
		{"all opened, not all read", ts(time.Minute), ts(-time.Hour), domain.StatusDelivered},
		{"one read, one never opened", ts(time.Minute), nil, domain.StatusDelivered},
		{"one opened earlier, one never opened", ts(-time.Hour), nil, domain.StatusDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := []domain.Participant{
				part("a", nil),
				part("b", tt.b),
				part("c", tt.c),
			}
			if got := Compute(msg("a"), parts, true); got != tt.want {
				t.Errorf("Compute() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeExcludesLeftParticipants(t *testing.T) {
	// c left before the message was created; only b counts, and b read it.
	left := base.Add(-time.Hour)
	pc := part("c", nil)
	pc.LeftAt = &left
	parts := []domain.Participant{part("a", nil), part("b", ts(time.Minute)), pc}

	if got := Compute(msg("a"), parts, true); got != domain.StatusRead {
		t.Errorf("left participant still counted: got %v, want read", got)
	}
}

func TestComputeLeftAfterMessageStillCounts(t *testing.T) {
	// c left after the message; their (missing) read still holds the group
	// at delivered.
	left := base.Add(time.Hour)
	pc := part("c", nil)
	pc.LeftAt = &left
	parts := []domain.Participant{part("a", nil), part("b", ts(time.Minute)), pc}

	if got := Compute(msg("a"), parts, true); got != domain.StatusDelivered {
		t.Errorf("got %v, want delivered", got)
	}
}

func TestComputeScenarioDirectReadTransition(t *testing.T) {
	// A sends M to B; B has never opened the chat.
	parts := []domain.Participant{part("a", ts(0)), part("b", nil)}
	if got := Compute(msg("a"), parts, false); got != domain.StatusSent {
		t.Fatalf("before open: got %v, want sent", got)
	}
	// B opens the chat now.
	parts[1].LastReadAt = ts(time.Minute)
	if got := Compute(msg("a"), parts, false); got != domain.StatusRead {
		t.Fatalf("after open: got %v, want read", got)
	}
}
