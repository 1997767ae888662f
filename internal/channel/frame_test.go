package channel

import (
	"testing"
	"time"

	"github.com/yourorg/convsync/internal/domain"
)

func TestDecodeMessageInsert(t *testing.T) {
	m := domain.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "a",
		Content:        "hi",
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		MutationID:     "mut-1",
	}
	b, err := EncodeRow(TypeInsert, TableMessages, "a", m)
	if err != nil {
		t.Fatal(err)
	}
	ev, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	ins, ok := ev.(domain.MessageInserted)
	if !ok {
		t.Fatalf("event type %T", ev)
	}
	if ins.ActorID != "a" || ins.Message.ID != "m1" || ins.Message.MutationID != "mut-1" {
		t.Errorf("decoded %+v", ins)
	}
}

func TestDecodeReactionDelete(t *testing.T) {
	b, err := EncodeRow(TypeDelete, TableReactions, "a", map[string]string{
		"message_id": "m1", "user_id": "a",
	})
	if err != nil {
		t.Fatal(err)
	}
	ev, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	del, ok := ev.(domain.ReactionDeleted)
	if !ok || del.MessageID != "m1" || del.UserID != "a" {
		t.Fatalf("decoded %#v", ev)
	}
}

func TestDecodePresenceFrames(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	b, _ := EncodeSync([]domain.PresenceEntry{{UserID: "a", OnlineAt: now}})
	ev, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if sync, ok := ev.(domain.PresenceSynced); !ok || len(sync.Entries) != 1 {
		t.Fatalf("sync decoded as %#v", ev)
	}

	b, _ = EncodeJoin(domain.PresenceEntry{UserID: "b", Typing: true, OnlineAt: now})
	ev, err = Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if join, ok := ev.(domain.PresenceJoined); !ok || !join.Entry.Typing {
		t.Fatalf("join decoded as %#v", ev)
	}

	b, _ = EncodeLeave("b")
	ev, err = Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if leave, ok := ev.(domain.PresenceLeft); !ok || leave.UserID != "b" {
		t.Fatalf("leave decoded as %#v", ev)
	}
}

func TestDecodeRejectsUnknownFrames(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"upsert","table":"messages","row":{}}`)); err == nil {
		t.Error("unknown type accepted")
	}
	if _, err := Decode([]byte(`{"type":"insert","table":"widgets","row":{}}`)); err == nil {
		t.Error("unknown table accepted")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("malformed frame accepted")
	}
}
