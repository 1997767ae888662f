package relay

import (
	"encoding/json"
	"testing"

	"github.com/yourorg/convsync/internal/channel"
	"github.com/yourorg/convsync/internal/domain"
)

func record(t *testing.T, table, op, actor string, row any) []byte {
	t.Helper()
	rowJSON, err := json.Marshal(row)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(Record{Table: table, Op: op, ActorID: actor, Row: rowJSON})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestTranslateMessageInsert(t *testing.T) {
	msg := domain.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hi"}
	topic, frame, table, err := Translate(record(t, "messages", "insert", "u1", msg))
	if err != nil {
		t.Fatal(err)
	}
	if topic != "conversation:c1" {
		t.Errorf("topic = %q", topic)
	}
	if table != "messages" {
		t.Errorf("table = %q", table)
	}

	ev, err := channel.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	ins, ok := ev.(domain.MessageInserted)
	if !ok {
		t.Fatalf("event = %T", ev)
	}
	if ins.ActorID != "u1" || ins.Message.ID != "m1" || ins.Message.Content != "hi" {
		t.Errorf("decoded = %+v", ins)
	}
}

func TestTranslateReactionDelete(t *testing.T) {
	row := map[string]string{"conversation_id": "c1", "message_id": "m1", "user_id": "u2"}
	topic, frame, _, err := Translate(record(t, "reactions", "delete", "u2", row))
	if err != nil {
		t.Fatal(err)
	}
	if topic != "conversation:c1" {
		t.Errorf("topic = %q", topic)
	}
	ev, err := channel.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	del, ok := ev.(domain.ReactionDeleted)
	if !ok || del.MessageID != "m1" || del.UserID != "u2" {
		t.Errorf("decoded = %#v", ev)
	}
}

func TestTranslateParticipantUpdate(t *testing.T) {
	p := domain.Participant{ConversationID: "c1", UserID: "u3", Role: domain.RoleMember}
	topic, frame, _, err := Translate(record(t, "participants", "update", "u3", p))
	if err != nil {
		t.Fatal(err)
	}
	if topic != "conversation:c1" {
		t.Errorf("topic = %q", topic)
	}
	ev, err := channel.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if upd, ok := ev.(domain.ParticipantUpdated); !ok || upd.Participant.UserID != "u3" {
		t.Errorf("decoded = %#v", ev)
	}
}

func TestTranslateRejectsBadRecords(t *testing.T) {
	cases := map[string][]byte{
		"garbage":         []byte("{"),
		"unknown table":   record(t, "conversations", "insert", "u1", map[string]string{"conversation_id": "c1"}),
		"unknown op":      record(t, "messages", "upsert", "u1", map[string]string{"conversation_id": "c1"}),
		"no conversation": record(t, "messages", "insert", "u1", map[string]string{"id": "m1"}),
	}
	for name, data := range cases {
		if _, _, _, err := Translate(data); err == nil {
			t.Errorf("%s: error expected", name)
		}
	}
}

func TestHubBroadcastScopedToTopic(t *testing.T) {
	h := NewHub()
	a := NewClient("conn-a", "u1", nil)
	b := NewClient("conn-b", "u2", nil)
	h.Add(a)
	h.Add(b)
	h.Watch("conversation:c1", a.ID)
	h.Watch("conversation:c2", b.ID)

	h.Broadcast("conversation:c1", []byte("frame"))

	select {
	case got := <-a.send:
		if string(got) != "frame" {
			t.Errorf("frame = %q", got)
		}
	default:
		t.Fatal("watcher did not receive the frame")
	}
	select {
	case <-b.send:
		t.Fatal("frame leaked to another topic")
	default:
	}
}

func TestHubRemoveStopsDelivery(t *testing.T) {
	h := NewHub()
	c := NewClient("conn-a", "u1", nil)
	h.Add(c)
	h.Watch("conversation:c1", c.ID)
	h.Remove(c.ID)

	// must not panic on a closed send channel
	h.Broadcast("conversation:c1", []byte("frame"))
}
