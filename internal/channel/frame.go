// Package channel defines the wire frames of the push transport and the codec
// between frames and the typed domain events. Adapters (redis, nats) and the
// relay share this codec; loosely-shaped payloads never cross into the core.
package channel

import (
	"encoding/json"
	"fmt"

	"github.com/yourorg/convsync/internal/domain"
)

// Frame types.
const (
	TypeInsert = "insert"
	TypeUpdate = "update"
	TypeDelete = "delete"
	TypeSync   = "sync"
	TypeJoin   = "join"
	TypeLeave  = "leave"
)

// Tables carried in row frames.
const (
	TableMessages     = "messages"
	TableReactions    = "reactions"
	TableParticipants = "participants"
)

// Frame is one wire-level event: a row change (insert/update/delete on a
// table) or a presence event (sync/join/leave).
type Frame struct {
	Type    string          `json:"type"`
	Table   string          `json:"table,omitempty"`
	ActorID string          `json:"actor_id,omitempty"`
	Row     json.RawMessage `json:"row,omitempty"`

	Presence []domain.PresenceEntry `json:"presence,omitempty"`
	Entry    *domain.PresenceEntry  `json:"entry,omitempty"`
	UserID   string                 `json:"user_id,omitempty"`
}

// reactionKey is the row payload of a reaction delete frame.
type reactionKey struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// messageKey is the row payload of a message delete frame.
type messageKey struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// Decode turns a wire frame into a typed domain event.
func Decode(data []byte) (domain.Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f.Event()
}

// Event converts an already-parsed frame.
func (f Frame) Event() (domain.Event, error) {
	switch f.Type {
	case TypeSync:
		return domain.PresenceSynced{Entries: f.Presence}, nil
	case TypeJoin:
		if f.Entry == nil {
			return nil, fmt.Errorf("join frame without entry")
		}
		return domain.PresenceJoined{Entry: *f.Entry}, nil
	case TypeLeave:
		return domain.PresenceLeft{UserID: f.UserID}, nil
	case TypeInsert, TypeUpdate, TypeDelete:
		return f.rowEvent()
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func (f Frame) rowEvent() (domain.Event, error) {
	switch f.Table {
	case TableMessages:
		switch f.Type {
		case TypeDelete:
			var k messageKey
			if err := json.Unmarshal(f.Row, &k); err != nil {
				return nil, fmt.Errorf("message delete row: %w", err)
			}
			return domain.MessageDeleted{MessageID: k.ID, ConversationID: k.ConversationID, ActorID: f.ActorID}, nil
		default:
			var m domain.Message
			if err := json.Unmarshal(f.Row, &m); err != nil {
				return nil, fmt.Errorf("message row: %w", err)
			}
			if f.Type == TypeInsert {
				return domain.MessageInserted{Message: m, ActorID: f.ActorID}, nil
			}
			return domain.MessageUpdated{Message: m, ActorID: f.ActorID}, nil
		}
	case TableReactions:
		if f.Type == TypeDelete {
			var k reactionKey
			if err := json.Unmarshal(f.Row, &k); err != nil {
				return nil, fmt.Errorf("reaction delete row: %w", err)
			}
			return domain.ReactionDeleted{MessageID: k.MessageID, UserID: k.UserID, ActorID: f.ActorID}, nil
		}
		var r domain.Reaction
		if err := json.Unmarshal(f.Row, &r); err != nil {
			return nil, fmt.Errorf("reaction row: %w", err)
		}
		return domain.ReactionInserted{Reaction: r, ActorID: f.ActorID}, nil
	case TableParticipants:
		var p domain.Participant
		if err := json.Unmarshal(f.Row, &p); err != nil {
			return nil, fmt.Errorf("participant row: %w", err)
		}
		return domain.ParticipantUpdated{Participant: p, ActorID: f.ActorID}, nil
	default:
		return nil, fmt.Errorf("unknown table %q", f.Table)
	}
}

// EncodeRow builds a row-change frame.
func EncodeRow(frameType, table, actorID string, row any) ([]byte, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, Table: table, ActorID: actorID, Row: b})
}

// EncodeSync builds a full-state presence frame.
func EncodeSync(entries []domain.PresenceEntry) ([]byte, error) {
	if entries == nil {
		entries = []domain.PresenceEntry{}
	}
	return json.Marshal(Frame{Type: TypeSync, Presence: entries})
}

// EncodeJoin builds a presence join/re-announce frame.
func EncodeJoin(entry domain.PresenceEntry) ([]byte, error) {
	return json.Marshal(Frame{Type: TypeJoin, Entry: &entry})
}

// EncodeLeave builds a presence leave frame.
func EncodeLeave(userID string) ([]byte, error) {
	return json.Marshal(Frame{Type: TypeLeave, UserID: userID})
}
