// Package store defines the table layout of the durable store and the codecs
// between domain types and port rows. Adapters (mongo, memory) implement
// ports.DurableStore against these tables.
package store

import (
	"time"

	"github.com/yourorg/convsync/internal/domain"
	"github.com/yourorg/convsync/internal/ports"
)

const (
	TableConversations = "conversations"
	TableParticipants  = "participants"
	TableMessages      = "messages"
	TableReactions     = "reactions"
)

func ConversationRow(c domain.Conversation) ports.Row {
	return ports.Row{
		"id":         c.ID,
		"is_group":   c.IsGroup,
		"name":       c.Name,
		"created_by": c.CreatedBy,
		"created_at": c.CreatedAt,
		"updated_at": c.UpdatedAt,
	}
}

func ConversationFromRow(r ports.Row) domain.Conversation {
	return domain.Conversation{
		ID:        str(r, "id"),
		IsGroup:   boolean(r, "is_group"),
		Name:      str(r, "name"),
		CreatedBy: str(r, "created_by"),
		CreatedAt: ts(r, "created_at"),
		UpdatedAt: ts(r, "updated_at"),
	}
}

func ParticipantRow(p domain.Participant) ports.Row {
	return ports.Row{
		"conversation_id":  p.ConversationID,
		"user_id":          p.UserID,
		"role":             string(p.Role),
		"muted":            p.Muted,
		"last_read_at":     optTS(p.LastReadAt),
		"left_at":          optTS(p.LeftAt),
		"hidden_from_list": p.HiddenFromList,
		"removed_entirely": p.RemovedEntirely,
	}
}

func ParticipantFromRow(r ports.Row) domain.Participant {
	return domain.Participant{
		ConversationID:  str(r, "conversation_id"),
		UserID:          str(r, "user_id"),
		Role:            domain.Role(str(r, "role")),
		Muted:           boolean(r, "muted"),
		LastReadAt:      optTSFrom(r, "last_read_at"),
		LeftAt:          optTSFrom(r, "left_at"),
		HiddenFromList:  boolean(r, "hidden_from_list"),
		RemovedEntirely: boolean(r, "removed_entirely"),
	}
}

func MessageRow(m domain.Message) ports.Row {
	return ports.Row{
		"id":                 m.ID,
		"conversation_id":    m.ConversationID,
		"sender_id":          m.SenderID,
		"content":            m.Content,
		"images":             m.Images,
		"created_at":         m.CreatedAt,
		"updated_at":         m.UpdatedAt,
		"deleted_at":         optTS(m.DeletedAt),
		"hidden_by":          m.HiddenBy,
		"client_mutation_id": m.MutationID,
	}
}

func MessageFromRow(r ports.Row) domain.Message {
	return domain.Message{
		ID:             str(r, "id"),
		ConversationID: str(r, "conversation_id"),
		SenderID:       str(r, "sender_id"),
		Content:        str(r, "content"),
		Images:         strs(r, "images"),
		CreatedAt:      ts(r, "created_at"),
		UpdatedAt:      ts(r, "updated_at"),
		DeletedAt:      optTSFrom(r, "deleted_at"),
		HiddenBy:       strs(r, "hidden_by"),
		MutationID:     str(r, "client_mutation_id"),
	}
}

func ReactionRow(re domain.Reaction) ports.Row {
	return ports.Row{
		"message_id":         re.MessageID,
		"conversation_id":    re.ConversationID,
		"user_id":            re.UserID,
		"emoji":              re.Emoji,
		"created_at":         re.CreatedAt,
		"client_mutation_id": re.MutationID,
	}
}

func ReactionFromRow(r ports.Row) domain.Reaction {
	return domain.Reaction{
		MessageID:      str(r, "message_id"),
		ConversationID: str(r, "conversation_id"),
		UserID:         str(r, "user_id"),
		Emoji:          str(r, "emoji"),
		CreatedAt:      ts(r, "created_at"),
		MutationID:     str(r, "client_mutation_id"),
	}
}

func str(r ports.Row, key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

func boolean(r ports.Row, key string) bool {
	if v, ok := r[key].(bool); ok {
		return v
	}
	return false
}

func ts(r ports.Row, key string) time.Time {
	if v, ok := r[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func optTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func optTSFrom(r ports.Row, key string) *time.Time {
	if v, ok := r[key].(time.Time); ok && !v.IsZero() {
		t := v
		return &t
	}
	return nil
}

func strs(r ports.Row, key string) []string {
	switch v := r[key].(type) {
	case []string:
		if len(v) == 0 {
			return nil
		}
		return append([]string(nil), v...)
	case []any:
		var out []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
