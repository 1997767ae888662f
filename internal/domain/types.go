package domain

import "time"

// Role of a participant inside a conversation.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Tombstone replaces the content of a soft-deleted message. The row is kept so
// the sender stays attributable.
const Tombstone = "__deleted__"

type Conversation struct {
	ID        string    `json:"id"`
	IsGroup   bool      `json:"is_group"`
	Name      string    `json:"name,omitempty"` // groups only
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant is one (conversation, user) membership record. LastReadAt nil
// means the user never opened the conversation. A participant with LeftAt set
// keeps its historical row but is excluded from read/delivery computations for
// messages created after LeftAt.
type Participant struct {
	ConversationID  string     `json:"conversation_id"`
	UserID          string     `json:"user_id"`
	Role            Role       `json:"role"`
	Muted           bool       `json:"muted"`
	LastReadAt      *time.Time `json:"last_read_at,omitempty"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	HiddenFromList  bool       `json:"hidden_from_list"`
	RemovedEntirely bool       `json:"removed_entirely"`
}

// Active reports whether the participant still receives new messages.
func (p Participant) Active() bool { return p.LeftAt == nil }

// CountsFor reports whether the participant takes part in read/delivery
// computations for a message created at the given time.
func (p Participant) CountsFor(createdAt time.Time) bool {
	return p.LeftAt == nil || !createdAt.After(*p.LeftAt)
}

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id,omitempty"` // empty if the account was removed
	Content        string     `json:"content"`
	Images         []string   `json:"images,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	HiddenBy       []string   `json:"hidden_by,omitempty"`

	// MutationID carries the client-generated mutation id of the write that
	// produced this row, so the writer can recognize its own echo.
	MutationID string `json:"client_mutation_id,omitempty"`
}

// Deleted reports whether the message was soft-deleted.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// HiddenFor reports whether the given viewer hid this message locally.
func (m Message) HiddenFor(userID string) bool {
	for _, id := range m.HiddenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// VisibleTo applies the visibility invariant: not hidden by the viewer, not
// soft-deleted, and within the viewer's membership window when they left the
// group. A nil participant means the viewer never belonged to the
// conversation and sees nothing.
func (m Message) VisibleTo(userID string, p *Participant) bool {
	if p == nil {
		return false
	}
	if m.Deleted() || m.HiddenFor(userID) {
		return false
	}
	if p.LeftAt != nil && m.CreatedAt.After(*p.LeftAt) {
		return false
	}
	return true
}

// Reaction is one (message, user) emoji choice. At most one row exists per
// (message, user); changing emoji is delete-then-insert.
type Reaction struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id"`
	Emoji          string    `json:"emoji"`
	CreatedAt      time.Time `json:"created_at"`
	MutationID     string    `json:"client_mutation_id,omitempty"`
}

// PresenceEntry is the ephemeral per-channel record of one connected user.
// Never persisted.
type PresenceEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Typing      bool      `json:"typing"`
	OnlineAt    time.Time `json:"online_at"`
}

// ReadStatus is the derived per-message delivery state, only rendered to the
// message's own sender.
type ReadStatus int

const (
	StatusSent ReadStatus = iota
	StatusDelivered
	StatusRead
)

func (s ReadStatus) String() string {
	switch s {
	case StatusRead:
		return "read"
	case StatusDelivered:
		return "delivered"
	default:
		return "sent"
	}
}
