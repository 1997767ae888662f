package session

import (
	"time"

	"github.com/google/uuid"
)

// MutationState is the lifecycle of one locally-originated change:
//
//	Pending -> Confirmed -> Settled
//	Pending -> Failed -> RolledBack
//
// Pending means the optimistic local apply happened and the durable write is
// in flight. Confirmed means the write succeeded. Settled means the echo was
// observed (or the mutation aged out). Failed/RolledBack cover a rejected
// write and its local undo.
type MutationState int

const (
	StatePending MutationState = iota
	StateConfirmed
	StateSettled
	StateFailed
	StateRolledBack
)

func (s MutationState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateSettled:
		return "settled"
	case StateFailed:
		return "failed"
	default:
		return "rolled_back"
	}
}

type MutationKind string

const (
	KindSendMessage    MutationKind = "send_message"
	KindToggleReaction MutationKind = "toggle_reaction"
	KindDeleteMessage  MutationKind = "delete_message"
	KindHideMessage    MutationKind = "hide_message"
	KindMembership     MutationKind = "membership"
)

// target identifies the logical row a mutation touches, used as the echo
// suppression fallback when an event arrives without a mutation id.
type target struct {
	table string
	key   string
}

type mutation struct {
	id     string
	kind   MutationKind
	state  MutationState
	target target
	// tempID is set for sends until the confirmed row id replaces it.
	tempID string
	// createdAt drives the age-out of mutations whose echo never arrives.
	createdAt time.Time
}

func newMutation(kind MutationKind) *mutation {
	return &mutation{id: uuid.NewString(), kind: kind, state: StatePending}
}

// live reports whether an echo for this mutation should still be suppressed.
func (m *mutation) live() bool {
	return m.state == StatePending || m.state == StateConfirmed
}
