// Package membership holds the per-session view of a conversation's
// participants: roles, mute flags, last-read timestamps, and the left/hidden
// visibility flags. The store is owned by exactly one conversation session and
// mutated only under the session's lock, so it carries no locking of its own.
package membership

import (
	"time"

	"github.com/yourorg/convsync/internal/domain"
)

type Store struct {
	conversationID string
	byUser         map[string]*domain.Participant
	order          []string // user ids in first-seen order
}

func NewStore(conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		byUser:         make(map[string]*domain.Participant),
	}
}

// Upsert inserts or replaces a participant record.
func (s *Store) Upsert(p domain.Participant) {
	if _, ok := s.byUser[p.UserID]; !ok {
		s.order = append(s.order, p.UserID)
	}
	cp := p
	s.byUser[p.UserID] = &cp
}

// Get returns the participant record for a user, nil when absent.
func (s *Store) Get(userID string) *domain.Participant {
	return s.byUser[userID]
}

// IsParticipant reports whether the user has any membership row, left or not.
func (s *Store) IsParticipant(userID string) bool {
	return s.byUser[userID] != nil
}

// All returns every participant row in first-seen order, including left ones.
func (s *Store) All() []domain.Participant {
	out := make([]domain.Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byUser[id])
	}
	return out
}

// ActiveCount counts participants who have not left.
func (s *Store) ActiveCount() int {
	n := 0
	for _, p := range s.byUser {
		if p.Active() {
			n++
		}
	}
	return n
}

// SetLastRead moves a participant's last-read timestamp forward. Backwards
// moves are ignored so an out-of-order echo cannot regress read state.
func (s *Store) SetLastRead(userID string, at time.Time) bool {
	p := s.byUser[userID]
	if p == nil {
		return false
	}
	if p.LastReadAt != nil && p.LastReadAt.After(at) {
		return false
	}
	t := at
	p.LastReadAt = &t
	return true
}

// SetRole promotes or demotes a participant.
func (s *Store) SetRole(userID string, role domain.Role) bool {
	p := s.byUser[userID]
	if p == nil {
		return false
	}
	p.Role = role
	return true
}

// SetMuted flips the participant's mute flag.
func (s *Store) SetMuted(userID string, muted bool) bool {
	p := s.byUser[userID]
	if p == nil {
		return false
	}
	p.Muted = muted
	return true
}

// Leave marks a participant as having exited the group at the given time. The
// row is retained so past messages stay attributable.
func (s *Store) Leave(userID string, at time.Time) bool {
	p := s.byUser[userID]
	if p == nil || p.LeftAt != nil {
		return false
	}
	t := at
	p.LeftAt = &t
	return true
}

// Hide removes the conversation from the user's list views without touching
// the other participants or the history.
func (s *Store) Hide(userID string, removedEntirely bool) bool {
	p := s.byUser[userID]
	if p == nil {
		return false
	}
	p.HiddenFromList = true
	if removedEntirely {
		p.RemovedEntirely = true
	}
	return true
}

// Unhide reverses Hide; a later message exchange with the same peer
// implicitly restores the conversation to list views.
func (s *Store) Unhide(userID string) bool {
	p := s.byUser[userID]
	if p == nil {
		return false
	}
	p.HiddenFromList = false
	p.RemovedEntirely = false
	return true
}

// VisibleInList reports whether the conversation should appear in the user's
// aggregate conversation list.
func (s *Store) VisibleInList(userID string) bool {
	p := s.byUser[userID]
	if p == nil {
		return false
	}
	return !p.HiddenFromList && !p.RemovedEntirely
}
