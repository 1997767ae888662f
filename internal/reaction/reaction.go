// Package reaction aggregates per-message emoji reactions. Each user holds at
// most one reaction per message; changing emoji is modeled as delete-then-
// insert to keep per-choice created timestamps.
package reaction

import (
	"time"

	"github.com/yourorg/convsync/internal/domain"
)

// Set is the local reaction state of one conversation session.
type Set struct {
	byMessage map[string][]domain.Reaction // insertion order preserved
}

func NewSet() *Set {
	return &Set{byMessage: make(map[string][]domain.Reaction)}
}

// Group is one emoji bucket of a message's reaction summary.
type Group struct {
	Emoji            string
	Count            int
	UserIDs          []string
	ViewerHasReacted bool
}

// Toggle applies the local toggle semantics and returns what happened:
// removed is the user's prior reaction (nil when there was none) and added is
// the newly inserted one (nil when the toggle only removed). Same emoji
// removes; a different emoji replaces; no prior reaction inserts. The
// mutation id rides on the inserted reaction so the row it becomes can be
// traced back to this toggle.
func (s *Set) Toggle(messageID, userID, emoji, mutationID string, at time.Time) (removed, added *domain.Reaction) {
	prior := s.find(messageID, userID)
	if prior != nil {
		r := *prior
		removed = &r
		s.delete(messageID, userID)
		if prior.Emoji == emoji {
			return removed, nil
		}
	}
	r := domain.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: at, MutationID: mutationID}
	s.byMessage[messageID] = append(s.byMessage[messageID], r)
	return removed, &r
}

// ApplyInsert merges a reaction arriving from the push channel. Any prior
// reaction by the same user is displaced first, which keeps the exclusivity
// invariant even when the matching delete event was lost.
func (s *Set) ApplyInsert(r domain.Reaction) bool {
	if prior := s.find(r.MessageID, r.UserID); prior != nil {
		if prior.Emoji == r.Emoji {
			return false // duplicate delivery
		}
		s.delete(r.MessageID, r.UserID)
	}
	s.byMessage[r.MessageID] = append(s.byMessage[r.MessageID], r)
	return true
}

// ApplyDelete removes a user's reaction on a message.
func (s *Set) ApplyDelete(messageID, userID string) bool {
	if s.find(messageID, userID) == nil {
		return false
	}
	s.delete(messageID, userID)
	return true
}

// ByUser returns the user's current reaction on a message, nil when none.
func (s *Set) ByUser(messageID, userID string) *domain.Reaction {
	if r := s.find(messageID, userID); r != nil {
		cp := *r
		return &cp
	}
	return nil
}

// Of returns all reactions on a message in insertion order.
func (s *Set) Of(messageID string) []domain.Reaction {
	return append([]domain.Reaction(nil), s.byMessage[messageID]...)
}

// All returns every reaction across all messages.
func (s *Set) All() []domain.Reaction {
	var out []domain.Reaction
	for _, rs := range s.byMessage {
		out = append(out, rs...)
	}
	return out
}

// Grouped summarizes a message's reactions by emoji, ordered by first-seen
// emoji rather than by count.
func (s *Set) Grouped(messageID, viewerID string) []Group {
	var out []Group
	index := make(map[string]int)
	for _, r := range s.byMessage[messageID] {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, Group{Emoji: r.Emoji})
		}
		out[i].Count++
		out[i].UserIDs = append(out[i].UserIDs, r.UserID)
		if r.UserID == viewerID {
			out[i].ViewerHasReacted = true
		}
	}
	return out
}

// ReplaceAll swaps the full reaction state of a message, used by the
// post-failure refetch.
func (s *Set) ReplaceAll(messageID string, rs []domain.Reaction) {
	if len(rs) == 0 {
		delete(s.byMessage, messageID)
		return
	}
	s.byMessage[messageID] = append([]domain.Reaction(nil), rs...)
}

func (s *Set) find(messageID, userID string) *domain.Reaction {
	for i := range s.byMessage[messageID] {
		if s.byMessage[messageID][i].UserID == userID {
			return &s.byMessage[messageID][i]
		}
	}
	return nil
}

func (s *Set) delete(messageID, userID string) {
	rs := s.byMessage[messageID]
	for i := range rs {
		if rs[i].UserID == userID {
			s.byMessage[messageID] = append(rs[:i], rs[i+1:]...)
			if len(s.byMessage[messageID]) == 0 {
				delete(s.byMessage, messageID)
			}
			return
		}
	}
}
