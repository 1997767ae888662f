// Package messagelog keeps the ordered local message sequence of one open
// conversation: optimistic appends with temporary ids, insert-sorted apply of
// foreign events with id de-duplication, soft-delete tombstones, and per-user
// hide markers. Like the membership store it is owned by a single session and
// does no locking itself.
package messagelog

import (
	"sort"
	"time"

	"github.com/yourorg/convsync/internal/domain"
)

type Log struct {
	msgs []*domain.Message
	byID map[string]*domain.Message
}

func New() *Log {
	return &Log{byID: make(map[string]*domain.Message)}
}

func (l *Log) Len() int { return len(l.msgs) }

// Get returns the message with the given id, nil when absent.
func (l *Log) Get(id string) *domain.Message {
	return l.byID[id]
}

// Append adds a locally-originated message at the tail. Used for optimistic
// sends, where the temporary entry is known to be newest.
func (l *Log) Append(m domain.Message) bool {
	if _, ok := l.byID[m.ID]; ok {
		return false
	}
	cp := m
	l.msgs = append(l.msgs, &cp)
	l.byID[m.ID] = &cp
	return true
}

// ApplyInsert merges a message arriving from the push channel, keeping the
// log sorted by creation time. Duplicate ids are dropped, which is what makes
// at-least-once delivery safe.
func (l *Log) ApplyInsert(m domain.Message) bool {
	if _, ok := l.byID[m.ID]; ok {
		return false
	}
	cp := m
	i := sort.Search(len(l.msgs), func(i int) bool {
		if l.msgs[i].CreatedAt.Equal(cp.CreatedAt) {
			return l.msgs[i].ID > cp.ID
		}
		return l.msgs[i].CreatedAt.After(cp.CreatedAt)
	})
	l.msgs = append(l.msgs, nil)
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = &cp
	l.byID[cp.ID] = &cp
	return true
}

// ApplyUpdate overwrites the stored message in place, preserving its slot so
// the rendered list does not flicker. CreatedAt is the ordering key and is
// immutable after insert; a stray timestamp on an update event is ignored.
func (l *Log) ApplyUpdate(m domain.Message) bool {
	cur := l.byID[m.ID]
	if cur == nil {
		return false
	}
	m.CreatedAt = cur.CreatedAt
	*cur = m
	return true
}

// Splice replaces the temporary entry's metadata with the confirmed row (real
// id, server timestamps) without removing and re-adding it.
func (l *Log) Splice(tempID string, confirmed domain.Message) bool {
	cur := l.byID[tempID]
	if cur == nil {
		return false
	}
	delete(l.byID, tempID)
	*cur = confirmed
	l.byID[confirmed.ID] = cur
	return true
}

// Remove drops a message outright; used to roll back a failed optimistic send.
func (l *Log) Remove(id string) bool {
	cur := l.byID[id]
	if cur == nil {
		return false
	}
	delete(l.byID, id)
	for i, m := range l.msgs {
		if m == cur {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			break
		}
	}
	return true
}

// SoftDelete tombstones the message: content is replaced, the row and its
// sender survive for history.
func (l *Log) SoftDelete(id string, at time.Time) bool {
	cur := l.byID[id]
	if cur == nil || cur.DeletedAt != nil {
		return false
	}
	t := at
	cur.DeletedAt = &t
	cur.Content = domain.Tombstone
	cur.Images = nil
	return true
}

// HideFor marks the message hidden for one viewer only.
func (l *Log) HideFor(id, userID string) bool {
	cur := l.byID[id]
	if cur == nil || cur.HiddenFor(userID) {
		return false
	}
	cur.HiddenBy = append(cur.HiddenBy, userID)
	return true
}

// All returns the full ordered log, visible or not.
func (l *Log) All() []domain.Message {
	out := make([]domain.Message, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = *m
	}
	return out
}

// VisibleTo returns the ordered messages the viewer may see under the
// visibility invariant.
func (l *Log) VisibleTo(userID string, p *domain.Participant) []domain.Message {
	var out []domain.Message
	for _, m := range l.msgs {
		if m.VisibleTo(userID, p) {
			out = append(out, *m)
		}
	}
	return out
}

// UnreadCount counts visible foreign messages created after the viewer's
// last-read timestamp.
func (l *Log) UnreadCount(userID string, p *domain.Participant) int {
	n := 0
	for _, m := range l.msgs {
		if m.SenderID == userID || !m.VisibleTo(userID, p) {
			continue
		}
		if p.LastReadAt == nil || m.CreatedAt.After(*p.LastReadAt) {
			n++
		}
	}
	return n
}
