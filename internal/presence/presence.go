// Package presence tracks the ephemeral per-conversation set of connected
// users and their typing state. State lives only for the lifetime of an open
// channel subscription and is cleared immediately on disconnect; nothing here
// ever touches durable storage.
package presence

import (
	"context"
	"sort"

	"github.com/yourorg/convsync/internal/apperr"
	"github.com/yourorg/convsync/internal/domain"
	"github.com/yourorg/convsync/internal/ports"
)

// Phase is the per-channel subscription state. Track is only legal once
// Subscribed; announcing before the subscription is confirmed is an error.
type Phase int

const (
	Unsubscribed Phase = iota
	Subscribing
	Subscribed
)

type Tracker struct {
	phase   Phase
	handle  ports.Handle
	self    domain.PresenceEntry
	tracked bool
	entries map[string]domain.PresenceEntry
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]domain.PresenceEntry)}
}

func (t *Tracker) Phase() Phase { return t.phase }

// BeginSubscribe marks the subscription as in flight.
func (t *Tracker) BeginSubscribe() {
	t.phase = Subscribing
}

// ConfirmSubscribed attaches the confirmed channel handle.
func (t *Tracker) ConfirmSubscribed(h ports.Handle) {
	t.handle = h
	t.phase = Subscribed
}

// Track announces this client's presence. The typing flag travels inside the
// payload, so re-announcing with a changed flag is how typing state updates.
func (t *Tracker) Track(ctx context.Context, entry domain.PresenceEntry) error {
	if t.phase != Subscribed {
		return apperr.ErrNotSubscribed
	}
	if err := t.handle.Track(ctx, entry); err != nil {
		return err
	}
	t.self = entry
	t.tracked = true
	return nil
}

// SetTyping re-announces presence with the typing flag flipped.
func (t *Tracker) SetTyping(ctx context.Context, typing bool) error {
	if !t.tracked {
		return apperr.ErrNotSubscribed
	}
	entry := t.self
	entry.Typing = typing
	return t.Track(ctx, entry)
}

// Untrack ends this client's presence on the channel. The UI uses this as the
// alternative way to clear typing state on blur.
func (t *Tracker) Untrack(ctx context.Context) error {
	if t.phase != Subscribed || !t.tracked {
		return nil
	}
	t.tracked = false
	return t.handle.Untrack(ctx)
}

// ApplySync replaces the entire local view with the replayed snapshot. Sync
// is full-state: stale entries must not survive it.
func (t *Tracker) ApplySync(entries []domain.PresenceEntry) {
	t.entries = make(map[string]domain.PresenceEntry, len(entries))
	for _, e := range entries {
		t.entries[e.UserID] = e
	}
}

// ApplyJoin merges a single joining (or re-announcing) user.
func (t *Tracker) ApplyJoin(e domain.PresenceEntry) {
	t.entries[e.UserID] = e
}

// ApplyLeave drops a departed user.
func (t *Tracker) ApplyLeave(userID string) {
	delete(t.entries, userID)
}

// Online returns the current presence set ordered by online-since, then user
// id for a stable rendering.
func (t *Tracker) Online() []domain.PresenceEntry {
	out := make([]domain.PresenceEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OnlineAt.Equal(out[j].OnlineAt) {
			return out[i].OnlineAt.Before(out[j].OnlineAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Typing returns the users currently typing, excluding the given viewer.
func (t *Tracker) Typing(excludeUserID string) []domain.PresenceEntry {
	var out []domain.PresenceEntry
	for _, e := range t.Online() {
		if e.Typing && e.UserID != excludeUserID {
			out = append(out, e)
		}
	}
	return out
}

// Disconnect clears all presence state immediately, without waiting for any
// timeout, and resets the phase machine.
func (t *Tracker) Disconnect() {
	t.phase = Unsubscribed
	t.handle = nil
	t.tracked = false
	t.entries = make(map[string]domain.PresenceEntry)
}
