// Package ports declares the narrow interfaces the synchronization core
// consumes from its collaborators: the durable store, the push channel, the
// identity provider, and a small key-value store for session state. Adapters
// live under internal/store, internal/channel and internal/kv.
package ports

import (
	"context"

	"github.com/yourorg/convsync/internal/domain"
)

// Filter is an equality predicate over row fields.
type Filter map[string]any

// Row is one stored record. Values are plain Go types; time columns carry
// time.Time.
type Row map[string]any

// DurableStore is the relational-ish persistence port. Transactions across
// calls are not assumed; multi-step operations in the coordinator are
// explicitly non-atomic and tolerate partial completion.
type DurableStore interface {
	Insert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table string, filter Filter, set Row) (int, error)
	Delete(ctx context.Context, table string, filter Filter) (int, error)
	// Select returns matching rows ordered by the named field; a "-" prefix
	// means descending. Empty orderBy preserves insertion order.
	Select(ctx context.Context, table string, filter Filter, orderBy string) ([]Row, error)
}

// EventHandler receives decoded change events. Handlers for one handle are
// invoked sequentially, preserving the channel's in-order guarantee.
type EventHandler func(domain.Event)

// Handle is one live channel subscription.
type Handle interface {
	// OnEvent registers the event callback. Must be called before events
	// start flowing; adapters buffer nothing.
	OnEvent(fn EventHandler)
	// Track announces or re-announces this client's presence payload.
	Track(ctx context.Context, entry domain.PresenceEntry) error
	// Untrack ends this client's presence on the channel.
	Untrack(ctx context.Context) error
	// Close unsubscribes; no events are delivered afterwards and any
	// tracked presence is released.
	Close() error
}

// PushChannel is the publish/subscribe transport port. One topic per
// conversation; delivery within a topic is in order, across topics nothing is
// guaranteed.
type PushChannel interface {
	Subscribe(ctx context.Context, topic string) (Handle, error)
}

// Identity resolves the authenticated user to a stable opaque identifier.
type Identity interface {
	CurrentUser(ctx context.Context) (string, error)
}

// KV persists small session-scoped values (drafts, counters, flags).
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Notice is a user-visible error surface with an optional retry affordance.
type Notice struct {
	Message   string
	Retryable bool
}

// Notifier delivers notices to whatever UI hosts the session.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }
