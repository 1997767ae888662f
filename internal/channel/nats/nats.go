// Package nats implements the push channel over NATS subjects. Row frames map
// one-to-one onto subject messages. NATS keeps no presence state of its own,
// so each handle maintains a local registry from join/leave frames and
// re-announces itself when a newcomer asks; the registry is turned into
// full-state sync events before reaching the tracker.
package nats

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/yourorg/convsync/internal/apperr"
	"github.com/yourorg/convsync/internal/channel"
	"github.com/yourorg/convsync/internal/domain"
	"github.com/yourorg/convsync/internal/ports"
)

// whoFrame asks every tracked client on the subject to re-announce.
const whoFrame = `{"type":"who"}`

type Channel struct {
	nc     *nats.Conn
	prefix string
	log    *zap.SugaredLogger
}

func New(nc *nats.Conn, prefix string, log *zap.SugaredLogger) *Channel {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Channel{nc: nc, prefix: prefix, log: log}
}

func (c *Channel) subject(topic string) string { return c.prefix + "." + topic }

// Publish sends a raw wire frame to a topic.
func (c *Channel) Publish(_ context.Context, topic string, frame []byte) error {
	if err := c.nc.Publish(c.subject(topic), frame); err != nil {
		return apperr.Wrap(apperr.KindTransient, "publish "+topic, err)
	}
	return nil
}

func (c *Channel) Subscribe(_ context.Context, topic string) (ports.Handle, error) {
	h := &handle{c: c, topic: topic, registry: make(map[string]domain.PresenceEntry)}
	sub, err := c.nc.Subscribe(c.subject(topic), h.onMsg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "subscribe "+topic, err)
	}
	h.sub = sub
	// Ask existing clients to re-announce so the registry fills up.
	if err := c.nc.Publish(c.subject(topic), []byte(whoFrame)); err != nil {
		c.log.Warnw("who request failed", "topic", topic, "err", err)
	}
	return h, nil
}

type handle struct {
	c     *Channel
	topic string
	sub   *nats.Subscription

	mu       sync.Mutex
	fn       ports.EventHandler
	registry map[string]domain.PresenceEntry
	self     *domain.PresenceEntry
	closed   bool
}

func (h *handle) OnEvent(fn ports.EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn = fn
}

func (h *handle) onMsg(msg *nats.Msg) {
	if string(msg.Data) == whoFrame {
		h.reannounce()
		return
	}
	ev, err := channel.Decode(msg.Data)
	if err != nil {
		h.c.log.Warnw("dropping frame", "topic", h.topic, "err", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	// Presence frames feed the registry and surface as full snapshots.
	switch p := ev.(type) {
	case domain.PresenceJoined:
		h.registry[p.Entry.UserID] = p.Entry
		ev = h.snapshotLocked()
	case domain.PresenceLeft:
		delete(h.registry, p.UserID)
		ev = h.snapshotLocked()
	case domain.PresenceSynced:
		h.registry = make(map[string]domain.PresenceEntry, len(p.Entries))
		for _, e := range p.Entries {
			h.registry[e.UserID] = e
		}
	}
	fn := h.fn
	h.mu.Unlock()

	// The handler runs outside the lock; it may re-enter through Track.
	if fn != nil {
		fn(ev)
	}
}

func (h *handle) snapshotLocked() domain.PresenceSynced {
	entries := make([]domain.PresenceEntry, 0, len(h.registry))
	for _, e := range h.registry {
		entries = append(entries, e)
	}
	return domain.PresenceSynced{Entries: entries}
}

func (h *handle) reannounce() {
	h.mu.Lock()
	self := h.self
	h.mu.Unlock()
	if self == nil {
		return
	}
	if frame, err := channel.EncodeJoin(*self); err == nil {
		_ = h.c.nc.Publish(h.c.subject(h.topic), frame)
	}
}

func (h *handle) Track(ctx context.Context, entry domain.PresenceEntry) error {
	h.mu.Lock()
	e := entry
	h.self = &e
	h.registry[entry.UserID] = entry
	h.mu.Unlock()

	frame, err := channel.EncodeJoin(entry)
	if err != nil {
		return err
	}
	return h.c.Publish(ctx, h.topic, frame)
}

func (h *handle) Untrack(ctx context.Context) error {
	h.mu.Lock()
	self := h.self
	h.self = nil
	h.mu.Unlock()
	if self == nil {
		return nil
	}
	h.mu.Lock()
	delete(h.registry, self.UserID)
	h.mu.Unlock()

	frame, err := channel.EncodeLeave(self.UserID)
	if err != nil {
		return err
	}
	return h.c.Publish(ctx, h.topic, frame)
}

func (h *handle) Close() error {
	ctx := context.Background()
	_ = h.Untrack(ctx)
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.sub.Unsubscribe()
}
