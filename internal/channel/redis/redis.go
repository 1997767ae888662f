// Package redis implements the push channel over Redis pub/sub. One pub/sub
// channel per topic gives in-order delivery within a topic; presence lives in
// a per-topic hash so track/untrack can republish the full snapshot.
//
// Keys:
//   - <prefix>:chan:<topic>     pub/sub channel for wire frames
//   - <prefix>:presence:<topic> hash userID -> presence entry JSON
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourorg/convsync/internal/apperr"
	"github.com/yourorg/convsync/internal/channel"
	"github.com/yourorg/convsync/internal/domain"
	"github.com/yourorg/convsync/internal/ports"
)

const presenceTTL = 24 * time.Hour

type Channel struct {
	rdb    *redis.Client
	prefix string
	log    *zap.SugaredLogger
}

func New(rdb *redis.Client, prefix string, log *zap.SugaredLogger) *Channel {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Channel{rdb: rdb, prefix: prefix, log: log}
}

func (c *Channel) chanKey(topic string) string {
	return fmt.Sprintf("%s:chan:%s", c.prefix, topic)
}

func (c *Channel) presenceKey(topic string) string {
	return fmt.Sprintf("%s:presence:%s", c.prefix, topic)
}

// Publish sends a raw wire frame to a topic; the relay uses this to fan out
// row changes.
func (c *Channel) Publish(ctx context.Context, topic string, frame []byte) error {
	if err := c.rdb.Publish(ctx, c.chanKey(topic), frame).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransient, "publish "+topic, err)
	}
	return nil
}

// Snapshot reads the current presence set of a topic.
func (c *Channel) Snapshot(ctx context.Context, topic string) ([]domain.PresenceEntry, error) {
	fields, err := c.rdb.HGetAll(ctx, c.presenceKey(topic)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "presence snapshot "+topic, err)
	}
	out := make([]domain.PresenceEntry, 0, len(fields))
	for _, raw := range fields {
		var e domain.PresenceEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Channel) Subscribe(ctx context.Context, topic string) (ports.Handle, error) {
	ps := c.rdb.Subscribe(ctx, c.chanKey(topic))
	// Wait for the server's subscription confirmation before reporting the
	// channel as live.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, apperr.Wrap(apperr.KindTransient, "subscribe "+topic, err)
	}

	h := &handle{c: c, topic: topic, ps: ps}
	if snap, err := c.Snapshot(ctx, topic); err == nil {
		h.pendingSync = &domain.PresenceSynced{Entries: snap}
	}
	go h.loop()
	return h, nil
}

type handle struct {
	c     *Channel
	topic string
	ps    *redis.PubSub

	mu          sync.Mutex
	fn          ports.EventHandler
	pendingSync *domain.PresenceSynced
	self        string
	closed      bool
}

func (h *handle) OnEvent(fn ports.EventHandler) {
	h.mu.Lock()
	h.fn = fn
	pending := h.pendingSync
	h.pendingSync = nil
	h.mu.Unlock()
	if pending != nil && fn != nil {
		fn(*pending)
	}
}

func (h *handle) loop() {
	for msg := range h.ps.Channel() {
		ev, err := channel.Decode([]byte(msg.Payload))
		if err != nil {
			h.c.log.Warnw("dropping frame", "topic", h.topic, "err", err)
			continue
		}
		h.emit(ev)
	}
}

// emit snapshots the handler under the lock and calls it outside, so a
// handler that re-enters the channel (track, untrack) cannot deadlock.
func (h *handle) emit(ev domain.Event) {
	h.mu.Lock()
	fn := h.fn
	closed := h.closed
	h.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(ev)
}

func (h *handle) Track(ctx context.Context, entry domain.PresenceEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := h.c.presenceKey(h.topic)
	if err := h.c.rdb.HSet(ctx, key, entry.UserID, raw).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransient, "track", err)
	}
	_ = h.c.rdb.Expire(ctx, key, presenceTTL).Err()

	h.mu.Lock()
	h.self = entry.UserID
	h.mu.Unlock()

	if frame, err := channel.EncodeJoin(entry); err == nil {
		_ = h.c.Publish(ctx, h.topic, frame)
	}
	return h.publishSync(ctx)
}

func (h *handle) Untrack(ctx context.Context) error {
	h.mu.Lock()
	self := h.self
	h.self = ""
	h.mu.Unlock()
	if self == "" {
		return nil
	}
	if err := h.c.rdb.HDel(ctx, h.c.presenceKey(h.topic), self).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransient, "untrack", err)
	}
	if frame, err := channel.EncodeLeave(self); err == nil {
		_ = h.c.Publish(ctx, h.topic, frame)
	}
	return h.publishSync(ctx)
}

// publishSync republishes the authoritative full presence snapshot so every
// subscriber converges after a membership change.
func (h *handle) publishSync(ctx context.Context) error {
	snap, err := h.c.Snapshot(ctx, h.topic)
	if err != nil {
		return err
	}
	frame, err := channel.EncodeSync(snap)
	if err != nil {
		return err
	}
	return h.c.Publish(ctx, h.topic, frame)
}

func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.Untrack(ctx)
	return h.ps.Close()
}
