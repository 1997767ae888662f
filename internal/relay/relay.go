// Package relay bridges the durable store's change log to the push side: it
// consumes changelog records from Kafka, rewrites them as wire frames, and
// fans them out to the per-conversation push topic plus any websocket clients
// attached to this process.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/yourorg/convsync/internal/channel"
	"github.com/yourorg/convsync/internal/metrics"
)

// Record is one change-log entry as produced by the write path: the table,
// the operation, the acting user, and the row payload (for deletes, just the
// row's natural key).
type Record struct {
	Table   string          `json:"table"`
	Op      string          `json:"op"`
	ActorID string          `json:"actor_id"`
	Row     json.RawMessage `json:"row"`
}

// rowScope is the slice of any row payload needed for topic routing.
type rowScope struct {
	ConversationID string `json:"conversation_id"`
}

// Translate rewrites a raw changelog record into the push topic it belongs to
// and the wire frame to publish there.
func Translate(data []byte) (topic string, frame []byte, table string, err error) {
	var rec Record
	if err = json.Unmarshal(data, &rec); err != nil {
		return "", nil, "", fmt.Errorf("changelog record: %w", err)
	}
	switch rec.Table {
	case channel.TableMessages, channel.TableReactions, channel.TableParticipants:
	default:
		return "", nil, "", fmt.Errorf("changelog record for unknown table %q", rec.Table)
	}
	switch rec.Op {
	case channel.TypeInsert, channel.TypeUpdate, channel.TypeDelete:
	default:
		return "", nil, "", fmt.Errorf("changelog record with unknown op %q", rec.Op)
	}

	var scope rowScope
	if err = json.Unmarshal(rec.Row, &scope); err != nil {
		return "", nil, "", fmt.Errorf("changelog row: %w", err)
	}
	if scope.ConversationID == "" {
		return "", nil, "", fmt.Errorf("changelog row without conversation id")
	}

	b, err := json.Marshal(channel.Frame{
		Type:    rec.Op,
		Table:   rec.Table,
		ActorID: rec.ActorID,
		Row:     rec.Row,
	})
	if err != nil {
		return "", nil, "", err
	}
	return "conversation:" + scope.ConversationID, b, rec.Table, nil
}

// Publisher is the push side the relay writes to. The redis channel adapter
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, frame []byte) error
}

// Consumer reads the changelog topic and fans each record out.
type Consumer struct {
	reader *kafka.Reader
	pub    Publisher
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewConsumer(brokers []string, topic, groupID string, pub Publisher, hub *Hub, log *zap.SugaredLogger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	return &Consumer{reader: r, pub: pub, hub: hub, log: log}
}

// Run consumes until the context is cancelled. Read errors back off and
// continue; a record that cannot be translated is logged and skipped, never
// retried.
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Errorw("changelog read failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.deliver(ctx, m.Value)
	}
}

func (c *Consumer) deliver(ctx context.Context, record []byte) {
	topic, frame, table, err := Translate(record)
	if err != nil {
		c.log.Warnw("changelog record skipped", "err", err)
		return
	}
	metrics.RelayFramesTotal.WithLabelValues(table).Inc()
	if err := c.pub.Publish(ctx, topic, frame); err != nil {
		c.log.Errorw("frame publish failed", "topic", topic, "err", err)
	}
	if c.hub != nil {
		c.hub.Broadcast(topic, frame)
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }
