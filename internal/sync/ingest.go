// Package sync pulls chat history from the remote store into the local cache:
// a prioritized preload of recent chats, a throttled background backfill of the
// rest, and forced per-chat syncs. Ingestor is the idempotent write path shared
// with the live listeners and the send queue.
package sync

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// MessageEvent is the payload of message.upserted.
type MessageEvent struct {
	ChatID  string              `json:"chat_id"`
	ID      string              `json:"id"`
	LocalID string              `json:"local_id,omitempty"`
	Status  store.MessageStatus `json:"status"`
}

// Ingestor writes messages into the cache and announces them on the bus.
type Ingestor struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(db *store.DB, b *bus.Bus, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{db: db, bus: b, logger: logger}
}

// IngestMessage upserts a single message and refreshes its chat preview.
func (in *Ingestor) IngestMessage(msg *store.Message) error {
	if err := in.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := in.db.UpdateChatPreview(msg.ChatID, msg); err != nil {
		return fmt.Errorf("update preview: %w", err)
	}
	in.publish(msg)
	return nil
}

// IngestBatch upserts msgs in one transaction. The newest message becomes the
// chat preview unless the cache already holds a newer one.
func (in *Ingestor) IngestBatch(chatID string, msgs []store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for i := range msgs {
		if msgs[i].ChatID == "" {
			msgs[i].ChatID = chatID
		}
	}
	if err := in.db.UpsertMessages(msgs); err != nil {
		return fmt.Errorf("ingest batch: %w", err)
	}

	newest := &msgs[0]
	for i := range msgs {
		if msgs[i].CreatedAt >= newest.CreatedAt {
			newest = &msgs[i]
		}
	}
	if err := in.db.UpdateChatPreview(chatID, newest); err != nil {
		return fmt.Errorf("update preview: %w", err)
	}
	for i := range msgs {
		in.publish(&msgs[i])
	}
	in.logger.Debug("batch ingested", zap.String("chat_id", chatID), zap.Int("messages", len(msgs)))
	return nil
}

func (in *Ingestor) publish(msg *store.Message) {
	if in.bus == nil {
		return
	}
	in.bus.Emit(bus.MessageUpserted, MessageEvent{
		ChatID:  msg.ChatID,
		ID:      msg.ID,
		LocalID: msg.LocalID,
		Status:  msg.Status,
	})
}
