package store

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
)

const chatColumns = `id, type, name, last_message_id, last_message_text, last_message_sender,
	last_message_at, sync_status, sync_error, message_count, last_synced_at`

var validSyncTransitions = map[SyncStatus][]SyncStatus{
	SyncPending: {SyncSyncing},
	SyncSyncing: {SyncSynced, SyncFailed},
	SyncSynced:  {SyncSyncing},
	SyncFailed:  {SyncSyncing},
}

// UpsertChat inserts or updates a chat's identity fields. Preview and sync
// bookkeeping are left untouched.
func (db *DB) UpsertChat(c *Chat) error {
	if c.Type == "" {
		c.Type = ChatDM
	}
	_, err := db.Exec(`
		INSERT INTO chats (id, type, name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			updated_at = excluded.updated_at`,
		c.ID, c.Type, c.Name, time.Now().UnixMilli())
	return err
}

// GetChat returns a single chat, or nil if it is not cached.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	err := db.Get(&c, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	chats := []Chat{}
	err := db.Select(&chats, `
		SELECT `+chatColumns+` FROM chats
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	return chats, err
}

// ListChatsBySyncStatus returns the chats in any of the given sync states,
// most recently active first.
func (db *DB) ListChatsBySyncStatus(statuses ...SyncStatus) ([]Chat, error) {
	chats := []Chat{}
	if len(statuses) == 0 {
		return chats, nil
	}
	query, args, err := sqlx.In(`
		SELECT `+chatColumns+` FROM chats
		WHERE sync_status IN (?)
		ORDER BY last_message_at DESC, id ASC`, statuses)
	if err != nil {
		return nil, err
	}
	err = db.Select(&chats, db.Rebind(query), args...)
	return chats, err
}

// UpdateChatPreview records msg as the chat's last message unless the stored
// preview is newer.
func (db *DB) UpdateChatPreview(chatID string, m *Message) error {
	return updateChatPreview(db, chatID, m)
}

func updateChatPreview(e sqlx.Execer, chatID string, m *Message) error {
	_, err := e.Exec(`
		INSERT INTO chats (id, last_message_id, last_message_text, last_message_sender, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_message_text = excluded.last_message_text,
			last_message_sender = excluded.last_message_sender,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_message_at >= chats.last_message_at`,
		chatID, m.ID, truncate(m.Text, 100), m.SenderID, m.CreatedAt, time.Now().UnixMilli())
	return err
}

// MarkChatSyncStatus moves a chat to a new sync status, creating the row if
// needed. messageCount, when non-nil, replaces the stored count.
func (db *DB) MarkChatSyncStatus(chatID string, status SyncStatus, messageCount *int) error {
	return db.markChatSync(chatID, status, messageCount, "", false)
}

// MarkChatSyncFailed moves a chat to failed and keeps the failure reason.
func (db *DB) MarkChatSyncFailed(chatID string, reason string) error {
	return db.markChatSync(chatID, SyncFailed, nil, reason, false)
}

// MarkChatSyncCompleted records a finished sync of messageCount messages. A
// chat marked failed by a sync that ended in the meantime passes back through
// syncing, so the later success wins and the failure reason is cleared.
func (db *DB) MarkChatSyncCompleted(chatID string, messageCount int) error {
	return db.markChatSync(chatID, SyncSynced, &messageCount, "", true)
}

func (db *DB) markChatSync(chatID string, status SyncStatus, messageCount *int, reason string, overFailed bool) error {
	return db.withTx(func(tx *sqlx.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`INSERT INTO chats (id, updated_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, chatID, now); err != nil {
			return err
		}
		var current SyncStatus
		if err := tx.Get(&current, `SELECT sync_status FROM chats WHERE id = ?`, chatID); err != nil {
			return err
		}
		allowed := current == status || slices.Contains(validSyncTransitions[current], status)
		if overFailed && current == SyncFailed && slices.Contains(validSyncTransitions[SyncSyncing], status) {
			allowed = true
		}
		if !allowed {
			return fmt.Errorf("%w: %s to %s", ErrInvalidSyncTransition, current, status)
		}
		_, err := tx.Exec(`
			UPDATE chats SET
				sync_status = ?,
				sync_error = ?,
				message_count = COALESCE(?, message_count),
				updated_at = ?
			WHERE id = ?`, status, reason, messageCount, now, chatID)
		return err
	})
}

// DeleteChat removes a chat and, by cascade, everything cached under it.
func (db *DB) DeleteChat(id string) error {
	_, err := db.Exec(`DELETE FROM chats WHERE id = ?`, id)
	return err
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.Get(&count, `SELECT COUNT(*) FROM chats`)
	return count, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.Get(&count, `SELECT COUNT(*) FROM messages`)
	return count, err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
