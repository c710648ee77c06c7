package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const messageColumns = `id, COALESCE(local_id, '') AS local_id, chat_id, sender_id, text, media_url, reply_to,
	status, created_at, edited, COALESCE(queued_at, 0) AS queued_at, retry_count,
	COALESCE(last_retry_at, 0) AS last_retry_at, synced`

// statusRank mirrors MessageStatus.Rank in SQL.
func statusRank(col string) string {
	return fmt.Sprintf(`(CASE %s WHEN 'sending' THEN 1 WHEN 'failed' THEN 1 WHEN 'sent' THEN 2 WHEN 'delivered' THEN 3 WHEN 'read' THEN 4 ELSE 0 END)`, col)
}

var upsertMessageSQL = `
	INSERT INTO messages (id, local_id, chat_id, sender_id, text, media_url, reply_to, status,
		created_at, edited, queued_at, retry_count, last_retry_at, synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		local_id = COALESCE(messages.local_id, excluded.local_id),
		sender_id = excluded.sender_id,
		text = excluded.text,
		media_url = excluded.media_url,
		reply_to = excluded.reply_to,
		edited = excluded.edited,
		status = CASE WHEN ` + statusRank("excluded.status") + ` >= ` + statusRank("messages.status") + `
			THEN excluded.status ELSE messages.status END,
		created_at = CASE WHEN excluded.synced = 1 THEN excluded.created_at ELSE messages.created_at END,
		synced = MAX(messages.synced, excluded.synced),
		queued_at = CASE WHEN excluded.synced = 1 THEN NULL ELSE messages.queued_at END,
		retry_count = CASE WHEN excluded.synced = 1 THEN 0 ELSE messages.retry_count END,
		last_retry_at = CASE WHEN excluded.synced = 1 THEN NULL ELSE messages.last_retry_at END`

// UpsertMessage inserts or updates a message keyed by its final ID. A provisional
// row carrying the same local ID is renamed onto the final ID, or dropped when the
// final row already exists, so a message never appears twice.
func (db *DB) UpsertMessage(m *Message) error {
	return db.withTx(func(tx *sqlx.Tx) error {
		return upsertMessage(tx, m)
	})
}

// UpsertMessages applies UpsertMessage to a batch inside one transaction.
func (db *DB) UpsertMessages(msgs []Message) error {
	return db.withTx(func(tx *sqlx.Tx) error {
		for i := range msgs {
			if err := upsertMessage(tx, &msgs[i]); err != nil {
				return fmt.Errorf("upsert message %q: %w", msgs[i].ID, err)
			}
		}
		return nil
	})
}

func upsertMessage(tx sqlx.Execer, m *Message) error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if _, err := tx.Exec(`INSERT INTO chats (id, updated_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		m.ChatID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}

	if m.LocalID != "" && m.LocalID != m.ID {
		if _, err := tx.Exec(`
			DELETE FROM messages
			WHERE local_id = ? AND id != ? AND EXISTS (SELECT 1 FROM messages WHERE id = ?)`,
			m.LocalID, m.ID, m.ID); err != nil {
			return fmt.Errorf("drop provisional: %w", err)
		}
		if _, err := tx.Exec(`UPDATE messages SET id = ? WHERE local_id = ? AND id != ?`,
			m.ID, m.LocalID, m.ID); err != nil {
			return fmt.Errorf("reconcile provisional: %w", err)
		}
	}

	_, err := tx.Exec(upsertMessageSQL,
		m.ID, nullString(m.LocalID), m.ChatID, m.SenderID, m.Text, m.MediaURL, m.ReplyTo, m.Status,
		m.CreatedAt, m.Edited, nullInt(m.QueuedAt), m.RetryCount, nullInt(m.LastRetryAt), m.Synced)
	return err
}

// GetMessage returns a message by ID, or nil if it does not exist.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.Get(&m, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByLocalID returns the message created with the given local ID, whether
// or not it has been confirmed yet.
func (db *DB) GetMessageByLocalID(localID string) (*Message, error) {
	var m Message
	err := db.Get(&m, `SELECT `+messageColumns+` FROM messages WHERE local_id = ?`, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the newest limit messages of a chat in ascending creation
// order. A non-positive limit returns the whole chat.
func (db *DB) ListMessages(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	msgs := []Message{}
	err := db.Select(&msgs, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`, chatID, limit)
	return msgs, err
}

// UpdateMessageStatus moves a message to status if that is not a regression.
// It reports whether the stored status changed.
func (db *DB) UpdateMessageStatus(id string, status MessageStatus) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE id = ? AND status != ? AND `+statusRank("?")+` >= `+statusRank("status"),
		status, id, status, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
