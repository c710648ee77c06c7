package store

import (
	"database/sql"
	"errors"
	"time"
)

// GetLastSyncedTimestamp returns the chat's cursor, or 0 when nothing was synced yet.
func (db *DB) GetLastSyncedTimestamp(chatID string) (int64, error) {
	var ts int64
	err := db.Get(&ts, `SELECT last_synced_at FROM chats WHERE id = ?`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return ts, err
}

// SetLastSyncedTimestamp advances the chat's cursor. An older timestamp is ignored.
func (db *DB) SetLastSyncedTimestamp(chatID string, ts int64) error {
	_, err := db.Exec(`
		INSERT INTO chats (id, last_synced_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_synced_at = MAX(chats.last_synced_at, excluded.last_synced_at)`,
		chatID, ts, time.Now().UnixMilli())
	return err
}

// SetCheckpoint stores an arbitrary sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetCheckpoint returns a stored checkpoint value, or "" if not set.
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.Get(&value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
