package store

// UpsertReaction records a reaction. Re-applying the same reaction is a no-op.
func (db *DB) UpsertReaction(r *Reaction) error {
	_, err := db.Exec(`
		INSERT INTO reactions (message_id, chat_id, user_id, emoji, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, user_id, emoji) DO NOTHING`,
		r.MessageID, r.ChatID, r.UserID, r.Emoji, r.CreatedAt)
	return err
}

// RemoveReaction deletes a reaction if present.
func (db *DB) RemoveReaction(messageID, userID, emoji string) error {
	_, err := db.Exec(`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji)
	return err
}

// ListReactions returns the reactions on a message in the order they were made.
func (db *DB) ListReactions(messageID string) ([]Reaction, error) {
	rs := []Reaction{}
	err := db.Select(&rs, `
		SELECT message_id, chat_id, user_id, emoji, created_at
		FROM reactions WHERE message_id = ?
		ORDER BY created_at, user_id`, messageID)
	return rs, err
}
