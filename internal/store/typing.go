package store

// SetTypingState caches another user's typing record. Out-of-order updates
// older than the stored one are ignored.
func (db *DB) SetTypingState(s *TypingState) error {
	_, err := db.Exec(`
		INSERT INTO typing_states (chat_id, user_id, is_typing, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
			is_typing = excluded.is_typing,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= typing_states.updated_at`,
		s.ChatID, s.UserID, s.IsTyping, s.UpdatedAt)
	return err
}

// ListTyping returns the users currently marked as typing in a chat.
func (db *DB) ListTyping(chatID string) ([]TypingState, error) {
	ts := []TypingState{}
	err := db.Select(&ts, `
		SELECT chat_id, user_id, is_typing, updated_at
		FROM typing_states WHERE chat_id = ? AND is_typing = 1
		ORDER BY updated_at`, chatID)
	return ts, err
}
