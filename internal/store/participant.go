package store

import "time"

const participantColumns = `chat_id, user_id, display_name, avatar_url, role,
	last_read_message_id, last_read_at, joined_at, left_at`

// UpsertParticipant records a chat member. Rejoining clears the left timestamp.
func (db *DB) UpsertParticipant(p *Participant) error {
	if p.Role == "" {
		p.Role = "member"
	}
	if p.JoinedAt == 0 {
		p.JoinedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO chats (id, updated_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		p.ChatID, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO participants (chat_id, user_id, display_name, avatar_url, role, joined_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE participants.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE participants.avatar_url END,
			role = excluded.role,
			left_at = 0`,
		p.ChatID, p.UserID, p.DisplayName, p.AvatarURL, p.Role, p.JoinedAt)
	return err
}

// MarkParticipantLeft stamps the leave time. The row is kept.
func (db *DB) MarkParticipantLeft(chatID, userID string, at int64) error {
	_, err := db.Exec(`UPDATE participants SET left_at = ? WHERE chat_id = ? AND user_id = ? AND left_at = 0`,
		at, chatID, userID)
	return err
}

// SetReadCursor advances a member's read cursor. Older cursors are ignored.
func (db *DB) SetReadCursor(chatID, userID, messageID string, at int64) error {
	_, err := db.Exec(`
		UPDATE participants SET last_read_message_id = ?, last_read_at = ?
		WHERE chat_id = ? AND user_id = ? AND last_read_at <= ?`,
		messageID, at, chatID, userID, at)
	return err
}

// ListParticipants returns all members ever seen in a chat, including those who left.
func (db *DB) ListParticipants(chatID string) ([]Participant, error) {
	ps := []Participant{}
	err := db.Select(&ps, `SELECT `+participantColumns+` FROM participants WHERE chat_id = ? ORDER BY joined_at, user_id`, chatID)
	return ps, err
}
