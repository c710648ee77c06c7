package store

// MessageStatus is the delivery lifecycle of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders statuses for forward-only updates. Sending and failed share a
// rank so a failed message can go back to sending on retry.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending, StatusFailed:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// SyncStatus is the per-chat history sync state.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// ChatType distinguishes direct conversations from groups.
type ChatType string

const (
	ChatDM    ChatType = "dm"
	ChatGroup ChatType = "group"
)

// Chat is a cached conversation with its list preview and sync bookkeeping.
type Chat struct {
	ID                string     `db:"id"`
	Type              ChatType   `db:"type"`
	Name              string     `db:"name"`
	LastMessageID     string     `db:"last_message_id"`
	LastMessageText   string     `db:"last_message_text"`
	LastMessageSender string     `db:"last_message_sender"`
	LastMessageAt     int64      `db:"last_message_at"`
	SyncStatus        SyncStatus `db:"sync_status"`
	SyncError         string     `db:"sync_error"`
	MessageCount      int        `db:"message_count"`
	LastSyncedAt      int64      `db:"last_synced_at"`
}

// Message is a cached message. While a message is provisional its ID equals
// its LocalID; once the remote confirms it, ID holds the final identifier.
type Message struct {
	ID          string        `db:"id"`
	LocalID     string        `db:"local_id"`
	ChatID      string        `db:"chat_id"`
	SenderID    string        `db:"sender_id"`
	Text        string        `db:"text"`
	MediaURL    string        `db:"media_url"`
	ReplyTo     string        `db:"reply_to"`
	Status      MessageStatus `db:"status"`
	CreatedAt   int64         `db:"created_at"`
	Edited      bool          `db:"edited"`
	QueuedAt    int64         `db:"queued_at"`
	RetryCount  int           `db:"retry_count"`
	LastRetryAt int64         `db:"last_retry_at"`
	Synced      bool          `db:"synced"`
}

// Provisional reports whether the message is still waiting for remote confirmation.
func (m Message) Provisional() bool {
	return !m.Synced && m.LocalID != "" && m.ID == m.LocalID
}

// Participant is a cached chat member with its read cursor.
type Participant struct {
	ChatID            string `db:"chat_id"`
	UserID            string `db:"user_id"`
	DisplayName       string `db:"display_name"`
	AvatarURL         string `db:"avatar_url"`
	Role              string `db:"role"`
	LastReadMessageID string `db:"last_read_message_id"`
	LastReadAt        int64  `db:"last_read_at"`
	JoinedAt          int64  `db:"joined_at"`
	LeftAt            int64  `db:"left_at"`
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	MessageID string `db:"message_id"`
	ChatID    string `db:"chat_id"`
	UserID    string `db:"user_id"`
	Emoji     string `db:"emoji"`
	CreatedAt int64  `db:"created_at"`
}

// TypingState is the last observed typing record of another user.
type TypingState struct {
	ChatID    string `db:"chat_id"`
	UserID    string `db:"user_id"`
	IsTyping  bool   `db:"is_typing"`
	UpdatedAt int64  `db:"updated_at"`
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
