package api

import "github.com/matheus3301/chatsync/internal/store"

// Message is the API view of a cached message.
type Message struct {
	ID          string `json:"id"`
	LocalID     string `json:"local_id,omitempty"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	Text        string `json:"text,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	Edited      bool   `json:"edited,omitempty"`
	Queued      bool   `json:"queued,omitempty"`
	RetryCount  int    `json:"retry_count,omitempty"`
	LastRetryAt int64  `json:"last_retry_at,omitempty"`
	Synced      bool   `json:"synced"`
}

// Chat is the API view of a cached chat.
type Chat struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	Name              string `json:"name,omitempty"`
	LastMessageID     string `json:"last_message_id,omitempty"`
	LastMessageText   string `json:"last_message_text,omitempty"`
	LastMessageSender string `json:"last_message_sender,omitempty"`
	LastMessageAt     int64  `json:"last_message_at,omitempty"`
	SyncStatus        string `json:"sync_status"`
	SyncError         string `json:"sync_error,omitempty"`
	MessageCount      int    `json:"message_count"`
	LastSyncedAt      int64  `json:"last_synced_at,omitempty"`
}

// Participant is the API view of a chat member.
type Participant struct {
	UserID            string `json:"user_id"`
	DisplayName       string `json:"display_name,omitempty"`
	Role              string `json:"role,omitempty"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
	LastReadAt        int64  `json:"last_read_at,omitempty"`
	LeftAt            int64  `json:"left_at,omitempty"`
}

// Typing is a mirrored typing indicator of another user.
type Typing struct {
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
	UpdatedAt int64  `json:"updated_at"`
}

func messageView(m store.Message) Message {
	return Message{
		ID:          m.ID,
		LocalID:     m.LocalID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		Text:        m.Text,
		MediaURL:    m.MediaURL,
		ReplyTo:     m.ReplyTo,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
		Edited:      m.Edited,
		Queued:      m.QueuedAt != 0,
		RetryCount:  m.RetryCount,
		LastRetryAt: m.LastRetryAt,
		Synced:      m.Synced,
	}
}

func messageViews(msgs []store.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView(m))
	}
	return out
}

func chatView(c store.Chat) Chat {
	return Chat{
		ID:                c.ID,
		Type:              string(c.Type),
		Name:              c.Name,
		LastMessageID:     c.LastMessageID,
		LastMessageText:   c.LastMessageText,
		LastMessageSender: c.LastMessageSender,
		LastMessageAt:     c.LastMessageAt,
		SyncStatus:        string(c.SyncStatus),
		SyncError:         c.SyncError,
		MessageCount:      c.MessageCount,
		LastSyncedAt:      c.LastSyncedAt,
	}
}

// MessageViews converts cache rows for other surfaces such as the HTTP API.
func MessageViews(msgs []store.Message) []Message { return messageViews(msgs) }

// ChatViews converts cached chats for other surfaces such as the HTTP API.
func ChatViews(chats []store.Chat) []Chat {
	out := make([]Chat, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatView(c))
	}
	return out
}
