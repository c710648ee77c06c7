package wire

import (
	"strings"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// MessageFromDoc converts a remote message document into a confirmed cache row.
func MessageFromDoc(chatID string, d remote.Document) store.Message {
	if c := str(d.Data, FieldChatID); c != "" {
		chatID = c
	}
	status := store.MessageStatus(str(d.Data, FieldStatus))
	if status.Rank() < store.StatusSent.Rank() {
		// A document that exists remotely has at least been sent.
		status = store.StatusSent
	}
	return store.Message{
		ID:        d.ID,
		LocalID:   str(d.Data, FieldLocalID),
		ChatID:    chatID,
		SenderID:  str(d.Data, FieldSenderID),
		Text:      str(d.Data, FieldText),
		MediaURL:  str(d.Data, FieldMediaURL),
		ReplyTo:   str(d.Data, FieldReplyTo),
		Status:    status,
		CreatedAt: Int64(d.Data[FieldCreatedAt]),
		Edited:    boolean(d.Data, FieldEdited),
		Synced:    true,
	}
}

// MessageDoc renders a message as the document written on first send.
func MessageDoc(m store.Message) map[string]any {
	doc := MessageContent(m)
	doc[FieldStatus] = string(store.StatusSent)
	return doc
}

// MessageContent is MessageDoc without the status field. Writes merge into an
// existing document, so resending content never moves a status that recipients
// already advanced. A document created without a status reads back as sent.
func MessageContent(m store.Message) map[string]any {
	doc := map[string]any{
		FieldChatID:    m.ChatID,
		FieldSenderID:  m.SenderID,
		FieldText:      m.Text,
		FieldCreatedAt: m.CreatedAt,
		FieldEdited:    m.Edited,
	}
	if m.LocalID != "" {
		doc[FieldLocalID] = m.LocalID
	}
	if m.MediaURL != "" {
		doc[FieldMediaURL] = m.MediaURL
	}
	if m.ReplyTo != "" {
		doc[FieldReplyTo] = m.ReplyTo
	}
	return doc
}

// ChatFromDoc converts a remote chat document into its cache identity row.
func ChatFromDoc(d remote.Document) store.Chat {
	typ := store.ChatType(str(d.Data, FieldType))
	if typ != store.ChatGroup {
		typ = store.ChatDM
	}
	return store.Chat{
		ID:   d.ID,
		Type: typ,
		Name: str(d.Data, FieldName),
	}
}

// Participants returns the member IDs listed on a chat document.
func Participants(d remote.Document) []string {
	switch v := d.Data[FieldParticipants].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// HasParticipant reports whether userID is listed on a chat document.
func HasParticipant(d remote.Document, userID string) bool {
	for _, p := range Participants(d) {
		if p == userID {
			return true
		}
	}
	return false
}

// ChatIDFromTypingPath extracts the chat and user from a typing path.
func ChatIDFromTypingPath(path string) (chatID, userID string, ok bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[0] != "typing" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Int64 reads a numeric document value.
func Int64(v any) int64 {
	f, ok := remote.Number(v)
	if !ok {
		return 0
	}
	return int64(f)
}

func str(data map[string]any, field string) string {
	s, _ := data[field].(string)
	return s
}

func boolean(data map[string]any, field string) bool {
	b, _ := data[field].(bool)
	return b
}
