// Package wire maps remote documents to cache rows and back, and owns the
// remote path layout.
package wire

// ChatsCollection holds one document per chat.
const ChatsCollection = "chats"

// Document field names.
const (
	FieldType           = "type"
	FieldName           = "name"
	FieldParticipants   = "participants"
	FieldLastActivityAt = "lastActivityAt"

	FieldChatID    = "chatId"
	FieldSenderID  = "senderId"
	FieldText      = "text"
	FieldMediaURL  = "mediaUrl"
	FieldReplyTo   = "replyTo"
	FieldStatus    = "status"
	FieldCreatedAt = "createdAt"
	FieldEdited    = "edited"
	FieldLocalID   = "localId"

	FieldLastActive = "lastActive"
	FieldIsTyping   = "isTyping"
	FieldAt         = "at"
)

// ChatPath is the document path of a chat.
func ChatPath(chatID string) string {
	return ChatsCollection + "/" + chatID
}

// MessagesCollection is the collection holding a chat's messages.
func MessagesCollection(chatID string) string {
	return ChatsCollection + "/" + chatID + "/messages"
}

// MessagePath is the document path of a single message.
func MessagePath(chatID, messageID string) string {
	return MessagesCollection(chatID) + "/" + messageID
}

// PresencePath is the ephemeral path of a user's presence record.
func PresencePath(userID string) string {
	return "status/" + userID
}

// TypingPath is the ephemeral path of a user's typing record in a chat.
func TypingPath(chatID, userID string) string {
	return "typing/" + chatID + "/" + userID
}
