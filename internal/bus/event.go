package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Event kinds published by the engine.
const (
	MessageUpserted      = "message.upserted"
	MessageStatusChanged = "message.status_changed"

	SyncChatStarted  = "sync.chat_started"
	SyncChatSynced   = "sync.chat_synced"
	SyncChatFailed   = "sync.chat_failed"
	SyncPreloadDone  = "sync.preload_done"
	SyncBackfillDone = "sync.backfill_done"

	ListenerAttached = "live.listener_attached"
	ListenerDetached = "live.listener_detached"
	MembersChanged   = "live.members_changed"

	NetworkOnline  = "network.online"
	NetworkOffline = "network.offline"

	PresenceChanged = "presence.changed"
	TypingChanged   = "typing.changed"

	DaemonStatusChanged = "daemon.status_changed"
)
