package daemon

import (
	"time"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

// startTimeout bounds connecting to the remote backends at boot.
const startTimeout = 15 * time.Second

func syncOptions(cfg *config.Config) chatsync.Options {
	return chatsync.Options{
		PreloadChats:      cfg.Sync.PreloadChats,
		PreloadMessageCap: cfg.Sync.PreloadMessageCap,
		BackfillDelay:     cfg.Sync.BackfillDelay.Duration,
	}
}

func outboxOptions(cfg *config.Config) outbox.Options {
	return outbox.Options{
		RetryInterval: cfg.Outbox.RetryInterval.Duration,
		BackoffBase:   cfg.Outbox.BackoffBase.Duration,
		BackoffMax:    cfg.Outbox.BackoffMax.Duration,
		MaxRetries:    cfg.Outbox.MaxRetries,
	}
}

func presenceOptions(cfg *config.Config) presence.Options {
	return presence.Options{
		AwayTimeout:   cfg.Presence.AwayTimeout.Duration,
		WriteDebounce: cfg.Presence.WriteDebounce.Duration,
	}
}

func typingOptions(cfg *config.Config) presence.TypingOptions {
	return presence.TypingOptions{
		Timeout:  cfg.Presence.TypingTimeout.Duration,
		Debounce: cfg.Presence.TypingDebounce.Duration,
	}
}
