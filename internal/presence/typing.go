package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/observability"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// TypingOptions tunes typing indicators.
type TypingOptions struct {
	Timeout  time.Duration
	Debounce time.Duration
}

// DefaultTypingOptions returns the standard typing settings.
func DefaultTypingOptions() TypingOptions {
	return TypingOptions{Timeout: time.Second, Debounce: time.Second}
}

// Typing is the user's typing indicator in one chat.
type Typing struct {
	store  remote.EphemeralStore
	clock  clockwork.Clock
	chatID string
	userID string
	opts   TypingOptions
	logger *zap.Logger

	mu        sync.Mutex
	active    bool
	lastWrite time.Time
	timer     clockwork.Timer
	gen       int
}

// NewTyping creates an inactive indicator.
func NewTyping(store remote.EphemeralStore, clk clockwork.Clock, chatID, userID string, opts TypingOptions, logger *zap.Logger) *Typing {
	def := DefaultTypingOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Typing{store: store, clock: clk, chatID: chatID, userID: userID, opts: opts, logger: logger}
}

// OnTypingStart marks the user as typing. The record is written when the
// indicator was inactive or the debounce has passed; the auto-clear timer is
// re-armed on every call.
func (t *Typing) OnTypingStart(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if !t.active || now.Sub(t.lastWrite) >= t.opts.Debounce {
		path := wire.TypingPath(t.chatID, t.userID)
		if err := t.store.OnDisconnectRemove(ctx, path); err != nil {
			t.logger.Debug("typing disconnect hook failed", zap.Error(err))
		}
		err := t.store.Set(ctx, path, map[string]any{
			wire.FieldIsTyping: true,
			wire.FieldAt:       now.UnixMilli(),
		})
		observability.IncPresenceWrite("typing", err)
		if err != nil {
			t.logger.Debug("typing write failed", zap.String("chat_id", t.chatID), zap.Error(err))
		}
		t.active = true
		t.lastWrite = now
	}

	t.stopLocked()
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.opts.Timeout, func() { t.expire(gen) })
}

// ClearTyping removes the record now.
func (t *Typing) ClearTyping(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked(ctx)
}

// Active reports whether the indicator is currently shown.
func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Typing) expire(gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	t.clearLocked(ctx)
}

func (t *Typing) clearLocked(ctx context.Context) {
	t.stopLocked()
	if !t.active {
		return
	}
	t.active = false
	err := t.store.Remove(ctx, wire.TypingPath(t.chatID, t.userID))
	observability.IncPresenceWrite("typing", err)
	if err != nil {
		t.logger.Debug("typing clear failed", zap.String("chat_id", t.chatID), zap.Error(err))
	}
}

func (t *Typing) stopLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// TypingSet keeps one indicator per chat.
type TypingSet struct {
	store  remote.EphemeralStore
	clock  clockwork.Clock
	userID string
	opts   TypingOptions
	logger *zap.Logger

	mu    sync.Mutex
	chats map[string]*Typing
}

// NewTypingSet creates an empty set.
func NewTypingSet(store remote.EphemeralStore, clk clockwork.Clock, userID string, opts TypingOptions, logger *zap.Logger) *TypingSet {
	return &TypingSet{store: store, clock: clk, userID: userID, opts: opts, logger: logger, chats: make(map[string]*Typing)}
}

// For returns the indicator of chatID, creating it on first use.
func (s *TypingSet) For(chatID string) *Typing {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.chats[chatID]
	if !ok {
		t = NewTyping(s.store, s.clock, chatID, s.userID, s.opts, s.logger)
		s.chats[chatID] = t
	}
	return t
}

// ClearAll clears every active indicator.
func (s *TypingSet) ClearAll(ctx context.Context) {
	s.mu.Lock()
	all := make([]*Typing, 0, len(s.chats))
	for _, t := range s.chats {
		all = append(all, t)
	}
	s.mu.Unlock()
	for _, t := range all {
		t.ClearTyping(ctx)
	}
}
