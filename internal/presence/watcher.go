package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// TypingEvent is the payload of typing.changed.
type TypingEvent struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// Watcher follows the typing records of the other members of watched chats
// and mirrors them into the cache.
type Watcher struct {
	store  remote.EphemeralStore
	db     *store.DB
	bus    *bus.Bus
	userID string
	logger *zap.Logger

	mu      sync.Mutex
	watches map[string]*watch
	stop    context.CancelFunc
	done    chan struct{}
}

type watch struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	users  map[string]context.CancelFunc
}

// NewWatcher creates a watcher for userID's chats.
func NewWatcher(eph remote.EphemeralStore, db *store.DB, b *bus.Bus, userID string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{store: eph, db: db, bus: b, userID: userID, logger: logger, watches: make(map[string]*watch)}
}

// Watch subscribes to the typing record of every current member of chatID
// other than the user. Watching an already watched chat is a no-op.
func (w *Watcher) Watch(ctx context.Context, chatID string) error {
	members, err := w.db.ListParticipants(chatID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watches[chatID]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	wt := &watch{ctx: ctx, cancel: cancel, users: make(map[string]context.CancelFunc)}
	w.reconcile(chatID, wt, members)
	w.watches[chatID] = wt
	return nil
}

// Refresh re-reads the members of a watched chat, following members who
// joined and dropping the ones who left. Unwatched chats are ignored.
func (w *Watcher) Refresh(chatID string) error {
	if !w.Watching(chatID) {
		return nil
	}
	members, err := w.db.ListParticipants(chatID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if wt, ok := w.watches[chatID]; ok {
		w.reconcile(chatID, wt, members)
	}
	return nil
}

// reconcile makes wt follow exactly the active members other than the user.
// Callers hold w.mu.
func (w *Watcher) reconcile(chatID string, wt *watch, members []store.Participant) {
	want := make(map[string]bool, len(members))
	for _, p := range members {
		if p.UserID != w.userID && p.LeftAt == 0 {
			want[p.UserID] = true
		}
	}
	for userID, cancel := range wt.users {
		if !want[userID] {
			cancel()
			delete(wt.users, userID)
		}
	}
	for userID := range want {
		if _, ok := wt.users[userID]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(wt.ctx)
		stream, err := w.store.Subscribe(ctx, wire.TypingPath(chatID, userID))
		if err != nil {
			cancel()
			w.logger.Debug("typing subscribe failed", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
			continue
		}
		wt.users[userID] = cancel
		wt.wg.Add(1)
		go func(userID string) {
			defer wt.wg.Done()
			defer stream.Close()
			w.follow(ctx, chatID, userID, stream)
		}(userID)
	}
}

// following returns the members whose typing records chatID follows.
func (w *Watcher) following(chatID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	wt, ok := w.watches[chatID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(wt.users))
	for userID := range wt.users {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Unwatch stops following chatID and waits for its readers to exit.
func (w *Watcher) Unwatch(chatID string) {
	w.mu.Lock()
	wt, ok := w.watches[chatID]
	delete(w.watches, chatID)
	w.mu.Unlock()
	if !ok {
		return
	}
	wt.cancel()
	wt.wg.Wait()
}

// Watching reports whether chatID is watched.
func (w *Watcher) Watching(chatID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[chatID]
	return ok
}

// Start subscribes to listener and membership events before returning, then
// watches chats as their live listeners come and go until ctx ends or Stop.
func (w *Watcher) Start(ctx context.Context) {
	ch, unsub := w.bus.SubscribeMany(64, bus.ListenerAttached, bus.ListenerDetached, bus.MembersChanged)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.stop, w.done = cancel, done
	w.mu.Unlock()

	go func() {
		defer close(done)
		defer unsub()
		defer w.Close()
		for {
			select {
			case evt := <-ch:
				le, ok := evt.Payload.(live.ListenerEvent)
				if !ok {
					continue
				}
				var err error
				switch evt.Kind {
				case bus.ListenerDetached:
					w.Unwatch(le.ChatID)
				case bus.MembersChanged:
					err = w.Refresh(le.ChatID)
				default:
					err = w.Watch(ctx, le.ChatID)
				}
				if err != nil {
					w.logger.Warn("failed to watch typing", zap.String("chat_id", le.ChatID), zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the event loop and every watch. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops every watch.
func (w *Watcher) Close() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watches))
	for id := range w.watches {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	for _, id := range ids {
		w.Unwatch(id)
	}
}

func (w *Watcher) follow(ctx context.Context, chatID, userID string, stream remote.ValueStream) {
	var last int64
	for {
		select {
		case v, ok := <-stream.Values():
			if !ok {
				if err := stream.Err(); err != nil {
					w.logger.Debug("typing stream ended", zap.String("chat_id", chatID), zap.String("user_id", userID), zap.Error(err))
				}
				return
			}
			last = w.apply(chatID, userID, v, last)
		case <-ctx.Done():
			return
		}
	}
}

// apply caches one snapshot and returns its timestamp. A removed record has
// no timestamp of its own and reuses the last one seen.
func (w *Watcher) apply(chatID, userID string, v remote.Value, last int64) int64 {
	typing := false
	at := last
	if v.Exists {
		typing, _ = v.Data[wire.FieldIsTyping].(bool)
		if ts := wire.Int64(v.Data[wire.FieldAt]); ts > at {
			at = ts
		}
	}
	if err := w.db.SetTypingState(&store.TypingState{ChatID: chatID, UserID: userID, IsTyping: typing, UpdatedAt: at}); err != nil {
		w.logger.Warn("failed to cache typing state", zap.String("chat_id", chatID), zap.Error(err))
		return at
	}
	if w.bus != nil {
		w.bus.Emit(bus.TypingChanged, TypingEvent{ChatID: chatID, UserID: userID, IsTyping: typing})
	}
	return at
}
