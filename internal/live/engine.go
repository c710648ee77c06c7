// Package live keeps open cached chats current. One membership subscription
// attaches and detaches a listener pair per chat; each pair follows new
// messages past the chat's cursor and status changes of existing ones.
package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/observability"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// ErrAlreadyStarted is returned by Start on a running engine.
var ErrAlreadyStarted = errors.New("live engine already started")

// Options tunes the engine.
type Options struct {
	// RecentBuffer bounds the per-chat buffer of remote messages kept for MergedMessages.
	RecentBuffer int
	// ResubscribeInitial and ResubscribeMax bound the reconnect backoff.
	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
}

// DefaultOptions returns the standard engine settings.
func DefaultOptions() Options {
	return Options{
		RecentBuffer:       50,
		ResubscribeInitial: 500 * time.Millisecond,
		ResubscribeMax:     30 * time.Second,
	}
}

// ListenerEvent is the payload of live.listener_attached, live.listener_detached
// and live.members_changed.
type ListenerEvent struct {
	ChatID string `json:"chat_id"`
}

// Engine runs the membership subscription and the per-chat listener pairs.
type Engine struct {
	db       *store.DB
	docs     remote.DocumentStore
	ingest   *chatsync.Ingestor
	bus      *bus.Bus
	opts     Options
	logger   *zap.Logger
	registry *Registry

	mu     sync.Mutex
	userID string
	cancel context.CancelFunc
	done   chan struct{}
	recent map[string][]store.Message
}

// NewEngine creates a stopped engine.
func NewEngine(db *store.DB, docs remote.DocumentStore, ingest *chatsync.Ingestor, b *bus.Bus, opts Options, logger *zap.Logger) *Engine {
	def := DefaultOptions()
	if opts.RecentBuffer <= 0 {
		opts.RecentBuffer = def.RecentBuffer
	}
	if opts.ResubscribeInitial <= 0 {
		opts.ResubscribeInitial = def.ResubscribeInitial
	}
	if opts.ResubscribeMax <= 0 {
		opts.ResubscribeMax = def.ResubscribeMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       db,
		docs:     docs,
		ingest:   ingest,
		bus:      b,
		opts:     opts,
		logger:   logger,
		registry: NewRegistry(),
		recent:   make(map[string][]store.Message),
	}
}

// Registry exposes the listener registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Start follows userID's chat membership until Stop or ctx ends.
func (e *Engine) Start(ctx context.Context, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyStarted
	}
	e.userID = userID
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		query := func() (remote.Query, error) {
			return remote.Query{Collection: wire.ChatsCollection}.
				Where(wire.FieldParticipants, remote.OpArrayContains, userID), nil
		}
		e.follow(ctx, "membership", "", query, e.onMembership)
	}()
	e.logger.Info("live engine started", zap.String("user_id", userID))
	return nil
}

// Stop ends the membership subscription and tears down every pair. It is
// safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.registry.CloseAll()
	observability.SetListenersActive(0)
	e.logger.Info("live engine stopped")
}

// Attach starts the listener pair of a chat if it has none.
func (e *Engine) Attach(ctx context.Context, chatID string) bool {
	added := e.registry.Add(ctx, chatID, func(ctx context.Context) { e.runPair(ctx, chatID) })
	if added {
		observability.SetListenersActive(e.registry.Len())
		e.emit(bus.ListenerAttached, ListenerEvent{ChatID: chatID})
		e.logger.Debug("listener attached", zap.String("chat_id", chatID))
	}
	return added
}

// Detach stops a chat's listener pair and waits for it to exit.
func (e *Engine) Detach(chatID string) bool {
	removed := e.registry.Remove(chatID)
	if removed {
		e.mu.Lock()
		delete(e.recent, chatID)
		e.mu.Unlock()
		observability.SetListenersActive(e.registry.Len())
		e.emit(bus.ListenerDetached, ListenerEvent{ChatID: chatID})
		e.logger.Debug("listener detached", zap.String("chat_id", chatID))
	}
	return removed
}

// MergedMessages returns the newest limit messages of a chat, combining the
// cache with messages received since the listener attached.
func (e *Engine) MergedMessages(chatID string, limit int) ([]store.Message, error) {
	local, err := e.db.ListMessages(chatID, limit)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	fresh := append([]store.Message(nil), e.recent[chatID]...)
	e.mu.Unlock()

	merged := Merge(local, fresh)
	if limit > 0 && len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged, nil
}

func (e *Engine) onMembership(ctx context.Context, c remote.Change) {
	chatID := c.Doc.ID
	e.mu.Lock()
	userID := e.userID
	e.mu.Unlock()

	if c.Kind == remote.Removed || !wire.HasParticipant(c.Doc, userID) {
		if e.Detach(chatID) {
			if err := e.db.MarkParticipantLeft(chatID, userID, time.Now().UnixMilli()); err != nil {
				e.logger.Warn("failed to record chat leave", zap.String("chat_id", chatID), zap.Error(err))
			}
		}
		return
	}

	chat := wire.ChatFromDoc(c.Doc)
	if err := e.db.UpsertChat(&chat); err != nil {
		e.logger.Error("failed to cache chat", zap.String("chat_id", chatID), zap.Error(err))
	}
	changed := e.syncMembers(chatID, wire.Participants(c.Doc))
	// The pair outlives this change, so it hangs off the engine's context.
	if !e.Attach(ctx, chatID) && changed {
		e.emit(bus.MembersChanged, ListenerEvent{ChatID: chatID})
	}
}

// syncMembers caches the chat's current participants and stamps the ones no
// longer listed as left. It reports whether the active set changed.
func (e *Engine) syncMembers(chatID string, members []string) bool {
	before, err := e.db.ListParticipants(chatID)
	if err != nil {
		e.logger.Error("failed to read participants", zap.String("chat_id", chatID), zap.Error(err))
		return false
	}
	active := make(map[string]bool, len(before))
	for _, p := range before {
		if p.LeftAt == 0 {
			active[p.UserID] = true
		}
	}

	changed := false
	listed := make(map[string]bool, len(members))
	for _, uid := range members {
		listed[uid] = true
		if !active[uid] {
			changed = true
		}
		if err := e.db.UpsertParticipant(&store.Participant{ChatID: chatID, UserID: uid}); err != nil {
			e.logger.Error("failed to cache participant", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	now := time.Now().UnixMilli()
	for uid := range active {
		if listed[uid] {
			continue
		}
		changed = true
		if err := e.db.MarkParticipantLeft(chatID, uid, now); err != nil {
			e.logger.Warn("failed to record member leave", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	return changed
}

func (e *Engine) runPair(ctx context.Context, chatID string) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.follow(ctx, "messages", chatID, func() (remote.Query, error) {
			cursor, err := e.db.GetLastSyncedTimestamp(chatID)
			if err != nil {
				return remote.Query{}, err
			}
			return remote.Query{
				Collection: wire.MessagesCollection(chatID),
				Filters:    []remote.Filter{{Field: wire.FieldCreatedAt, Op: remote.OpGt, Value: cursor}},
				OrderBy:    []remote.Order{{Field: wire.FieldCreatedAt}},
			}, nil
		}, func(ctx context.Context, c remote.Change) { e.onNewMessage(ctx, chatID, c) })
	}()
	go func() {
		defer wg.Done()
		e.follow(ctx, "status", chatID, func() (remote.Query, error) {
			return remote.Query{Collection: wire.MessagesCollection(chatID), ChangesOnly: true}, nil
		}, func(ctx context.Context, c remote.Change) { e.onStatusChange(chatID, c) })
	}()
	wg.Wait()
}

// follow keeps one subscription alive until ctx ends. Each open is built from
// query, so a reconnect resumes from the current cursor.
func (e *Engine) follow(ctx context.Context, name, chatID string, query func() (remote.Query, error), handle func(context.Context, remote.Change)) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.ResubscribeInitial
	bo.MaxInterval = e.opts.ResubscribeMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	log := e.logger.With(zap.String("subscription", name), zap.String("chat_id", chatID))
	for {
		q, err := query()
		if err == nil {
			var sub remote.Subscription
			sub, err = e.docs.Subscribe(ctx, q)
			if err == nil {
				if e.drain(ctx, sub, handle) {
					bo.Reset()
				}
				sub.Close()
				err = sub.Err()
			}
		}
		if ctx.Err() != nil {
			return
		}

		observability.IncListenerError()
		wait := bo.NextBackOff()
		log.Warn("subscription ended, resubscribing", zap.Error(err), zap.Duration("backoff", wait))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// drain handles changes until the subscription ends. It reports whether
// anything was received.
func (e *Engine) drain(ctx context.Context, sub remote.Subscription, handle func(context.Context, remote.Change)) bool {
	received := false
	for {
		select {
		case c, ok := <-sub.Changes():
			if !ok {
				return received
			}
			received = true
			handle(ctx, c)
		case <-ctx.Done():
			return received
		}
	}
}

func (e *Engine) onNewMessage(ctx context.Context, chatID string, c remote.Change) {
	if c.Kind != remote.Added {
		return
	}
	m := wire.MessageFromDoc(chatID, c.Doc)
	if err := e.ingest.IngestMessage(&m); err != nil {
		e.logger.Error("failed to ingest live message", zap.String("chat_id", chatID), zap.String("msg_id", m.ID), zap.Error(err))
		return
	}
	observability.AddIngested("live", 1)
	e.remember(m)
	if err := e.db.SetLastSyncedTimestamp(chatID, m.CreatedAt); err != nil {
		e.logger.Error("failed to advance cursor", zap.String("chat_id", chatID), zap.Error(err))
	}

	e.mu.Lock()
	userID := e.userID
	e.mu.Unlock()
	if m.SenderID == userID || m.Status.Rank() >= store.StatusDelivered.Rank() {
		return
	}
	err := e.docs.Update(ctx, wire.MessagePath(chatID, m.ID), map[string]any{wire.FieldStatus: string(store.StatusDelivered)})
	if err != nil {
		e.logger.Debug("mark delivered failed", zap.String("msg_id", m.ID), zap.Error(err))
	}
}

func (e *Engine) onStatusChange(chatID string, c remote.Change) {
	if c.Kind != remote.Modified {
		return
	}
	m := wire.MessageFromDoc(chatID, c.Doc)
	prev, err := e.db.GetMessage(m.ID)
	if err != nil {
		e.logger.Error("failed to read cached message", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}
	if prev == nil {
		return
	}
	if err := e.ingest.IngestMessage(&m); err != nil {
		e.logger.Error("failed to apply status change", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}
	e.remember(m)
	if m.Status.Rank() > prev.Status.Rank() {
		e.emit(bus.MessageStatusChanged, outbox.StatusChange{
			ChatID:  chatID,
			ID:      m.ID,
			LocalID: m.LocalID,
			From:    prev.Status,
			To:      m.Status,
		})
	}
}

func (e *Engine) remember(m store.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.recent[m.ChatID]
	for i := range buf {
		if buf[i].ID == m.ID {
			if m.Status.Rank() < buf[i].Status.Rank() {
				m.Status = buf[i].Status
			}
			buf[i] = m
			return
		}
	}
	buf = append(buf, m)
	if len(buf) > e.opts.RecentBuffer {
		buf = buf[len(buf)-e.opts.RecentBuffer:]
	}
	e.recent[m.ChatID] = buf
}

func (e *Engine) emit(kind string, payload any) {
	if e.bus != nil {
		e.bus.Emit(kind, payload)
	}
}
