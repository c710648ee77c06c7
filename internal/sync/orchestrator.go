package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/observability"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrAlreadySyncing is returned when a background run is already active.
var ErrAlreadySyncing = errors.New("background sync already running")

// CheckpointLastPreload stores the unix ms time of the last completed preload.
const CheckpointLastPreload = "last_preload_at"

// Sync triggers, used for metrics and span attributes.
const (
	TriggerPreload  = "preload"
	TriggerBackfill = "backfill"
	TriggerForce    = "force"
)

// Options tunes the orchestrator.
type Options struct {
	PreloadChats      int
	PreloadMessageCap int
	BackfillDelay     time.Duration
}

// DefaultOptions returns the standard preload and backfill settings.
func DefaultOptions() Options {
	return Options{
		PreloadChats:      20,
		PreloadMessageCap: 100,
		BackfillDelay:     2 * time.Second,
	}
}

// ChatResult is the outcome of syncing one chat.
type ChatResult struct {
	ChatID   string `json:"chat_id"`
	Messages int    `json:"messages"`
	Err      error  `json:"-"`
}

// Result collects per-chat outcomes of a preload.
type Result struct {
	Chats []ChatResult
}

// Synced counts successful chats.
func (r Result) Synced() int {
	n := 0
	for _, c := range r.Chats {
		if c.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts chats that ended in the failed state.
func (r Result) Failed() int {
	return len(r.Chats) - r.Synced()
}

// ChatEvent is the payload of the sync.chat_* events.
type ChatEvent struct {
	ChatID   string `json:"chat_id"`
	Messages int    `json:"messages,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BackfillEvent is the payload of sync.backfill_done.
type BackfillEvent struct {
	Synced  int  `json:"synced"`
	Failed  int  `json:"failed"`
	Stopped bool `json:"stopped"`
}

// Orchestrator drives history sync for one user.
type Orchestrator struct {
	db     *store.DB
	docs   remote.DocumentStore
	ingest *Ingestor
	bus    *bus.Bus
	userID string
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer

	syncing atomic.Bool
	group   singleflight.Group

	mu      gosync.Mutex
	stopCh  chan struct{}
	stopped bool
	runDone chan struct{}
}

// New creates an orchestrator for userID. Zero options fall back to defaults.
func New(db *store.DB, docs remote.DocumentStore, ingest *Ingestor, b *bus.Bus, userID string, opts Options, logger *zap.Logger) *Orchestrator {
	def := DefaultOptions()
	if opts.PreloadChats <= 0 {
		opts.PreloadChats = def.PreloadChats
	}
	if opts.PreloadMessageCap <= 0 {
		opts.PreloadMessageCap = def.PreloadMessageCap
	}
	if opts.BackfillDelay < 0 {
		opts.BackfillDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		db:     db,
		docs:   docs,
		ingest: ingest,
		bus:    b,
		userID: userID,
		opts:   opts,
		logger: logger,
		tracer: observability.Tracer("sync"),
	}
}

// PreloadRecentChats syncs the user's K most recently active chats, one after
// another. A failing chat is marked failed and the rest still run. The error
// is non-nil only when the chat list itself could not be fetched.
func (o *Orchestrator) PreloadRecentChats(ctx context.Context, userID string) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "sync.preload", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	q := chatsOf(userID)
	q.OrderBy = []remote.Order{{Field: wire.FieldLastActivityAt, Desc: true}}
	q.Limit = o.opts.PreloadChats
	docs, err := o.docs.Query(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat list query failed")
		return Result{}, fmt.Errorf("query recent chats: %w", err)
	}

	var res Result
	for _, d := range docs {
		if err := o.cacheChat(d); err != nil {
			o.logger.Error("failed to cache chat", zap.String("chat_id", d.ID), zap.Error(err))
		}
	}
	for _, d := range docs {
		res.Chats = append(res.Chats, o.syncChat(ctx, d.ID, TriggerPreload))
	}

	if err := o.db.SetCheckpoint(CheckpointLastPreload, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		o.logger.Warn("failed to store preload checkpoint", zap.Error(err))
	}
	o.emit(bus.SyncPreloadDone, BackfillEvent{Synced: res.Synced(), Failed: res.Failed()})
	o.logger.Info("preload complete",
		zap.Int("chats", len(res.Chats)),
		zap.Int("synced", res.Synced()),
		zap.Int("failed", res.Failed()))
	return res, nil
}

// RefreshChatList caches every chat the user belongs to. Chats not seen before
// start out pending. It returns how many were new.
func (o *Orchestrator) RefreshChatList(ctx context.Context) (int, error) {
	docs, err := o.docs.Query(ctx, chatsOf(o.userID))
	if err != nil {
		return 0, fmt.Errorf("query chats: %w", err)
	}
	added := 0
	for _, d := range docs {
		existing, err := o.db.GetChat(d.ID)
		if err != nil {
			return added, fmt.Errorf("get chat: %w", err)
		}
		if err := o.cacheChat(d); err != nil {
			return added, err
		}
		if existing == nil {
			added++
		}
	}
	return added, nil
}

// StartBackgroundSync runs the backfill on its own goroutine.
func (o *Orchestrator) StartBackgroundSync(ctx context.Context) error {
	stop, err := o.beginRun()
	if err != nil {
		return err
	}
	go func() {
		defer o.endRun()
		o.run(ctx, stop)
	}()
	return nil
}

// RunBackgroundSync runs the backfill on the calling goroutine. Pending and
// failed chats are synced strictly one at a time with BackfillDelay between
// them.
func (o *Orchestrator) RunBackgroundSync(ctx context.Context) error {
	stop, err := o.beginRun()
	if err != nil {
		return err
	}
	defer o.endRun()
	o.run(ctx, stop)
	return nil
}

// StopBackgroundSync asks the active run to finish. A chat already in progress
// completes; the next one is not started.
func (o *Orchestrator) StopBackgroundSync() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopCh != nil && !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
}

// Wait blocks until the active background run, if any, has returned.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.runDone
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Syncing reports whether a background run is active.
func (o *Orchestrator) Syncing() bool {
	return o.syncing.Load()
}

// ForceSyncChat syncs one chat right away, outside the backfill order.
// Concurrent calls for the same chat share a single sync.
func (o *Orchestrator) ForceSyncChat(ctx context.Context, chatID string) (ChatResult, error) {
	v, err, _ := o.group.Do(chatID, func() (any, error) {
		r := o.syncChat(ctx, chatID, TriggerForce)
		return r, r.Err
	})
	return v.(ChatResult), err
}

func (o *Orchestrator) beginRun() (chan struct{}, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		return nil, ErrAlreadySyncing
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopCh = make(chan struct{})
	o.stopped = false
	o.runDone = make(chan struct{})
	return o.stopCh, nil
}

func (o *Orchestrator) endRun() {
	o.mu.Lock()
	close(o.runDone)
	o.mu.Unlock()
	o.syncing.Store(false)
}

func (o *Orchestrator) run(ctx context.Context, stop <-chan struct{}) {
	if _, err := o.RefreshChatList(ctx); err != nil {
		o.logger.Warn("chat list refresh failed, using cached list", zap.Error(err))
	}
	chats, err := o.db.ListChatsBySyncStatus(store.SyncPending, store.SyncFailed)
	if err != nil {
		o.logger.Error("failed to list chats for backfill", zap.Error(err))
		return
	}

	var ev BackfillEvent
	for i, c := range chats {
		if i > 0 && !o.pause(ctx, stop) {
			ev.Stopped = true
			break
		}
		select {
		case <-stop:
			ev.Stopped = true
		default:
		}
		if ev.Stopped || ctx.Err() != nil {
			ev.Stopped = true
			break
		}
		if r := o.syncChat(ctx, c.ID, TriggerBackfill); r.Err != nil {
			ev.Failed++
		} else {
			ev.Synced++
		}
	}

	o.emit(bus.SyncBackfillDone, ev)
	o.logger.Info("background sync finished",
		zap.Int("synced", ev.Synced),
		zap.Int("failed", ev.Failed),
		zap.Bool("stopped", ev.Stopped))
}

// pause waits BackfillDelay. It returns false if the run was stopped meanwhile.
func (o *Orchestrator) pause(ctx context.Context, stop <-chan struct{}) bool {
	t := time.NewTimer(o.opts.BackfillDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) syncChat(ctx context.Context, chatID, trigger string) ChatResult {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "sync.chat", trace.WithAttributes(
		attribute.String("chat_id", chatID),
		attribute.String("trigger", trigger)))
	defer span.End()

	res := ChatResult{ChatID: chatID}
	if err := o.db.MarkChatSyncStatus(chatID, store.SyncSyncing, nil); err != nil {
		res.Err = fmt.Errorf("mark syncing: %w", err)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "mark syncing")
		return res
	}
	o.emit(bus.SyncChatStarted, ChatEvent{ChatID: chatID})

	n, err := o.fetchHistory(ctx, chatID)
	res.Messages = n
	observability.ObserveChatSync(trigger, err == nil, time.Since(start))
	if err != nil {
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		if merr := o.db.MarkChatSyncFailed(chatID, err.Error()); merr != nil {
			o.logger.Error("failed to mark chat failed", zap.String("chat_id", chatID), zap.Error(merr))
		}
		o.emit(bus.SyncChatFailed, ChatEvent{ChatID: chatID, Error: err.Error()})
		o.logger.Warn("chat sync failed", zap.String("chat_id", chatID), zap.String("trigger", trigger), zap.Error(err))
		return res
	}

	if err := o.db.MarkChatSyncCompleted(chatID, n); err != nil {
		res.Err = fmt.Errorf("mark synced: %w", err)
		return res
	}
	span.SetAttributes(attribute.Int("messages", n))
	o.emit(bus.SyncChatSynced, ChatEvent{ChatID: chatID, Messages: n})
	o.logger.Debug("chat synced", zap.String("chat_id", chatID), zap.String("trigger", trigger), zap.Int("messages", n))
	return res
}

// fetchHistory pulls the newest PreloadMessageCap messages of a chat and
// advances its cursor to the newest one.
func (o *Orchestrator) fetchHistory(ctx context.Context, chatID string) (int, error) {
	docs, err := o.docs.Query(ctx, remote.Query{
		Collection: wire.MessagesCollection(chatID),
		OrderBy:    []remote.Order{{Field: wire.FieldCreatedAt, Desc: true}},
		Limit:      o.opts.PreloadMessageCap,
	})
	if err != nil {
		return 0, fmt.Errorf("query messages: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	msgs := make([]store.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, wire.MessageFromDoc(chatID, d))
	}
	slices.Reverse(msgs)
	if err := o.ingest.IngestBatch(chatID, msgs); err != nil {
		return 0, err
	}
	observability.AddIngested("history", len(msgs))

	if err := o.db.SetLastSyncedTimestamp(chatID, msgs[len(msgs)-1].CreatedAt); err != nil {
		return len(msgs), fmt.Errorf("advance cursor: %w", err)
	}
	return len(msgs), nil
}

func (o *Orchestrator) cacheChat(d remote.Document) error {
	chat := wire.ChatFromDoc(d)
	if err := o.db.UpsertChat(&chat); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	for _, uid := range wire.Participants(d) {
		if err := o.db.UpsertParticipant(&store.Participant{ChatID: d.ID, UserID: uid}); err != nil {
			return fmt.Errorf("upsert participant: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) emit(kind string, payload any) {
	if o.bus != nil {
		o.bus.Emit(kind, payload)
	}
}

// chatsOf selects the chats userID participates in.
func chatsOf(userID string) remote.Query {
	return remote.Query{Collection: wire.ChatsCollection}.Where(wire.FieldParticipants, remote.OpArrayContains, userID)
}
