// Package outbox sends messages optimistically and retries failed deliveries
// with exponential backoff until the remote store confirms them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/observability"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// ErrEmptyDraft is returned when a draft has no chat or no content.
var ErrEmptyDraft = errors.New("draft needs a chat and text or media")

// Draft is an outgoing message as composed by the user.
type Draft struct {
	ChatID   string
	Text     string
	MediaURL string
	ReplyTo  string
}

// StatusChange is the payload of message.status_changed.
type StatusChange struct {
	ChatID  string              `json:"chat_id"`
	ID      string              `json:"id"`
	LocalID string              `json:"local_id,omitempty"`
	From    store.MessageStatus `json:"from,omitempty"`
	To      store.MessageStatus `json:"to"`
	Error   string              `json:"error,omitempty"`
}

// Options tunes retry behavior.
type Options struct {
	RetryInterval time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	MaxRetries    int
}

// DefaultOptions returns the standard retry settings.
func DefaultOptions() Options {
	return Options{
		RetryInterval: 5 * time.Second,
		BackoffBase:   time.Second,
		BackoffMax:    5 * time.Minute,
		MaxRetries:    10,
	}
}

// Queue owns outgoing messages from the optimistic insert until remote confirmation.
type Queue struct {
	db     *store.DB
	docs   remote.DocumentStore
	ingest *chatsync.Ingestor
	bus    *bus.Bus
	clock  clockwork.Clock
	userID string
	opts   Options
	logger *zap.Logger

	retrying atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a queue sending as userID. A nil clock uses real time.
func New(db *store.DB, docs remote.DocumentStore, ingest *chatsync.Ingestor, b *bus.Bus, clk clockwork.Clock, userID string, opts Options, logger *zap.Logger) *Queue {
	def := DefaultOptions()
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:     db,
		docs:   docs,
		ingest: ingest,
		bus:    b,
		clock:  clk,
		userID: userID,
		opts:   opts,
		logger: logger,
	}
}

// Send writes the message to the cache as sending and makes one delivery
// attempt. A transient failure leaves the message failed and queued, with a nil
// error. A permission failure leaves it failed, unqueued, and is returned.
func (q *Queue) Send(ctx context.Context, d Draft) (store.Message, error) {
	if d.ChatID == "" || (d.Text == "" && d.MediaURL == "") {
		return store.Message{}, ErrEmptyDraft
	}
	localID := uuid.NewString()
	m := store.Message{
		ID:        localID,
		LocalID:   localID,
		ChatID:    d.ChatID,
		SenderID:  q.userID,
		Text:      d.Text,
		MediaURL:  d.MediaURL,
		ReplyTo:   d.ReplyTo,
		Status:    store.StatusSending,
		CreatedAt: q.clock.Now().UnixMilli(),
	}
	if err := q.ingest.IngestMessage(&m); err != nil {
		return store.Message{}, fmt.Errorf("store draft: %w", err)
	}
	q.publish(m, "", store.StatusSending, nil)

	doc, err := q.docs.Write(ctx, wire.MessagePath(m.ChatID, m.LocalID), wire.MessageDoc(m))
	if err == nil {
		return q.confirm(m, doc, store.StatusSending)
	}
	return q.fail(m, store.StatusSending, err, !remote.IsPermission(err))
}

// GetQueuedMessages returns the messages waiting for delivery, oldest first.
func (q *Queue) GetQueuedMessages() ([]store.Message, error) {
	return q.db.GetQueuedMessages()
}

// QueueLength returns the number of messages waiting for delivery.
func (q *Queue) QueueLength() (int, error) {
	return q.db.QueueLength()
}

// RetryFailedMessage makes one more delivery attempt if the message's backoff
// has elapsed. It reports whether an attempt was made.
func (q *Queue) RetryFailedMessage(ctx context.Context, id string) (bool, error) {
	m, err := q.db.GetMessage(id)
	if err != nil {
		return false, fmt.Errorf("get message: %w", err)
	}
	if m == nil {
		return false, fmt.Errorf("%w: %s", store.ErrMessageNotFound, id)
	}
	if m.Synced || m.QueuedAt == 0 {
		return false, nil
	}
	if m.RetryCount >= q.opts.MaxRetries {
		q.giveUp(*m)
		return false, nil
	}

	since := m.LastRetryAt
	if since == 0 {
		since = m.QueuedAt
	}
	elapsed := time.Duration(q.clock.Now().UnixMilli()-since) * time.Millisecond
	if elapsed < q.Backoff(m.RetryCount) {
		return false, nil
	}
	_, err = q.attempt(ctx, *m)
	return true, err
}

// ManualRetry puts a failed message back in the queue with a fresh retry
// budget and attempts delivery right away.
func (q *Queue) ManualRetry(ctx context.Context, id string) (store.Message, error) {
	m, err := q.db.GetMessage(id)
	if err != nil {
		return store.Message{}, fmt.Errorf("get message: %w", err)
	}
	if m == nil {
		return store.Message{}, fmt.Errorf("%w: %s", store.ErrMessageNotFound, id)
	}
	if m.Synced {
		return *m, nil
	}
	if err := q.db.RequeueMessage(id, q.clock.Now().UnixMilli()); err != nil {
		return *m, fmt.Errorf("requeue: %w", err)
	}
	m.RetryCount = 0
	return q.attempt(ctx, *m)
}

// ProcessQueuedMessages retries every queued message whose backoff has
// elapsed. A call made while another is running returns immediately.
func (q *Queue) ProcessQueuedMessages(ctx context.Context) (int, error) {
	if !q.retrying.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.retrying.Store(false)
	defer q.updateGauge()

	queued, err := q.db.GetQueuedMessages()
	if err != nil {
		return 0, fmt.Errorf("read queue: %w", err)
	}
	attempted := 0
	for _, m := range queued {
		if ctx.Err() != nil {
			break
		}
		ok, err := q.RetryFailedMessage(ctx, m.ID)
		if ok {
			attempted++
		}
		if err != nil {
			q.logger.Warn("retry failed", zap.String("msg_id", m.ID), zap.Error(err))
		}
	}
	if attempted > 0 {
		q.logger.Info("processed send queue", zap.Int("queued", len(queued)), zap.Int("attempted", attempted))
	}
	return attempted, nil
}

// Start runs ProcessQueuedMessages every RetryInterval and whenever the
// network comes back.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	online, unsub := q.bus.Subscribe(bus.NetworkOnline, 4)

	go func() {
		defer close(q.done)
		defer unsub()
		ticker := q.clock.NewTicker(q.opts.RetryInterval)
		defer ticker.Stop()

		q.process(ctx)
		for {
			select {
			case <-ticker.Chan():
				q.process(ctx)
			case <-online:
				q.logger.Info("network back online, flushing send queue")
				q.process(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the retry loop and waits for it to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel = nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Backoff is the wait before retry number retryCount+1: BackoffBase doubled
// per previous retry, capped at BackoffMax.
func (q *Queue) Backoff(retryCount int) time.Duration {
	d := q.opts.BackoffBase
	for i := 0; i < retryCount; i++ {
		if d >= q.opts.BackoffMax/2 {
			return q.opts.BackoffMax
		}
		d *= 2
	}
	return min(d, q.opts.BackoffMax)
}

func (q *Queue) process(ctx context.Context) {
	if _, err := q.ProcessQueuedMessages(ctx); err != nil {
		q.logger.Error("send queue pass failed", zap.Error(err))
	}
}

func (q *Queue) attempt(ctx context.Context, m store.Message) (store.Message, error) {
	now := q.clock.Now().UnixMilli()
	if _, err := q.db.UpdateMessageStatus(m.ID, store.StatusSending); err != nil {
		return m, fmt.Errorf("mark sending: %w", err)
	}
	if err := q.db.RecordRetryAttempt(m.ID, now); err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			// Confirmed in the meantime by the live listener.
			return q.current(m)
		}
		return m, fmt.Errorf("record attempt: %w", err)
	}
	q.publish(m, m.Status, store.StatusSending, nil)
	m.Status = store.StatusSending
	m.RetryCount++

	// An earlier attempt may have landed with its acknowledgement lost.
	doc, err := q.docs.Write(ctx, wire.MessagePath(m.ChatID, m.LocalID), wire.MessageContent(m))
	if err == nil {
		return q.confirm(m, doc, store.StatusSending)
	}
	if remote.IsPermission(err) {
		return q.fail(m, store.StatusSending, err, false)
	}
	failed, _ := q.fail(m, store.StatusSending, err, true)
	if m.RetryCount >= q.opts.MaxRetries {
		q.giveUp(failed)
	}
	return failed, nil
}

func (q *Queue) confirm(m store.Message, doc remote.Document, from store.MessageStatus) (store.Message, error) {
	final := wire.MessageFromDoc(m.ChatID, doc)
	final.LocalID = m.LocalID
	if err := q.ingest.IngestMessage(&final); err != nil {
		return m, fmt.Errorf("store confirmation: %w", err)
	}
	observability.IncOutboxAttempt("sent")
	q.publish(final, from, final.Status, nil)
	q.logger.Info("message sent", zap.String("local_id", m.LocalID), zap.String("msg_id", final.ID))
	q.updateGauge()
	return q.current(final)
}

func (q *Queue) fail(m store.Message, from store.MessageStatus, cause error, queue bool) (store.Message, error) {
	err := q.db.MarkMessageFailed(m.ID, q.clock.Now().UnixMilli(), queue)
	if errors.Is(err, store.ErrMessageNotFound) {
		return q.current(m)
	}
	if err != nil {
		return m, fmt.Errorf("mark failed: %w", err)
	}
	q.publish(m, from, store.StatusFailed, cause)
	q.updateGauge()

	if !queue {
		observability.IncOutboxAttempt("rejected")
		q.logger.Warn("message rejected", zap.String("msg_id", m.ID), zap.Error(cause))
		failed, _ := q.current(m)
		return failed, fmt.Errorf("send message: %w", cause)
	}
	observability.IncOutboxAttempt("failed")
	q.logger.Info("message queued for retry", zap.String("msg_id", m.ID), zap.Error(cause))
	return q.current(m)
}

func (q *Queue) giveUp(m store.Message) {
	if err := q.db.DequeueMessage(m.ID); err != nil {
		q.logger.Error("failed to dequeue message", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}
	q.updateGauge()
	q.logger.Warn("giving up on message", zap.String("msg_id", m.ID), zap.Int("retries", m.RetryCount))
}

// current re-reads m from the cache.
func (q *Queue) current(m store.Message) (store.Message, error) {
	got, err := q.db.GetMessage(m.ID)
	if err != nil {
		return m, err
	}
	if got == nil {
		if got, err = q.db.GetMessageByLocalID(m.LocalID); err != nil || got == nil {
			return m, err
		}
	}
	return *got, nil
}

func (q *Queue) publish(m store.Message, from, to store.MessageStatus, cause error) {
	if q.bus == nil {
		return
	}
	sc := StatusChange{ChatID: m.ChatID, ID: m.ID, LocalID: m.LocalID, From: from, To: to}
	if cause != nil {
		sc.Error = cause.Error()
	}
	q.bus.Emit(bus.MessageStatusChanged, sc)
}

func (q *Queue) updateGauge() {
	if n, err := q.db.QueueLength(); err == nil {
		observability.SetOutboxQueueLength(n)
	}
}
