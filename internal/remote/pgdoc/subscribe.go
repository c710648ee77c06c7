package pgdoc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

type notification struct {
	Op         string `json:"op"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// signal is one unit of work for a subscription: refresh a document, or
// re-run the whole query after the LISTEN connection was re-established.
type signal struct {
	id     string
	op     string
	resync bool
}

// listener owns the store's single LISTEN connection and fans notifications
// out to every live subscription. The connection is dialed outside the pool,
// so subscriptions never hold pool connections.
type listener struct {
	store *Store

	mu      sync.Mutex
	subs    map[*subscription]struct{}
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newListener(s *Store) *listener {
	return &listener{store: s, subs: make(map[*subscription]struct{})}
}

// add registers sub, starting the LISTEN connection if none is running.
func (l *listener) add(ctx context.Context, sub *subscription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		conn, err := l.connect(ctx)
		if err != nil {
			return err
		}
		runCtx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.done = make(chan struct{})
		l.running = true
		go l.run(runCtx, conn, l.done)
	}
	l.subs[sub] = struct{}{}
	return nil
}

func (l *listener) remove(sub *subscription) {
	l.mu.Lock()
	delete(l.subs, sub)
	l.mu.Unlock()
}

func (l *listener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// stop closes the LISTEN connection and fails every open subscription.
func (l *listener) stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	done := l.done
	l.mu.Unlock()

	<-done
	l.failAll(fmt.Errorf("%w: document store closed", remote.ErrUnavailable))
}

func (l *listener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, l.store.pool.Config().ConnConfig)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", classify(err))
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("subscribe: %w", classify(err))
	}
	return conn, nil
}

func (l *listener) run(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.store.logger.Warn("listen connection dropped, reconnecting", zap.Error(err))
			_ = conn.Close(context.Background())
			conn = nil

			if conn, err = l.reconnect(ctx); err != nil {
				if ctx.Err() == nil {
					l.mu.Lock()
					l.running = false
					l.mu.Unlock()
					l.failAll(err)
				}
				return
			}
			l.broadcast(signal{resync: true})
			continue
		}

		var evt notification
		if err := json.Unmarshal([]byte(n.Payload), &evt); err != nil {
			l.store.logger.Debug("ignoring malformed notification", zap.String("payload", n.Payload))
			continue
		}
		l.dispatch(evt)
	}
}

func (l *listener) reconnect(ctx context.Context) (*pgx.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	var conn *pgx.Conn
	err := backoff.Retry(func() error {
		c, err := l.connect(ctx)
		if err != nil {
			if !remote.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx))
	return conn, err
}

// dispatch queues evt on every subscription watching its collection.
func (l *listener) dispatch(evt notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		if sub.query.Collection == evt.Collection {
			sub.inbox.Send(signal{id: evt.ID, op: evt.Op})
		}
	}
}

func (l *listener) broadcast(sig signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		sub.inbox.Send(sig)
	}
}

func (l *listener) failAll(err error) {
	l.mu.Lock()
	subs := l.subs
	l.subs = make(map[*subscription]struct{})
	l.mu.Unlock()

	for sub := range subs {
		sub.inbox.Close()
		sub.stream.Fail(err)
	}
}

type subscription struct {
	store   *Store
	query   remote.Query
	stream  remote.ChangeStream
	inbox   *remote.Stream[signal]
	matched map[string]bool

	// since is the newest updated_at seen by a ChangesOnly subscription, in
	// database time. Resyncs only read documents written after it.
	since time.Time
}

// Subscribe starts a live query. The initial result set is delivered as Added;
// afterwards every notification for the collection is re-evaluated against the
// query filters. After the shared LISTEN connection is re-established the
// result set is reconciled before live delivery resumes. ChangesOnly queries
// skip the initial read and reconcile only documents written while
// disconnected.
func (s *Store) Subscribe(ctx context.Context, q remote.Query) (remote.Subscription, error) {
	sub := &subscription{
		store:   s,
		query:   q,
		stream:  remote.NewChangeStream(),
		inbox:   remote.NewStream[signal](),
		matched: make(map[string]bool),
	}
	if err := s.ln.add(ctx, sub); err != nil {
		sub.inbox.Close()
		sub.stream.Close()
		return nil, err
	}
	var err error
	if q.ChangesOnly {
		err = classify(s.pool.QueryRow(ctx, "SELECT now()").Scan(&sub.since))
	} else {
		err = sub.resync(ctx)
	}
	if err != nil {
		s.ln.remove(sub)
		sub.inbox.Close()
		sub.stream.Close()
		return nil, err
	}
	go sub.run(ctx)
	return sub.stream, nil
}

func (sub *subscription) run(ctx context.Context) {
	defer sub.store.ln.remove(sub)
	defer sub.inbox.Close()

	for {
		select {
		case <-ctx.Done():
			sub.stream.Close()
			return
		case <-sub.stream.Done():
			return
		case sig, ok := <-sub.inbox.Out():
			if !ok {
				return
			}
			if sig.resync {
				if err := sub.resyncWithRetry(ctx); err != nil {
					if ctx.Err() == nil {
						sub.stream.Fail(err)
					}
					return
				}
				continue
			}
			if err := sub.apply(ctx, sig.id, sig.op); err != nil {
				sub.store.logger.Warn("document refresh failed",
					zap.String("collection", sub.query.Collection), zap.String("id", sig.id), zap.Error(err))
			}
		}
	}
}

func (sub *subscription) resyncWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := sub.resync(ctx)
		if err != nil && !remote.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// apply re-reads one document and emits the change it represents for this
// query. op is the trigger operation that announced it.
func (sub *subscription) apply(ctx context.Context, id, op string) error {
	doc, ok, err := sub.store.get(ctx, sub.query.Collection, id)
	if err != nil {
		return err
	}
	if ok && doc.UpdateTime.After(sub.since) {
		sub.since = doc.UpdateTime
	}
	matches := ok && remote.Match(doc.Data, sub.query.Filters)
	switch {
	case matches && sub.query.ChangesOnly:
		sub.matched[id] = true
		kind := remote.Modified
		if op == "INSERT" {
			kind = remote.Added
		}
		sub.stream.Send(remote.Change{Kind: kind, Doc: doc})
	case !matches && sub.query.ChangesOnly && op == "DELETE":
		delete(sub.matched, id)
		sub.stream.Send(remote.Change{Kind: remote.Removed, Doc: doc})
	case matches && !sub.matched[id]:
		sub.matched[id] = true
		sub.stream.Send(remote.Change{Kind: remote.Added, Doc: doc})
	case matches:
		sub.stream.Send(remote.Change{Kind: remote.Modified, Doc: doc})
	case sub.matched[id]:
		delete(sub.matched, id)
		sub.stream.Send(remote.Change{Kind: remote.Removed, Doc: doc})
	}
	return nil
}

// resync runs the query and emits the difference against the known result set.
func (sub *subscription) resync(ctx context.Context) error {
	if sub.query.ChangesOnly {
		return sub.catchUp(ctx)
	}
	docs, err := sub.store.Query(ctx, sub.query)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		seen[d.ID] = true
		kind := remote.Added
		if sub.matched[d.ID] {
			kind = remote.Modified
		}
		sub.matched[d.ID] = true
		sub.stream.Send(remote.Change{Kind: kind, Doc: d})
	}
	for id := range sub.matched {
		if !seen[id] {
			delete(sub.matched, id)
			sub.stream.Send(remote.Change{Kind: remote.Removed, Doc: remote.Document{Collection: sub.query.Collection, ID: id}})
		}
	}
	return nil
}

// catchUp emits documents of a ChangesOnly query written since the last one
// seen. Deletes in the gap are not recovered.
func (sub *subscription) catchUp(ctx context.Context) error {
	docs, err := sub.store.query(ctx, sub.query, sub.since)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if d.UpdateTime.After(sub.since) {
			sub.since = d.UpdateTime
		}
		sub.matched[d.ID] = true
		sub.stream.Send(remote.Change{Kind: remote.Modified, Doc: d})
	}
	return nil
}
