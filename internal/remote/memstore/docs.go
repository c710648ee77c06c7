// Package memstore provides in-process implementations of the remote stores.
// The daemon uses them when no remote backend is configured, and tests use
// their fault injection to simulate outages and permission failures.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
)

// Op names a document store operation for fault injection.
type Op string

const (
	OpQuery     Op = "query"
	OpSubscribe Op = "subscribe"
	OpWrite     Op = "write"
	OpUpdate    Op = "update"
)

// FaultFunc decides whether an operation on target (a collection or document
// path) should fail. Returning nil lets it proceed.
type FaultFunc func(op Op, target string) error

// Docs is an in-memory remote.DocumentStore.
type Docs struct {
	mu          sync.Mutex
	now         func() time.Time
	collections map[string]map[string]remote.Document
	subs        map[int]*docSub
	next        int
	offline     bool
	fault       FaultFunc
}

type docSub struct {
	query   remote.Query
	stream  remote.ChangeStream
	matched map[string]bool
}

// NewDocs creates an empty document store.
func NewDocs() *Docs {
	return &Docs{
		now:         time.Now,
		collections: make(map[string]map[string]remote.Document),
		subs:        make(map[int]*docSub),
	}
}

// SetOffline makes every operation fail with remote.ErrUnavailable while set.
// Open subscriptions stay attached and resume delivering when back online.
func (s *Docs) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// SetFault installs a fault injector. Pass nil to clear it.
func (s *Docs) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// check must be called with s.mu held.
func (s *Docs) check(ctx context.Context, op Op, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.offline {
		return fmt.Errorf("%s %s: %w", op, target, remote.ErrUnavailable)
	}
	if s.fault != nil {
		if err := s.fault(op, target); err != nil {
			return fmt.Errorf("%s %s: %w", op, target, err)
		}
	}
	return nil
}

// Query runs q against the current contents.
func (s *Docs) Query(ctx context.Context, q remote.Query) ([]remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpQuery, q.Collection); err != nil {
		return nil, err
	}
	return remote.Apply(s.snapshot(q.Collection), q), nil
}

// Subscribe starts a live query. It ends when ctx is done or the caller closes it.
func (s *Docs) Subscribe(ctx context.Context, q remote.Query) (remote.Subscription, error) {
	s.mu.Lock()
	if err := s.check(ctx, OpSubscribe, q.Collection); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := &docSub{query: q, stream: remote.NewChangeStream(), matched: make(map[string]bool)}
	if !q.ChangesOnly {
		for _, d := range remote.Apply(s.snapshot(q.Collection), q) {
			sub.matched[d.ID] = true
			sub.stream.Send(remote.Change{Kind: remote.Added, Doc: d})
		}
	}
	id := s.next
	s.next++
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.stream.Close()
		case <-sub.stream.Done():
		}
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()
	return sub.stream, nil
}

// Write merges data into the document at path.
func (s *Docs) Write(ctx context.Context, path string, data map[string]any) (remote.Document, error) {
	collection, id, ok := remote.SplitPath(path)
	if !ok {
		return remote.Document{}, fmt.Errorf("write %s: invalid document path", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpWrite, path); err != nil {
		return remote.Document{}, err
	}
	return s.put(collection, id, data), nil
}

// Update merges fields into an existing document.
func (s *Docs) Update(ctx context.Context, path string, fields map[string]any) error {
	collection, id, ok := remote.SplitPath(path)
	if !ok {
		return fmt.Errorf("update %s: invalid document path", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, OpUpdate, path); err != nil {
		return err
	}
	if _, ok := s.collections[collection][id]; !ok {
		return fmt.Errorf("update %s: %w", path, remote.ErrNotFound)
	}
	s.put(collection, id, fields)
	return nil
}

// Delete removes a document, notifying subscribers.
func (s *Docs) Delete(path string) {
	collection, id, ok := remote.SplitPath(path)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return
	}
	delete(s.collections[collection], id)
	for _, sub := range s.subs {
		if sub.query.Collection != collection {
			continue
		}
		if sub.matched[id] || (sub.query.ChangesOnly && remote.Match(doc.Data, sub.query.Filters)) {
			delete(sub.matched, id)
			sub.stream.Send(remote.Change{Kind: remote.Removed, Doc: doc})
		}
	}
}

// Get returns a copy of the document at path.
func (s *Docs) Get(path string) (remote.Document, bool) {
	collection, id, ok := remote.SplitPath(path)
	if !ok {
		return remote.Document{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return remote.Document{}, false
	}
	return clone(doc), true
}

// Subscribers returns the number of open subscriptions.
func (s *Docs) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// put must be called with s.mu held.
func (s *Docs) put(collection, id string, data map[string]any) remote.Document {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]remote.Document)
		s.collections[collection] = docs
	}
	doc, existed := docs[id]
	if !existed {
		doc = remote.Document{Collection: collection, ID: id, Data: map[string]any{}}
	} else {
		doc = clone(doc)
	}
	maps.Copy(doc.Data, data)
	doc.UpdateTime = s.now()
	docs[id] = doc

	for _, sub := range s.subs {
		if sub.query.Collection != collection {
			continue
		}
		matches := remote.Match(doc.Data, sub.query.Filters)
		switch {
		case matches && sub.query.ChangesOnly:
			sub.matched[id] = true
			kind := remote.Modified
			if !existed {
				kind = remote.Added
			}
			sub.stream.Send(remote.Change{Kind: kind, Doc: clone(doc)})
		case matches && !sub.matched[id]:
			sub.matched[id] = true
			sub.stream.Send(remote.Change{Kind: remote.Added, Doc: clone(doc)})
		case matches:
			sub.stream.Send(remote.Change{Kind: remote.Modified, Doc: clone(doc)})
		case sub.matched[id]:
			delete(sub.matched, id)
			sub.stream.Send(remote.Change{Kind: remote.Removed, Doc: clone(doc)})
		}
	}
	return clone(doc)
}

// snapshot must be called with s.mu held.
func (s *Docs) snapshot(collection string) []remote.Document {
	out := make([]remote.Document, 0, len(s.collections[collection]))
	for _, d := range s.collections[collection] {
		out = append(out, clone(d))
	}
	return out
}

func clone(d remote.Document) remote.Document {
	d.Data = maps.Clone(d.Data)
	return d
}
