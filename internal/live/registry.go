package live

import (
	"context"
	"sort"
	"sync"
)

// Registry owns the running listener pair of each chat. Removing a chat
// cancels its pair and waits for it to exit.
type Registry struct {
	mu    sync.Mutex
	pairs map[string]*pairHandle
}

type pairHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pairs: make(map[string]*pairHandle)}
}

// Add starts run on its own goroutine for chatID. It returns false, without
// starting anything, when the chat already has a pair.
func (r *Registry) Add(ctx context.Context, chatID string, run func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pairs[chatID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &pairHandle{cancel: cancel, done: make(chan struct{})}
	r.pairs[chatID] = h
	go func() {
		defer close(h.done)
		run(ctx)
	}()
	return true
}

// Remove stops the chat's pair and blocks until it has returned. It reports
// whether a pair was registered.
func (r *Registry) Remove(chatID string) bool {
	r.mu.Lock()
	h, ok := r.pairs[chatID]
	delete(r.pairs, chatID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	<-h.done
	return true
}

// Has reports whether chatID has a pair.
func (r *Registry) Has(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pairs[chatID]
	return ok
}

// Len returns the number of registered pairs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

// ChatIDs returns the registered chats in sorted order.
func (r *Registry) ChatIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pairs))
	for id := range r.pairs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll removes every pair.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	pairs := r.pairs
	r.pairs = make(map[string]*pairHandle)
	r.mu.Unlock()

	for _, h := range pairs {
		h.cancel()
	}
	for _, h := range pairs {
		<-h.done
	}
}
