package memstore

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/matheus3301/chatsync/internal/remote"
)

// Ephemeral is an in-memory remote.EphemeralStore. Disconnect simulates the
// server noticing a dropped connection and running the registered hooks.
type Ephemeral struct {
	mu      sync.Mutex
	values  map[string]map[string]any
	hooks   map[string]struct{}
	subs    map[string]map[int]remote.ValueStreamOf
	next    int
	offline bool
	writes  int
}

// NewEphemeral creates an empty ephemeral store.
func NewEphemeral() *Ephemeral {
	return &Ephemeral{
		values: make(map[string]map[string]any),
		hooks:  make(map[string]struct{}),
		subs:   make(map[string]map[int]remote.ValueStreamOf),
	}
}

// SetOffline makes client calls fail with remote.ErrUnavailable.
func (e *Ephemeral) SetOffline(offline bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offline = offline
}

func (e *Ephemeral) check(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.offline {
		return fmt.Errorf("ephemeral %s: %w", path, remote.ErrUnavailable)
	}
	return nil
}

// Set stores value at path.
func (e *Ephemeral) Set(ctx context.Context, path string, value map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, path); err != nil {
		return err
	}
	e.writes++
	e.values[path] = maps.Clone(value)
	e.notify(path)
	return nil
}

// Remove deletes path.
func (e *Ephemeral) Remove(ctx context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, path); err != nil {
		return err
	}
	e.writes++
	delete(e.values, path)
	e.notify(path)
	return nil
}

// OnDisconnectRemove registers path for removal on Disconnect.
func (e *Ephemeral) OnDisconnectRemove(ctx context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, path); err != nil {
		return err
	}
	e.hooks[path] = struct{}{}
	return nil
}

// Subscribe streams snapshots of path, starting with the current one.
func (e *Ephemeral) Subscribe(ctx context.Context, path string) (remote.ValueStream, error) {
	e.mu.Lock()
	if err := e.check(ctx, path); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	stream := remote.NewValueStream()
	stream.Send(e.value(path))
	if e.subs[path] == nil {
		e.subs[path] = make(map[int]remote.ValueStreamOf)
	}
	id := e.next
	e.next++
	e.subs[path][id] = stream
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-stream.Done():
		}
		e.mu.Lock()
		delete(e.subs[path], id)
		e.mu.Unlock()
	}()
	return stream, nil
}

// Disconnect runs every registered disconnect hook, as the server would after
// losing this client, and clears them.
func (e *Ephemeral) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for path := range e.hooks {
		delete(e.values, path)
		e.notify(path)
	}
	e.hooks = make(map[string]struct{})
}

// Get returns the value stored at path.
func (e *Ephemeral) Get(path string) (map[string]any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[path]
	return maps.Clone(v), ok
}

// Writes returns how many Set and Remove calls succeeded.
func (e *Ephemeral) Writes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writes
}

// HasHook reports whether a disconnect hook is registered for path.
func (e *Ephemeral) HasHook(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.hooks[path]
	return ok
}

func (e *Ephemeral) value(path string) remote.Value {
	v, ok := e.values[path]
	return remote.Value{Path: path, Data: maps.Clone(v), Exists: ok}
}

func (e *Ephemeral) notify(path string) {
	for _, s := range e.subs[path] {
		s.Send(e.value(path))
	}
}
