package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/observability"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// AppState is the foreground state of the client app.
type AppState string

const (
	Foreground AppState = "foreground"
	Background AppState = "background"
)

const writeTimeout = 5 * time.Second

// Options tunes presence tracking.
type Options struct {
	AwayTimeout   time.Duration
	WriteDebounce time.Duration
}

// DefaultOptions returns the standard presence settings.
func DefaultOptions() Options {
	return Options{AwayTimeout: 5 * time.Minute, WriteDebounce: 2 * time.Second}
}

// Tracker owns the user's presence record.
type Tracker struct {
	store   remote.EphemeralStore
	clock   clockwork.Clock
	userID  string
	opts    Options
	logger  *zap.Logger
	machine *Machine

	mu        sync.Mutex
	app       AppState
	timer     clockwork.Timer
	gen       int
	lastWrite time.Time
}

// NewTracker creates an offline tracker for userID.
func NewTracker(store remote.EphemeralStore, b *bus.Bus, clk clockwork.Clock, userID string, opts Options, logger *zap.Logger) *Tracker {
	def := DefaultOptions()
	if opts.AwayTimeout <= 0 {
		opts.AwayTimeout = def.AwayTimeout
	}
	if opts.WriteDebounce <= 0 {
		opts.WriteDebounce = def.WriteDebounce
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:   store,
		clock:   clk,
		userID:  userID,
		opts:    opts,
		logger:  logger,
		machine: NewMachine(b),
		app:     Foreground,
	}
}

// Status returns the current presence state.
func (t *Tracker) Status() State {
	return t.machine.Current()
}

// GoOnline registers the disconnect cleanup, then publishes online and starts
// the away timer.
func (t *Tracker) GoOnline(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := wire.PresencePath(t.userID)
	if err := t.store.OnDisconnectRemove(ctx, path); err != nil {
		t.logger.Debug("presence disconnect hook failed", zap.Error(err))
	}
	if t.machine.Current() != Online {
		_ = t.machine.Transition(Online)
	}
	t.write(ctx, Online)
	t.armLocked()
}

// ResetActivityTimer records user activity. It restarts the away timer,
// returns from away, and refreshes the record at most once per WriteDebounce.
func (t *Tracker) ResetActivityTimer(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.machine.Current() {
	case Away:
		_ = t.machine.Transition(Online)
		t.write(ctx, Online)
	case Online:
		if t.clock.Now().Sub(t.lastWrite) >= t.opts.WriteDebounce {
			t.write(ctx, Online)
		}
	case Offline:
		return
	}
	t.armLocked()
}

// GoOffline stops the away timer and publishes offline.
func (t *Tracker) GoOffline(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	if t.machine.Current() != Offline {
		_ = t.machine.Transition(Offline)
	}
	t.write(ctx, Offline)
}

// App returns the last reported app state.
func (t *Tracker) App() AppState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.app
}

// HandleAppState maps app foreground changes onto presence. The state is
// remembered so a network recovery in the background stays offline.
func (t *Tracker) HandleAppState(ctx context.Context, s AppState) {
	t.mu.Lock()
	t.app = s
	t.mu.Unlock()

	switch s {
	case Foreground:
		t.GoOnline(ctx)
	case Background:
		t.GoOffline(ctx)
	}
}

// HandleNetwork reacts to connectivity changes. On loss the state goes offline
// locally only; the server's disconnect cleanup removes the record. Recovery
// goes online only while the app is in the foreground.
func (t *Tracker) HandleNetwork(ctx context.Context, online bool) {
	if online {
		if t.App() == Background {
			return
		}
		t.GoOnline(ctx)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	if t.machine.Current() != Offline {
		_ = t.machine.Transition(Offline)
	}
}

// Run feeds network events from the bus into HandleNetwork until ctx ends.
func (t *Tracker) Run(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.Subscribe("network.", 8)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			t.HandleNetwork(ctx, evt.Kind == bus.NetworkOnline)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) onAway(gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.machine.Current() != Online {
		return
	}
	_ = t.machine.Transition(Away)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	t.write(ctx, Away)
}

// armLocked restarts the away timer. Must be called with t.mu held.
func (t *Tracker) armLocked() {
	t.stopLocked()
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.opts.AwayTimeout, func() { t.onAway(gen) })
}

// stopLocked cancels the away timer. Must be called with t.mu held.
func (t *Tracker) stopLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) write(ctx context.Context, s State) {
	now := t.clock.Now()
	t.lastWrite = now
	err := t.store.Set(ctx, wire.PresencePath(t.userID), map[string]any{
		wire.FieldStatus:     string(s),
		wire.FieldLastActive: now.UnixMilli(),
	})
	observability.IncPresenceWrite("presence", err)
	if err != nil {
		t.logger.Debug("presence write failed", zap.String("status", string(s)), zap.Error(err))
	}
}
