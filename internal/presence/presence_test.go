package presence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// eventually waits for cond. Fake clock timers run their callbacks on their
// own goroutine.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond, msg)
}

func statusOf(t *testing.T, eph *memstore.Ephemeral, user string) string {
	t.Helper()
	v, ok := eph.Get(wire.PresencePath(user))
	if !ok {
		return ""
	}
	s, _ := v[wire.FieldStatus].(string)
	return s
}

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Offline, Online, true},
		{Offline, Away, false},
		{Online, Away, true},
		{Online, Offline, true},
		{Away, Online, true},
		{Away, Offline, true},
		{Online, Online, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			switch tt.from {
			case Online:
				_ = m.Transition(Online)
			case Away:
				_ = m.Transition(Online)
				_ = m.Transition(Away)
			}
			err := m.Transition(tt.to)
			if (err == nil) != tt.ok {
				t.Fatalf("Transition(%s -> %s) err = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
			}
		})
	}
}

func TestMachineEmitsChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.PresenceChanged, 1)
	defer unsub()
	m := NewMachine(b)
	if err := m.Transition(Online); err != nil {
		t.Fatal(err)
	}
	evt := <-ch
	if c := evt.Payload.(Change); c.From != Offline || c.To != Online {
		t.Errorf("change = %+v", c)
	}
}

func TestGoOnlineRegistersHookFirst(t *testing.T) {
	eph := memstore.NewEphemeral()
	clk := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(eph, nil, clk, "u1", DefaultOptions(), nil)

	tr.GoOnline(context.Background())
	if !eph.HasHook(wire.PresencePath("u1")) {
		t.Fatal("disconnect hook not registered")
	}
	if got := statusOf(t, eph, "u1"); got != "online" {
		t.Fatalf("status = %q, want online", got)
	}

	eph.Disconnect()
	if _, ok := eph.Get(wire.PresencePath("u1")); ok {
		t.Fatal("presence record survived disconnect")
	}
}

func TestAwayAfterExactlyTimeout(t *testing.T) {
	eph := memstore.NewEphemeral()
	clk := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(eph, nil, clk, "u1", DefaultOptions(), nil)
	tr.GoOnline(context.Background())

	clk.Advance(5*time.Minute - time.Millisecond)
	if tr.Status() != Online {
		t.Fatalf("status = %s before timeout", tr.Status())
	}
	clk.Advance(time.Millisecond)
	eventually(t, func() bool { return tr.Status() == Away }, "not away at timeout")
	if got := statusOf(t, eph, "u1"); got != "away" {
		t.Errorf("record = %q, want away", got)
	}
}

func TestActivityRestartsAwayWindow(t *testing.T) {
	eph := memstore.NewEphemeral()
	clk := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(eph, nil, clk, "u1", DefaultOptions(), nil)
	ctx := context.Background()
	tr.GoOnline(ctx)

	clk.Advance(4*time.Minute + 59*time.Second)
	tr.ResetActivityTimer(ctx)
	clk.Advance(4*time.Minute + 59*time.Second)
	if tr.Status() != Online {
		t.Fatalf("status = %s, reset did not restart the window", tr.Status())
	}
	clk.Advance(time.Second)
	eventually(t, func() bool { return tr.Status() == Away }, "not away 5m after the reset")

	tr.ResetActivityTimer(ctx)
	if tr.Status() != Online || statusOf(t, eph, "u1") != "online" {
		t.Fatalf("activity while away: status %s record %q", tr.Status(), statusOf(t, eph, "u1"))
	}
}

func TestActivityWritesAreDebounced(t *testing.T) {
	eph := memstore.NewEphemeral()
	clk := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(eph, nil, clk, "u1", DefaultOptions(), nil)
	ctx := context.Background()
	tr.GoOnline(ctx)
	base := eph.Writes()

	clk.Advance(time.Second)
	tr.ResetActivityTimer(ctx)
	if eph.Writes() != base {
		t.Fatal("wrote within the debounce window")
	}
	clk.Advance(time.Second)
	tr.ResetActivityTimer(ctx)
	if eph.Writes() != base+1 {
		t.Fatalf("writes = %d, want %d", eph.Writes(), base+1)
	}
}

func TestGoOfflineStopsTimer(t *testing.T) {
	eph := memstore.NewEphemeral()
	clk := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(eph, nil, clk, "u1", DefaultOptions(), nil)
	ctx := context.Background()
	tr.HandleAppState(ctx, Foreground)
	tr.HandleAppState(ctx, Background)

	if tr.Status() != Offline || statusOf(t, eph, "u1") != "offline" {
		t.Fatalf("status %s record %q", tr.Status(), statusOf(t, eph, "u1"))
	}
	clk.Advance(10 * time.Minute)
	if tr.Status() != Offline {
		t.Fatalf("away timer fired after going offline: %s", tr.Status())
	}
}

func TestNetworkLossIsLocalOnly(t *testing.T) {
	eph := memstore.NewEphemeral()
	clk := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(eph, nil, clk, "u1", DefaultOptions(), nil)
	ctx := context.Background()
	tr.GoOnline(ctx)
	writes := eph.Writes()

	tr.HandleNetwork(ctx, false)
	if tr.Status() != Offline {
		t.Fatalf("status = %s", tr.Status())
	}
	if eph.Writes() != writes {
		t.Fatal("network loss wrote to the store")
	}
	tr.HandleNetwork(ctx, true)
	if tr.Status() != Online {
		t.Fatalf("status = %s after recovery", tr.Status())
	}
}

func TestNetworkRecoveryInBackgroundStaysOffline(t *testing.T) {
	eph := memstore.NewEphemeral()
	clk := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(eph, nil, clk, "u1", DefaultOptions(), nil)
	ctx := context.Background()

	tr.HandleAppState(ctx, Foreground)
	tr.HandleAppState(ctx, Background)
	tr.HandleNetwork(ctx, false)
	tr.HandleNetwork(ctx, true)

	if tr.Status() != Offline {
		t.Errorf("status = %s, want offline", tr.Status())
	}
	if got := statusOf(t, eph, "u1"); got != string(Offline) {
		t.Errorf("remote status = %q, want offline", got)
	}

	tr.HandleAppState(ctx, Foreground)
	if tr.Status() != Online || statusOf(t, eph, "u1") != string(Online) {
		t.Errorf("foreground did not bring presence back: %s", tr.Status())
	}
}

func TestPresenceWriteFailuresAreSwallowed(t *testing.T) {
	eph := memstore.NewEphemeral()
	eph.SetOffline(true)
	clk := clockwork.NewFakeClockAt(epoch)
	tr := NewTracker(eph, nil, clk, "u1", DefaultOptions(), nil)
	tr.GoOnline(context.Background())
	if tr.Status() != Online {
		t.Fatalf("status = %s", tr.Status())
	}
}

func TestTypingAutoClears(t *testing.T) {
	eph := memstore.NewEphemeral()
	clk := clockwork.NewFakeClockAt(epoch)
	ty := NewTyping(eph, clk, "c1", "u1", DefaultTypingOptions(), nil)
	path := wire.TypingPath("c1", "u1")

	ty.OnTypingStart(context.Background())
	if v, ok := eph.Get(path); !ok || v[wire.FieldIsTyping] != true {
		t.Fatalf("typing record = %v, %v", v, ok)
	}
	if !eph.HasHook(path) {
		t.Fatal("typing disconnect hook not registered")
	}

	clk.Advance(999 * time.Millisecond)
	if !ty.Active() {
		t.Fatal("cleared early")
	}
	clk.Advance(time.Millisecond)
	eventually(t, func() bool { return !ty.Active() }, "not cleared after 1s")
	if _, ok := eph.Get(path); ok {
		t.Fatal("record not removed")
	}
}

func TestTypingDebounce(t *testing.T) {
	eph := memstore.NewEphemeral()
	clk := clockwork.NewFakeClockAt(epoch)
	ty := NewTyping(eph, clk, "c1", "u1", TypingOptions{Timeout: 5 * time.Second, Debounce: time.Second}, nil)
	ctx := context.Background()

	ty.OnTypingStart(ctx)
	base := eph.Writes()
	clk.Advance(500 * time.Millisecond)
	ty.OnTypingStart(ctx)
	if eph.Writes() != base {
		t.Fatal("rewrote within the debounce")
	}
	clk.Advance(500 * time.Millisecond)
	ty.OnTypingStart(ctx)
	if eph.Writes() != base+1 {
		t.Fatalf("writes = %d, want %d", eph.Writes(), base+1)
	}

	ty.ClearTyping(ctx)
	ty.mu.Lock()
	armed := ty.timer != nil
	ty.mu.Unlock()
	if ty.Active() || armed {
		t.Fatalf("active=%v timer armed=%v after clear", ty.Active(), armed)
	}
}

func TestWatcherMirrorsTyping(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	for _, u := range []string{"u1", "u2"} {
		if err := db.UpsertParticipant(&store.Participant{ChatID: "c1", UserID: u}); err != nil {
			t.Fatal(err)
		}
	}

	eph := memstore.NewEphemeral()
	b := bus.New()
	events, unsub := b.Subscribe(bus.TypingChanged, 10)
	defer unsub()

	w := NewWatcher(eph, db, b, "u1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()
	b.Emit(bus.ListenerAttached, live.ListenerEvent{ChatID: "c1"})

	deadline := time.Now().Add(2 * time.Second)
	for !w.Watching("c1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !w.Watching("c1") {
		t.Fatal("chat not watched")
	}
	// The initial snapshot (absent record) arrives first.
	<-events

	other := NewTyping(eph, clockwork.NewFakeClockAt(epoch), "c1", "u2", DefaultTypingOptions(), nil)
	other.OnTypingStart(ctx)

	select {
	case evt := <-events:
		if e := evt.Payload.(TypingEvent); e.UserID != "u2" || !e.IsTyping {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typing change not observed")
	}
	typing, _ := db.ListTyping("c1")
	if len(typing) != 1 || typing[0].UserID != "u2" {
		t.Fatalf("cached typing = %+v", typing)
	}

	b.Emit(bus.ListenerDetached, live.ListenerEvent{ChatID: "c1"})
	deadline = time.Now().Add(2 * time.Second)
	for w.Watching("c1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.Watching("c1") {
		t.Fatal("chat still watched after detach")
	}
}

func TestWatcherFollowsMembershipChanges(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	defer db.Close()
	for _, u := range []string{"u1", "u2"} {
		require.NoError(t, db.UpsertParticipant(&store.Participant{ChatID: "c1", UserID: u}))
	}

	eph := memstore.NewEphemeral()
	b := bus.New()
	events, unsub := b.Subscribe(bus.TypingChanged, 10)
	defer unsub()

	w := NewWatcher(eph, db, b, "u1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	b.Emit(bus.ListenerAttached, live.ListenerEvent{ChatID: "c1"})
	eventually(t, func() bool { return len(w.following("c1")) == 1 }, "u2 followed")

	require.NoError(t, db.UpsertParticipant(&store.Participant{ChatID: "c1", UserID: "u3"}))
	require.NoError(t, db.MarkParticipantLeft("c1", "u2", epoch.UnixMilli()))
	b.Emit(bus.MembersChanged, live.ListenerEvent{ChatID: "c1"})
	eventually(t, func() bool {
		f := w.following("c1")
		return len(f) == 1 && f[0] == "u3"
	}, "membership refreshed")

	NewTyping(eph, clockwork.NewFakeClockAt(epoch), "c1", "u3", DefaultTypingOptions(), nil).OnTypingStart(ctx)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if e := evt.Payload.(TypingEvent); e.UserID == "u3" && e.IsTyping {
				return
			}
		case <-deadline:
			t.Fatal("typing of the new member not observed")
		}
	}
}
