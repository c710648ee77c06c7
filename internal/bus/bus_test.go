package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(MessageUpserted, "m1")

	select {
	case evt := <-ch:
		if evt.Kind != MessageUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageUpserted)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit should stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: MessageUpserted})
	b.Publish(Event{Kind: SyncChatSynced})

	select {
	case evt := <-ch:
		if evt.Kind != SyncChatSynced {
			t.Errorf("got kind %q, want %s", evt.Kind, SyncChatSynced)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeMany(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeMany(10, "network.", "presence.")
	defer unsub()

	b.Emit(NetworkOffline, nil)
	b.Emit(SyncChatFailed, nil)
	b.Emit(PresenceChanged, nil)

	got := []string{(<-ch).Kind, (<-ch).Kind}
	if got[0] != NetworkOffline || got[1] != PresenceChanged {
		t.Errorf("got %v", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()
	unsub()

	b.Emit(MessageStatusChanged, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullSubscriberDropsEvents(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("message.", 1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Emit(MessageUpserted, i)
	}
	if got := b.Dropped(); got != 4 {
		t.Errorf("dropped = %d, want 4", got)
	}
}
