package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
)

func nextChange(t *testing.T, sub remote.Subscription) remote.Change {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}
	return remote.Change{}
}

func TestSubscribeInitialThenLive(t *testing.T) {
	ctx := context.Background()
	s := NewDocs()
	_, _ = s.Write(ctx, "chats/c1/messages/m1", map[string]any{"createdAt": int64(100)})
	_, _ = s.Write(ctx, "chats/c1/messages/m2", map[string]any{"createdAt": int64(200)})

	q := remote.Query{Collection: "chats/c1/messages"}.Where("createdAt", remote.OpGt, int64(150))
	sub, err := s.Subscribe(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if c := nextChange(t, sub); c.Kind != remote.Added || c.Doc.ID != "m2" {
		t.Fatalf("initial = %+v, want added m2", c)
	}

	_, _ = s.Write(ctx, "chats/c1/messages/m3", map[string]any{"createdAt": int64(300)})
	if c := nextChange(t, sub); c.Kind != remote.Added || c.Doc.ID != "m3" {
		t.Fatalf("live = %+v, want added m3", c)
	}

	if err := s.Update(ctx, "chats/c1/messages/m3", map[string]any{"status": "read"}); err != nil {
		t.Fatal(err)
	}
	c := nextChange(t, sub)
	if c.Kind != remote.Modified || c.Doc.Data["status"] != "read" || c.Doc.Data["createdAt"] != int64(300) {
		t.Fatalf("update = %+v, want modified m3 with merged fields", c)
	}
}

func TestSubscribeReportsDocumentsLeavingTheQuery(t *testing.T) {
	ctx := context.Background()
	s := NewDocs()
	_, _ = s.Write(ctx, "chats/c1", map[string]any{"participants": []string{"alice", "bob"}})

	sub, err := s.Subscribe(ctx, remote.Query{Collection: "chats"}.Where("participants", remote.OpArrayContains, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	nextChange(t, sub)

	_, _ = s.Write(ctx, "chats/c1", map[string]any{"participants": []string{"bob"}})
	if c := nextChange(t, sub); c.Kind != remote.Removed || c.Doc.ID != "c1" {
		t.Fatalf("got %+v, want removed c1", c)
	}
}

func TestSubscribeChangesOnlySkipsExistingDocuments(t *testing.T) {
	ctx := context.Background()
	s := NewDocs()
	_, _ = s.Write(ctx, "chats/c1/messages/m1", map[string]any{"status": "sent"})

	sub, err := s.Subscribe(ctx, remote.Query{Collection: "chats/c1/messages", ChangesOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	select {
	case c := <-sub.Changes():
		t.Fatalf("got %+v before any write", c)
	case <-time.After(50 * time.Millisecond):
	}

	if err := s.Update(ctx, "chats/c1/messages/m1", map[string]any{"status": "read"}); err != nil {
		t.Fatal(err)
	}
	if c := nextChange(t, sub); c.Kind != remote.Modified || c.Doc.ID != "m1" || c.Doc.Data["status"] != "read" {
		t.Fatalf("update = %+v, want modified m1", c)
	}

	_, _ = s.Write(ctx, "chats/c1/messages/m2", map[string]any{"status": "sent"})
	if c := nextChange(t, sub); c.Kind != remote.Added || c.Doc.ID != "m2" {
		t.Fatalf("create = %+v, want added m2", c)
	}

	s.Delete("chats/c1/messages/m1")
	if c := nextChange(t, sub); c.Kind != remote.Removed || c.Doc.ID != "m1" {
		t.Fatalf("delete = %+v, want removed m1", c)
	}
}

func TestCloseUnregistersSubscription(t *testing.T) {
	s := NewDocs()
	sub, err := s.Subscribe(context.Background(), remote.Query{Collection: "chats"})
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()
	sub.Close()

	deadline := time.Now().Add(time.Second)
	for s.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription still registered after Close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOfflineAndFaults(t *testing.T) {
	ctx := context.Background()
	s := NewDocs()

	s.SetOffline(true)
	if _, err := s.Write(ctx, "chats/c1/messages/m1", nil); !errors.Is(err, remote.ErrUnavailable) {
		t.Errorf("offline write err = %v, want ErrUnavailable", err)
	}
	s.SetOffline(false)

	s.SetFault(func(op Op, target string) error {
		if op == OpUpdate {
			return remote.ErrPermissionDenied
		}
		return nil
	})
	if _, err := s.Write(ctx, "chats/c1/messages/m1", map[string]any{"text": "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, "chats/c1/messages/m1", map[string]any{"status": "read"}); !remote.IsPermission(err) {
		t.Errorf("update err = %v, want permission denied", err)
	}
	s.SetFault(nil)

	if err := s.Update(ctx, "chats/c1/messages/missing", nil); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("missing update err = %v, want ErrNotFound", err)
	}
}

func TestEphemeralDisconnectRunsHooks(t *testing.T) {
	ctx := context.Background()
	e := NewEphemeral()

	stream, err := e.Subscribe(ctx, "status/alice")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	if v := <-stream.Values(); v.Exists {
		t.Fatal("initial snapshot should be empty")
	}

	_ = e.OnDisconnectRemove(ctx, "status/alice")
	_ = e.Set(ctx, "status/alice", map[string]any{"status": "online"})
	if v := <-stream.Values(); !v.Exists || v.Data["status"] != "online" {
		t.Fatalf("got %+v, want online", v)
	}

	e.Disconnect()
	if v := <-stream.Values(); v.Exists {
		t.Fatalf("got %+v after disconnect, want removed", v)
	}
	if _, ok := e.Get("status/alice"); ok {
		t.Error("record survived disconnect")
	}
	if e.HasHook("status/alice") {
		t.Error("hook should be consumed by disconnect")
	}
}
