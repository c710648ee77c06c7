package netstate

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

func TestSetPublishesOnlyOnChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("network.", 10)
	defer unsub()

	m := New(b, false, nil)
	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	if len(kinds) != 2 || kinds[0] != bus.NetworkOnline || kinds[1] != bus.NetworkOffline {
		t.Fatalf("kinds = %v, want [online offline]", kinds)
	}
	if m.Online() {
		t.Error("Online() = true after Set(false)")
	}
}

func TestPollDetectsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	b := bus.New()
	ch, unsub := b.Subscribe(bus.NetworkOnline, 1)
	defer unsub()

	m := New(b, false, nil)
	m.Poll(context.Background(), ln.Addr().String(), 50*time.Millisecond)
	defer m.Stop()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("reachability check did not report online")
	}
	m.Stop()
	m.Stop()
}
