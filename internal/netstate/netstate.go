// Package netstate tracks whether the remote side is reachable.
package netstate

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Monitor holds the current connectivity state and announces changes on the bus.
type Monitor struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	online bool
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor starting in the given state.
func New(b *bus.Bus, online bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{bus: b, online: online, logger: logger}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the state and publishes network.online or network.offline when it changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}
	kind := bus.NetworkOffline
	if online {
		kind = bus.NetworkOnline
	}
	m.logger.Info("network state changed", zap.Bool("online", online))
	if m.bus != nil {
		m.bus.Emit(kind, nil)
	}
}

// Poll dials addr over TCP every interval and feeds the result into Set.
// An empty addr disables it.
func (m *Monitor) Poll(ctx context.Context, addr string, interval time.Duration) {
	if addr == "" || interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			m.Set(reachable(ctx, addr, interval))
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends polling.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func reachable(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
