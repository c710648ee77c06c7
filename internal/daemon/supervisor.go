package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// supervisor moves the daemon status machine with connectivity: preload on
// the way up, offline on loss, and preload again when the network returns.
type supervisor struct {
	userID  string
	machine *status.Machine
	sync    *chatsync.Orchestrator
	net     *netstate.Monitor
	bus     *bus.Bus
	logger  *zap.Logger
}

func (s *supervisor) run(ctx context.Context) {
	ch, unsub := s.bus.Subscribe("network.", 8)
	defer unsub()

	s.to(status.Connecting)
	s.bootstrap(ctx)
	for {
		select {
		case evt := <-ch:
			switch evt.Kind {
			case bus.NetworkOffline:
				s.to(status.Offline)
			case bus.NetworkOnline:
				if s.machine.Current() == status.Offline {
					s.to(status.Connecting)
					s.bootstrap(ctx)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *supervisor) bootstrap(ctx context.Context) {
	if !s.net.Online() {
		s.to(status.Offline)
		return
	}
	s.to(status.Preloading)
	res, err := s.sync.PreloadRecentChats(ctx, s.userID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("preload failed", zap.Error(err))
		if remote.IsTransient(err) {
			s.to(status.Offline)
		} else {
			s.to(status.Error)
		}
		return
	}
	s.logger.Info("preload done", zap.Int("synced", res.Synced()), zap.Int("failed", res.Failed()))
	s.to(status.Ready)

	if err := s.sync.StartBackgroundSync(ctx); err != nil && !errors.Is(err, chatsync.ErrAlreadySyncing) {
		s.logger.Warn("background sync not started", zap.Error(err))
	}
}

func (s *supervisor) to(st status.State) {
	if s.machine.Current() == st {
		return
	}
	if err := s.machine.Transition(st); err != nil {
		s.logger.Debug("status transition skipped", zap.Error(err))
	}
}
