// Package redisstore implements remote.EphemeralStore on Redis. Records with a
// disconnect hook carry a TTL that a heartbeat keeps refreshing; when the
// process dies the heartbeat stops and Redis expires them.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options tune key naming and disconnect detection.
type Options struct {
	Prefix    string
	TTL       time.Duration
	Heartbeat time.Duration
}

func (o *Options) defaults() {
	if o.Prefix == "" {
		o.Prefix = "chatsync:"
	}
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.Heartbeat <= 0 || o.Heartbeat >= o.TTL {
		o.Heartbeat = o.TTL / 3
	}
}

// Store is a Redis-backed ephemeral store.
type Store struct {
	rdb    *redis.Client
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	hooked map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New wraps rdb. Call Start to begin refreshing disconnect hooks.
func New(rdb *redis.Client, opts Options, logger *zap.Logger) *Store {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rdb:    rdb,
		opts:   opts,
		logger: logger,
		hooked: make(map[string]struct{}),
	}
}

// Start launches the heartbeat and asks Redis to publish expiry events so
// subscribers see records removed by a dead client.
func (s *Store) Start(ctx context.Context) {
	if err := s.rdb.ConfigSet(ctx, "notify-keyspace-events", "Kgx").Err(); err != nil {
		s.logger.Warn("could not enable keyspace events; expiry will not be pushed to subscribers", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.heartbeat(ctx)
			}
		}
	}()
}

// Stop halts the heartbeat. Hooked records then expire after the TTL.
func (s *Store) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Store) heartbeat(ctx context.Context) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.hooked))
	for p := range s.hooked {
		paths = append(paths, p)
	}
	s.mu.Unlock()
	if len(paths) == 0 {
		return
	}

	pipe := s.rdb.Pipeline()
	for _, p := range paths {
		pipe.PExpire(ctx, s.key(p), s.opts.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Debug("presence heartbeat failed", zap.Error(err))
	}
}

func (s *Store) key(path string) string     { return s.opts.Prefix + path }
func (s *Store) channel(path string) string { return s.opts.Prefix + "events:" + path }

func (s *Store) isHooked(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hooked[path]
	return ok
}

// Set stores value at path and notifies subscribers.
func (s *Store) Set(ctx context.Context, path string, value map[string]any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	var ttl time.Duration
	if s.isHooked(path) {
		ttl = s.opts.TTL
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(path), payload, ttl)
	pipe.Publish(ctx, s.channel(path), "set")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set %s: %w", path, classify(err))
	}
	return nil
}

// Remove deletes path, drops its disconnect hook, and notifies subscribers.
func (s *Store) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	delete(s.hooked, path)
	s.mu.Unlock()

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.key(path))
	pipe.Publish(ctx, s.channel(path), "del")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", path, classify(err))
	}
	return nil
}

// OnDisconnectRemove makes path expire unless this process keeps it alive.
func (s *Store) OnDisconnectRemove(ctx context.Context, path string) error {
	s.mu.Lock()
	s.hooked[path] = struct{}{}
	s.mu.Unlock()

	if err := s.rdb.PExpire(ctx, s.key(path), s.opts.TTL).Err(); err != nil {
		return fmt.Errorf("on disconnect %s: %w", path, classify(err))
	}
	return nil
}

// Subscribe streams snapshots of path. It listens to the store's own change
// channel and to keyspace events, so expiry is observed as removal.
func (s *Store) Subscribe(ctx context.Context, path string) (remote.ValueStream, error) {
	keyspace := fmt.Sprintf("__keyspace@%d__:%s", s.rdb.Options().DB, s.key(path))
	ps := s.rdb.Subscribe(ctx, s.channel(path), keyspace)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, classify(err))
	}

	stream := remote.NewValueStream()
	v, err := s.snapshot(ctx, path)
	if err != nil {
		_ = ps.Close()
		stream.Close()
		return nil, err
	}
	stream.Send(v)

	go func() {
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				stream.Close()
				return
			case <-stream.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					stream.Fail(fmt.Errorf("subscribe %s: %w", path, remote.ErrUnavailable))
					return
				}
				v, err := s.snapshot(ctx, path)
				if err != nil {
					s.logger.Debug("ephemeral snapshot failed", zap.String("path", path), zap.Error(err))
					continue
				}
				stream.Send(v)
			}
		}
	}()
	return stream, nil
}

func (s *Store) snapshot(ctx context.Context, path string) (remote.Value, error) {
	raw, err := s.rdb.Get(ctx, s.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return remote.Value{Path: path}, nil
	}
	if err != nil {
		return remote.Value{}, fmt.Errorf("get %s: %w", path, classify(err))
	}
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return remote.Value{}, fmt.Errorf("get %s: %w", path, err)
	}
	return remote.Value{Path: path, Data: data, Exists: true}, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if strings.HasPrefix(err.Error(), "NOPERM") {
		return fmt.Errorf("%w: %v", remote.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
}

var _ remote.EphemeralStore = (*Store)(nil)
