package remote

import "sync"

// Stream is an unbounded, closable event queue that backs subscription
// implementations. Producers never block on a slow consumer.
type Stream[T any] struct {
	out    chan T
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	queue  []T
	failed bool
	err    error
}

// NewStream starts a stream and its delivery goroutine.
func NewStream[T any]() *Stream[T] {
	s := &Stream[T]{
		out:    make(chan T),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Send queues v for delivery. It is a no-op once the stream is closed or failed.
func (s *Stream[T]) Send(v T) {
	s.mu.Lock()
	if s.failed || s.isDone() {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.signal()
}

// Fail ends the stream with err after the queued items are delivered.
func (s *Stream[T]) Fail(err error) {
	s.mu.Lock()
	if !s.failed {
		s.failed = true
		s.err = err
	}
	s.mu.Unlock()
	s.signal()
}

// Close ends the stream immediately. Safe to call more than once.
func (s *Stream[T]) Close() {
	s.once.Do(func() { close(s.done) })
}

// Done is closed once the consumer closes the stream.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Out returns the delivery channel.
func (s *Stream[T]) Out() <-chan T {
	return s.out
}

// Err returns the failure that ended the stream, if any.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream[T]) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream[T]) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			failed := s.failed
			s.mu.Unlock()
			if failed {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}

// ChangeStream adapts a Stream of document changes to Subscription.
type ChangeStream struct {
	*Stream[Change]
}

// NewChangeStream starts a stream of document changes.
func NewChangeStream() ChangeStream {
	return ChangeStream{NewStream[Change]()}
}

// Changes returns the delivery channel.
func (s ChangeStream) Changes() <-chan Change { return s.Out() }

// ValueStreamOf adapts a Stream of ephemeral values to ValueStream.
type ValueStreamOf struct {
	*Stream[Value]
}

// NewValueStream starts a stream of ephemeral snapshots.
func NewValueStream() ValueStreamOf {
	return ValueStreamOf{NewStream[Value]()}
}

// Values returns the delivery channel.
func (s ValueStreamOf) Values() <-chan Value { return s.Out() }
