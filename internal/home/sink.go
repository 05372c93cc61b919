package home

import (
	"sync"

	"mercury/internal/errs"
	"mercury/internal/proto"
)

type PushResult int

const (
	// Delivered: handed to the attached listener.
	Delivered PushResult = iota
	// Buffered: queued until a listener attaches.
	Buffered
	// Overflowed: queued, but the oldest queued item was dropped for it.
	Overflowed
)

// ServerSink queues items for a listener that may not be attached yet.
//
// It starts in buffer state. Attach flushes the queue in order into a new
// channel and switches to sender state; a later Attach hands the old
// channel a ChannelSuperseded error and closes it. Pushes never block: a
// full or closed listener fails with FailedToSend.
type ServerSink[T any] struct {
	mu     sync.Mutex
	buffer []T
	sender chan proto.Result[T]
	limit  int
	closed bool
}

// NewServerSink bounds the queue at limit items, dropping the oldest on
// overflow. limit <= 0 means unbounded.
func NewServerSink[T any](limit int) *ServerSink[T] {
	return &ServerSink[T]{limit: limit}
}

// Attach makes a new listener channel the sink of record. The channel has
// room for every queued item plus capacity live ones.
func (s *ServerSink[T]) Attach(capacity int) <-chan proto.Result[T] {
	if capacity < 1 {
		capacity = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// one extra slot so a terminal error always fits
	ch := make(chan proto.Result[T], len(s.buffer)+capacity+1)
	if s.closed {
		close(ch)
		return ch
	}
	for _, item := range s.buffer {
		ch <- proto.Ok(item)
	}
	s.buffer = nil
	s.terminateLocked(errs.New(errs.ChannelSuperseded, "a newer listener attached"))
	s.sender = ch
	return ch
}

// Detach returns the sink to buffer state if ch is still the listener.
// Items already sent to ch stay there.
func (s *ServerSink[T]) Detach(ch <-chan proto.Result[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil || (<-chan proto.Result[T])(s.sender) != ch {
		return false
	}
	close(s.sender)
	s.sender = nil
	return true
}

func (s *ServerSink[T]) Push(item T) (PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Delivered, errs.New(errs.FailedToSend, "sink closed")
	}
	if s.sender == nil {
		res := Buffered
		if s.limit > 0 && len(s.buffer) >= s.limit {
			var zero T
			s.buffer[0] = zero
			s.buffer = s.buffer[1:]
			res = Overflowed
		}
		s.buffer = append(s.buffer, item)
		return res, nil
	}
	if len(s.sender) >= cap(s.sender)-1 {
		return Delivered, errs.New(errs.FailedToSend, "listener is not keeping up")
	}
	s.sender <- proto.Ok(item)
	return Delivered, nil
}

// Supersede ends the current listener with a ChannelSuperseded error and
// stops accepting items.
func (s *ServerSink[T]) Supersede() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked(errs.New(errs.ChannelSuperseded, "session replaced by a newer login"))
	s.buffer = nil
	s.closed = true
}

// Close ends the current listener and stops accepting items.
func (s *ServerSink[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender != nil {
		close(s.sender)
		s.sender = nil
	}
	s.buffer = nil
	s.closed = true
}

func (s *ServerSink[T]) terminateLocked(err error) {
	if s.sender == nil {
		return
	}
	select {
	case s.sender <- proto.Fail[T](err):
	default:
	}
	close(s.sender)
	s.sender = nil
}

// Pending is the number of queued items.
func (s *ServerSink[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *ServerSink[T]) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender != nil
}
