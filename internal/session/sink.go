// Package session tracks the client sessions attached to this process and
// routes frames between them and the bus.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"roomcast/internal/metrics"
	"roomcast/internal/protocol"
)

var ErrSinkClosed = errors.New("sink closed")

const (
	DefaultQueueSize         = 1000
	DefaultSlowConsumerLimit = 100

	dropWindow = time.Minute
)

// Sink is the outgoing side of one client session. Frames are queued in a
// bounded FIFO; when it is full the oldest frame is dropped. Too many drops
// within a minute mark the sink as a slow consumer and close it.
type Sink struct {
	ID            string
	User          protocol.Sender
	Room          uuid.UUID
	KeepStreaming bool

	limit   int
	size    int
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	queue  [][]byte
	drops  []time.Time
	closed bool
	slow   bool

	notify chan struct{}
	done   chan struct{}

	// onSlow runs once, outside the lock, when the sink is force-closed.
	onSlow func(*Sink)
}

type SinkOptions struct {
	QueueSize         int
	SlowConsumerLimit int
	KeepStreaming     bool
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

func NewSink(user protocol.Sender, room uuid.UUID, opts SinkOptions) *Sink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SlowConsumerLimit < 0 {
		opts.SlowConsumerLimit = DefaultSlowConsumerLimit
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Global()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sink{
		ID:            ulid.Make().String(),
		User:          user,
		Room:          room,
		KeepStreaming: opts.KeepStreaming,
		limit:         opts.SlowConsumerLimit,
		size:          opts.QueueSize,
		metrics:       opts.Metrics,
		now:           opts.Now,
		queue:         make([][]byte, 0, 16),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Push enqueues frame. It never blocks and reports false once the sink is
// closed.
func (s *Sink) Push(frame []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	forceClose := false
	if len(s.queue) >= s.size {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.metrics.FramesDropped.Inc()
		now := s.now()
		s.drops = append(s.drops, now)
		s.pruneDrops(now)
		if len(s.drops) > s.limit {
			forceClose = true
		}
	}
	if forceClose {
		s.slow = true
		s.closeLocked()
		cb := s.onSlow
		s.mu.Unlock()
		if cb != nil {
			cb(s)
		}
		return false
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Sink) pruneDrops(now time.Time) {
	cut := 0
	for cut < len(s.drops) && now.Sub(s.drops[cut]) > dropWindow {
		cut++
	}
	if cut > 0 {
		s.drops = append(s.drops[:0], s.drops[cut:]...)
	}
}

// Next blocks until a frame is available, the sink is closed or ctx is done.
func (s *Sink) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			frame := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return frame, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrSinkClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Close drops pending frames and wakes the writer.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Sink) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

func (s *Sink) Done() <-chan struct{} {
	return s.done
}

func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Slow reports whether the sink was closed as a slow consumer.
func (s *Sink) Slow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slow
}

func (s *Sink) setOnSlow(fn func(*Sink)) {
	s.mu.Lock()
	s.onSlow = fn
	s.mu.Unlock()
}
