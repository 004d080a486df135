package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"roomcast/internal/metrics"
)

// MemoryHub connects in-process buses. Several MemoryBus instances on one hub
// behave like separate processes sharing a broker.
type MemoryHub struct {
	mu    sync.RWMutex
	buses map[*MemoryBus]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{buses: map[*MemoryBus]struct{}{}}
}

// Connect returns a new bus attached to the hub.
func (h *MemoryHub) Connect(logger zerolog.Logger, m *metrics.Metrics) *MemoryBus {
	if m == nil {
		m = metrics.Global()
	}
	logger = logger.With().Str("component", "bus").Str("transport", "memory").Logger()
	b := &MemoryBus{
		hub:    h,
		topics: newTopicSet(),
		msgs:   make(chan Message, 1024),
		done:   make(chan struct{}),
		logger: logger,
	}
	b.connected.Store(true)
	b.out = newOutbox(b.send, b.connected.Load, DefaultBackoff, logger, m)
	h.mu.Lock()
	h.buses[b] = struct{}{}
	h.mu.Unlock()
	return b
}

func (h *MemoryHub) fanout(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for b := range h.buses {
		b.receive(topic, payload)
	}
}

func (h *MemoryHub) remove(b *MemoryBus) {
	h.mu.Lock()
	delete(h.buses, b)
	h.mu.Unlock()
}

// MemoryBus is an in-process Bus. A subscriber that falls behind loses
// messages rather than stalling the publisher.
type MemoryBus struct {
	hub    *MemoryHub
	out    *outbox
	topics *topicSet
	logger zerolog.Logger

	mu        sync.Mutex
	msgs      chan Message
	done      chan struct{}
	stopped   bool
	connected atomic.Bool
	closed    atomic.Bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemory returns a standalone in-process bus for single-process deployments.
func NewMemory(logger zerolog.Logger, m *metrics.Metrics) *MemoryBus {
	return NewMemoryHub().Connect(logger, m)
}

func (b *MemoryBus) send(_ context.Context, topic string, payload []byte) error {
	if !b.connected.Load() {
		return ErrDisconnected
	}
	b.hub.fanout(topic, payload)
	return nil
}

func (b *MemoryBus) receive(topic string, payload []byte) {
	if !b.connected.Load() || !b.topics.has(topic) {
		return
	}
	cp := append([]byte(nil), payload...)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	select {
	case b.msgs <- Message{Topic: topic, Payload: cp}:
	default:
		b.logger.Warn().Str("topic", topic).Msg("memory bus subscriber full, dropping payload")
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.out.enqueue(topic, payload)
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) error {
	b.topics.add(topic)
	return nil
}

func (b *MemoryBus) Unsubscribe(_ context.Context, topic string) error {
	b.topics.remove(topic)
	return nil
}

func (b *MemoryBus) Messages() <-chan Message {
	return b.msgs
}

func (b *MemoryBus) Connected() bool {
	return b.connected.Load()
}

// SetConnected simulates a transport outage.
func (b *MemoryBus) SetConnected(v bool) {
	b.connected.Store(v)
}

func (b *MemoryBus) Run(ctx context.Context) error {
	go b.out.run(ctx)
	select {
	case <-ctx.Done():
	case <-b.done:
	}
	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.msgs)
	}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.hub.remove(b)
	close(b.done)
	return nil
}
