// Package bus fans payloads out across processes by topic. Delivery is
// at-most-once and FIFO within a topic.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomcast/internal/metrics"
)

var (
	ErrClosed       = errors.New("bus closed")
	ErrBackpressure = errors.New("bus outbox full")
	ErrDisconnected = errors.New("bus disconnected")
)

type Message struct {
	Topic   string
	Payload []byte
}

type Bus interface {
	// Publish hands payload to the bus. It does not wait for delivery.
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) error
	// Unsubscribe is idempotent.
	Unsubscribe(ctx context.Context, topic string) error
	// Messages yields payloads of subscribed topics until Run returns.
	Messages() <-chan Message
	Connected() bool
	// Run drives the transport until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

var DefaultBackoff = Backoff{Base: 50 * time.Millisecond, Max: 2 * time.Second, Attempts: 5}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const outboxSize = 1000

// maxHold bounds how long a payload may wait in the outbox for the transport
// to come back. Older payloads are dropped on delivery.
const maxHold = 30 * time.Second

type sendFunc func(ctx context.Context, topic string, payload []byte) error

type queued struct {
	Message
	at time.Time
}

// outbox serializes publishes through a single goroutine so payloads of one
// topic leave the process in the order they were handed over. While the
// transport is down it holds payloads, up to outboxSize of them, instead of
// spending its retries.
type outbox struct {
	ch        chan queued
	send      sendFunc
	connected func() bool
	backoff   Backoff
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func newOutbox(send sendFunc, connected func() bool, backoff Backoff, logger zerolog.Logger, m *metrics.Metrics) *outbox {
	return &outbox{
		ch:        make(chan queued, outboxSize),
		send:      send,
		connected: connected,
		backoff:   backoff,
		logger:    logger,
		metrics:   m,
	}
}

func (o *outbox) enqueue(topic string, payload []byte) error {
	select {
	case o.ch <- queued{Message: Message{Topic: topic, Payload: payload}, at: time.Now()}:
		return nil
	default:
		o.metrics.BusPublishFailed.Inc()
		return ErrBackpressure
	}
}

func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.ch:
			if !o.waitConnected(ctx) {
				return
			}
			if held := time.Since(msg.at); held > maxHold {
				o.metrics.BusPublishFailed.Inc()
				o.logger.Warn().Str("topic", msg.Topic).Dur("held", held).Msg("dropping bus payload held through an outage")
				continue
			}
			o.deliver(ctx, msg.Message)
		}
	}
}

// waitConnected blocks while the transport is down. It reports false when ctx
// ends first.
func (o *outbox) waitConnected(ctx context.Context) bool {
	if o.connected == nil || o.connected() {
		return true
	}
	o.logger.Debug().Int("queued", len(o.ch)+1).Msg("bus down, holding outbox")
	for !o.connected() {
		if sleepCtx(ctx, o.backoff.Base) != nil {
			return false
		}
	}
	return true
}

func (o *outbox) deliver(ctx context.Context, msg Message) {
	var err error
	for attempt := 1; attempt <= o.backoff.Attempts; attempt++ {
		if err = o.send(ctx, msg.Topic, msg.Payload); err == nil {
			o.metrics.BusPublished.Inc()
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == o.backoff.Attempts {
			break
		}
		if sleepCtx(ctx, o.backoff.Delay(attempt)) != nil {
			return
		}
	}
	o.metrics.BusPublishFailed.Inc()
	o.logger.Error().Err(err).Str("topic", msg.Topic).Int("attempts", o.backoff.Attempts).Msg("dropping bus payload")
}

// topicSet tracks the topics a process is subscribed to so they can be
// restored after a reconnect.
type topicSet struct {
	mu     sync.Mutex
	topics map[string]struct{}
}

func newTopicSet() *topicSet {
	return &topicSet{topics: map[string]struct{}{}}
}

func (s *topicSet) add(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[topic]; ok {
		return false
	}
	s.topics[topic] = struct{}{}
	return true
}

func (s *topicSet) remove(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[topic]; !ok {
		return false
	}
	delete(s.topics, topic)
	return true
}

func (s *topicSet) has(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *topicSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}
