package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type publishedKey struct {
	exchange string
	key      string
	body     string
}

// fakeChannel records bindings and publishes of one broker connection.
type fakeChannel struct {
	deliveries chan amqp.Delivery
	closed     chan *amqp.Error

	mu        sync.Mutex
	bound     map[string]bool
	published []publishedKey
	shut      bool
}

func (c *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(string, bool, bool, bool, bool, amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: "amq.gen-test"}, nil
}

func (c *fakeChannel) QueueBind(_, key, _ string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound[key] = true
	return nil
}

func (c *fakeChannel) QueueUnbind(_, key, _ string, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bound, key)
	return nil
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shut {
		return errors.New("channel closed")
	}
	c.published = append(c.published, publishedKey{exchange: exchange, key: key, body: string(msg.Body)})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shut = true
	return nil
}

func (c *fakeChannel) bindings() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]bool{}
	for k := range c.bound {
		out[k] = true
	}
	return out
}

func (c *fakeChannel) publishes() []publishedKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedKey(nil), c.published...)
}

// drop simulates the broker closing the connection.
func (c *fakeChannel) drop() {
	c.closed <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
}

type fakeBroker struct {
	mu    sync.Mutex
	links []*fakeChannel
}

func (f *fakeBroker) dial(string) (amqpLink, error) {
	ch := &fakeChannel{
		deliveries: make(chan amqp.Delivery, 16),
		closed:     make(chan *amqp.Error, 1),
		bound:      map[string]bool{},
	}
	f.mu.Lock()
	f.links = append(f.links, ch)
	f.mu.Unlock()
	return amqpLink{ch: ch, closed: ch.closed, close: func() error { return nil }}, nil
}

func (f *fakeBroker) link(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.links) {
		return nil
	}
	return f.links[i]
}

func (f *fakeBroker) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func TestRoutingKeyMapping(t *testing.T) {
	cases := []struct{ topic, key string }{
		{"room:6f1c2a8e-0c4b-4b8e-9a7d-2f0e1b3c4d5e", "room.6f1c2a8e-0c4b-4b8e-9a7d-2f0e1b3c4d5e"},
		{"presence", "presence"},
		{"control", "control"},
	}
	for _, c := range cases {
		topic, key := c.topic, c.key
		if got := routingKey(topic); got != key {
			t.Fatalf("routingKey(%q) = %q, want %q", topic, got, key)
		}
		if got := topicOf(key); got != topic {
			t.Fatalf("topicOf(%q) = %q, want %q", key, got, topic)
		}
	}
}

func TestAMQPBusRebindsAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := &fakeBroker{}
	b := newAMQP(AMQPConfig{
		Exchange: "test.bus",
		Backoff:  Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Attempts: 3},
		Logger:   zerolog.Nop(),
	}, broker.dial)

	// Recorded before the first connect and bound by it.
	if err := b.Subscribe(ctx, "room:r1"); err != nil {
		t.Fatalf("subscribe before run: %v", err)
	}
	go b.Run(ctx)
	waitFor(t, 2*time.Second, func() bool { return b.Connected() && broker.dials() == 1 })

	first := broker.link(0)
	if got := first.bindings(); !got["room.r1"] || len(got) != 1 {
		t.Fatalf("expected room.r1 bound on connect, got %v", got)
	}

	if err := b.Subscribe(ctx, "presence"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Unsubscribe(ctx, "room:r1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := first.bindings(); !got["presence"] || got["room.r1"] {
		t.Fatalf("expected live bind and unbind, got %v", got)
	}

	if err := b.Publish(ctx, "room:r2", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(first.publishes()) == 1 })
	if p := first.publishes()[0]; p.exchange != "test.bus" || p.key != "room.r2" || p.body != "hello" {
		t.Fatalf("unexpected publish %+v", p)
	}

	first.deliveries <- amqp.Delivery{RoutingKey: "room.r1", Body: []byte("stale")}
	first.deliveries <- amqp.Delivery{RoutingKey: "presence", Body: []byte("one")}
	if msg := recv(t, b.Messages()); msg.Topic != "presence" || string(msg.Payload) != "one" {
		t.Fatalf("expected presence delivery only, got %s %s", msg.Topic, msg.Payload)
	}

	first.drop()
	waitFor(t, 2*time.Second, func() bool { return broker.dials() == 2 && b.Connected() })
	second := broker.link(1)
	if got := second.bindings(); !got["presence"] || len(got) != 1 {
		t.Fatalf("expected presence rebound after reconnect, got %v", got)
	}
	second.deliveries <- amqp.Delivery{RoutingKey: "presence", Body: []byte("two")}
	if msg := recv(t, b.Messages()); msg.Topic != "presence" || string(msg.Payload) != "two" {
		t.Fatalf("unexpected delivery after reconnect %s %s", msg.Topic, msg.Payload)
	}
}

func TestAMQPBusHoldsPublishesUntilConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		failed int
	)
	broker := &fakeBroker{}
	dial := func(url string) (amqpLink, error) {
		mu.Lock()
		defer mu.Unlock()
		if failed < 3 {
			failed++
			return amqpLink{}, errors.New("connection refused")
		}
		return broker.dial(url)
	}
	b := newAMQP(AMQPConfig{
		Backoff: Backoff{Base: 10 * time.Millisecond, Max: 400 * time.Millisecond, Attempts: 3},
		Logger:  zerolog.Nop(),
	}, dial)

	if err := b.Publish(ctx, "control", []byte("early")); err != nil {
		t.Fatalf("publish before connect: %v", err)
	}
	go b.Run(ctx)
	waitFor(t, 3*time.Second, func() bool {
		l := broker.link(0)
		return l != nil && len(l.publishes()) == 1
	})
	if p := broker.link(0).publishes()[0]; p.key != "control" || p.body != "early" || p.exchange != "roomcast.bus" {
		t.Fatalf("unexpected publish %+v", p)
	}
}
