package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomcast/internal/metrics"
)

func TestBackoffDelayIsCapped(t *testing.T) {
	want := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		if got := DefaultBackoff.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
	if DefaultBackoff.Attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", DefaultBackoff.Attempts)
	}
}

func TestMemoryHubFanoutFIFO(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()
	a := hub.Connect(zerolog.Nop(), metrics.Global())
	b := hub.Connect(zerolog.Nop(), metrics.Global())
	go a.Run(ctx)
	go b.Run(ctx)

	if err := b.Subscribe(ctx, "room:x"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := a.Publish(ctx, "room:x", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := a.Publish(ctx, "room:other", []byte("ignored")); err != nil {
		t.Fatalf("publish other: %v", err)
	}

	for i := 0; i < 20; i++ {
		msg := recv(t, b.Messages())
		if msg.Topic != "room:x" || string(msg.Payload) != fmt.Sprintf("%d", i) {
			t.Fatalf("message %d out of order: %s %s", i, msg.Topic, msg.Payload)
		}
	}
	select {
	case msg := <-b.Messages():
		t.Fatalf("unexpected message %s %s", msg.Topic, msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusRetriesWhileDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()
	a := hub.Connect(zerolog.Nop(), metrics.Global())
	b := hub.Connect(zerolog.Nop(), metrics.Global())
	go a.Run(ctx)
	go b.Run(ctx)
	_ = b.Subscribe(ctx, "presence")

	a.SetConnected(false)
	if a.Connected() {
		t.Fatalf("expected disconnected bus")
	}
	if err := a.Publish(ctx, "presence", []byte("late")); err != nil {
		t.Fatalf("publish must accept while disconnected: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	a.SetConnected(true)

	msg := recv(t, b.Messages())
	if string(msg.Payload) != "late" {
		t.Fatalf("unexpected payload %q", msg.Payload)
	}
}

func TestMemoryBusHoldsOutboxThroughLongOutage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewMemoryHub()
	a := hub.Connect(zerolog.Nop(), metrics.Global())
	b := hub.Connect(zerolog.Nop(), metrics.Global())
	go a.Run(ctx)
	go b.Run(ctx)
	_ = b.Subscribe(ctx, "room:r1")

	a.SetConnected(false)
	for i := 0; i < 3; i++ {
		if err := a.Publish(ctx, "room:r1", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	// Longer than the whole retry budget of DefaultBackoff.
	time.Sleep(time.Second)
	select {
	case msg := <-b.Messages():
		t.Fatalf("delivered while disconnected: %s", msg.Payload)
	default:
	}
	a.SetConnected(true)

	for i := 0; i < 3; i++ {
		msg := recv(t, b.Messages())
		if want := fmt.Sprintf("m%d", i); string(msg.Payload) != want {
			t.Fatalf("expected %s, got %s", want, msg.Payload)
		}
	}
}

func TestRedisBusDeliversInOrder(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewRedis(RedisConfig{Client: rdb, Logger: zerolog.Nop(), Metrics: metrics.Global(), PingInterval: 200 * time.Millisecond})
	go b.Run(ctx)
	waitFor(t, 2*time.Second, b.Connected)

	if err := b.Subscribe(ctx, "room:abc"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	awaitSubscribed(t, ctx, b, "room:abc")

	for i := 0; i < 30; i++ {
		if err := b.Publish(ctx, "room:abc", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i := 0; i < 30; i++ {
		msg := recv(t, b.Messages())
		if string(msg.Payload) != fmt.Sprintf("m%d", i) {
			t.Fatalf("expected m%d, got %s", i, msg.Payload)
		}
	}

	if err := b.Unsubscribe(ctx, "room:abc"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := b.Unsubscribe(ctx, "room:abc"); err != nil {
		t.Fatalf("second unsubscribe must be a no-op: %v", err)
	}
}

func TestRedisBusResubscribesAfterRestart(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewRedis(RedisConfig{Client: rdb, Logger: zerolog.Nop(), Metrics: metrics.Global(), PingInterval: 100 * time.Millisecond})
	go b.Run(ctx)
	waitFor(t, 2*time.Second, b.Connected)
	_ = b.Subscribe(ctx, "presence")
	awaitSubscribed(t, ctx, b, "presence")

	mr.Close()
	waitFor(t, 3*time.Second, func() bool { return !b.Connected() })
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	waitFor(t, 5*time.Second, b.Connected)
	awaitSubscribed(t, ctx, b, "presence")
}

// awaitSubscribed publishes until the subscription is observed, since
// SUBSCRIBE and PUBLISH travel on different connections.
func awaitSubscribed(t *testing.T, ctx context.Context, b Bus, topic string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = b.Publish(ctx, topic, []byte("ping"))
		select {
		case msg := <-b.Messages():
			if string(msg.Payload) == "ping" {
				drain(b.Messages())
				return
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatalf("subscription to %s never became active", topic)
}

func drain(ch <-chan Message) {
	for {
		select {
		case <-ch:
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for bus message")
	}
	return Message{}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
