package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomcast/internal/metrics"
)

type RedisConfig struct {
	Client       *redis.Client
	Backoff      Backoff
	PingInterval time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// RedisBus is a Bus over redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	rdb          *redis.Client
	backoff      Backoff
	pingInterval time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	out    *outbox
	topics *topicSet
	msgs   chan Message

	mu        sync.Mutex
	ps        *redis.PubSub
	connected atomic.Bool
	closed    atomic.Bool
}

var _ Bus = (*RedisBus)(nil)

func NewRedis(cfg RedisConfig) *RedisBus {
	if cfg.Backoff.Attempts == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	logger := cfg.Logger.With().Str("component", "bus").Str("transport", "redis").Logger()
	b := &RedisBus{
		rdb:          cfg.Client,
		backoff:      cfg.Backoff,
		pingInterval: cfg.PingInterval,
		logger:       logger,
		metrics:      m,
		topics:       newTopicSet(),
		msgs:         make(chan Message, 1024),
	}
	b.out = newOutbox(func(ctx context.Context, topic string, payload []byte) error {
		return b.rdb.Publish(ctx, topic, payload).Err()
	}, b.connected.Load, cfg.Backoff, logger, m)
	return b
}

func (b *RedisBus) Publish(_ context.Context, topic string, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.out.enqueue(topic, payload)
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) error {
	if !b.topics.add(topic) {
		return nil
	}
	b.mu.Lock()
	ps := b.ps
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	if err := ps.Subscribe(ctx, topic); err != nil {
		// The topic stays recorded and is restored by the next reconnect.
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Unsubscribe(ctx context.Context, topic string) error {
	if !b.topics.remove(topic) {
		return nil
	}
	b.mu.Lock()
	ps := b.ps
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	if err := ps.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Messages() <-chan Message {
	return b.msgs
}

func (b *RedisBus) Connected() bool {
	return b.connected.Load()
}

func (b *RedisBus) Run(ctx context.Context) error {
	defer close(b.msgs)
	go b.out.run(ctx)

	failures := 0
	for ctx.Err() == nil && !b.closed.Load() {
		ps, err := b.connect(ctx)
		if err != nil {
			failures++
			b.metrics.BusReconnects.Inc()
			delay := b.backoff.Delay(failures)
			ev := b.logger.Warn()
			if failures > b.backoff.Attempts {
				ev = b.logger.Error()
			}
			ev.Err(err).Int("attempt", failures).Dur("backoff", delay).Msg("bus connect failed")
			if sleepCtx(ctx, delay) != nil {
				break
			}
			continue
		}

		failures = 0
		b.connected.Store(true)
		b.logger.Info().Int("topics", len(b.topics.list())).Msg("bus connected")

		err = b.pump(ctx, ps)

		b.connected.Store(false)
		b.mu.Lock()
		b.ps = nil
		b.mu.Unlock()
		_ = ps.Close()
		if ctx.Err() != nil || b.closed.Load() {
			break
		}
		b.logger.Warn().Err(err).Msg("bus connection lost")
	}
	return nil
}

func (b *RedisBus) connect(ctx context.Context) (*redis.PubSub, error) {
	ps := b.rdb.Subscribe(ctx)
	// Publish ps before listing topics so a concurrent Subscribe either lands
	// in the list or subscribes on ps itself.
	b.mu.Lock()
	b.ps = ps
	b.mu.Unlock()

	fail := func(err error) (*redis.PubSub, error) {
		b.mu.Lock()
		b.ps = nil
		b.mu.Unlock()
		_ = ps.Close()
		return nil, err
	}
	if topics := b.topics.list(); len(topics) > 0 {
		if err := ps.Subscribe(ctx, topics...); err != nil {
			return fail(fmt.Errorf("resubscribe: %w", err))
		}
	}
	if err := ps.Ping(ctx); err != nil {
		return fail(fmt.Errorf("ping: %w", err))
	}
	return ps, nil
}

func (b *RedisBus) pump(ctx context.Context, ps *redis.PubSub) error {
	for {
		raw, err := ps.ReceiveTimeout(ctx, b.pingInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if err := ps.Ping(ctx); err != nil {
					return err
				}
				continue
			}
			return err
		}
		msg, ok := raw.(*redis.Message)
		if !ok {
			continue
		}
		if !b.topics.has(msg.Channel) {
			continue
		}
		select {
		case b.msgs <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *RedisBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	ps := b.ps
	b.mu.Unlock()
	if ps != nil {
		return ps.Close()
	}
	return nil
}
