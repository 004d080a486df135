package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"roomcast/internal/metrics"
)

type AMQPConfig struct {
	URL      string
	Exchange string
	Backoff  Backoff
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// amqpChannel is the part of *amqp.Channel the bus uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// amqpLink is one broker connection with its channel.
type amqpLink struct {
	ch     amqpChannel
	closed <-chan *amqp.Error
	close  func() error
}

type amqpDialer func(url string) (amqpLink, error)

func dialAMQP(url string) (amqpLink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return amqpLink{}, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return amqpLink{}, fmt.Errorf("channel: %w", err)
	}
	return amqpLink{
		ch:     ch,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		close:  conn.Close,
	}, nil
}

// routingKey maps a topic onto the exchange's dot-separated key space, so
// "room:<id>" is published as "room.<id>" and operators can bind "room.#".
// Topics never contain dots.
func routingKey(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// topicOf reverses routingKey.
func topicOf(key string) string {
	return strings.ReplaceAll(key, ".", ":")
}

// AMQPBus maps topics to routing keys on a topic exchange. Each process
// consumes from its own exclusive, auto-deleted queue.
type AMQPBus struct {
	url      string
	exchange string
	backoff  Backoff
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	dial     amqpDialer

	out    *outbox
	topics *topicSet
	msgs   chan Message

	mu        sync.Mutex
	link      *amqpLink
	queue     string
	connected atomic.Bool
	closed    atomic.Bool
}

var _ Bus = (*AMQPBus)(nil)

func NewAMQP(cfg AMQPConfig) *AMQPBus {
	return newAMQP(cfg, dialAMQP)
}

func newAMQP(cfg AMQPConfig, dial amqpDialer) *AMQPBus {
	if cfg.Backoff.Attempts == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "roomcast.bus"
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	logger := cfg.Logger.With().Str("component", "bus").Str("transport", "amqp").Logger()
	b := &AMQPBus{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		backoff:  cfg.Backoff,
		logger:   logger,
		metrics:  m,
		dial:     dial,
		topics:   newTopicSet(),
		msgs:     make(chan Message, 1024),
	}
	b.out = newOutbox(b.send, b.connected.Load, cfg.Backoff, logger, m)
	return b
}

func (b *AMQPBus) channel() (amqpChannel, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link == nil {
		return nil, ""
	}
	return b.link.ch, b.queue
}

func (b *AMQPBus) send(ctx context.Context, topic string, payload []byte) error {
	ch, _ := b.channel()
	if ch == nil {
		return ErrDisconnected
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(pctx,
		b.exchange,
		routingKey(topic),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
			Timestamp:   time.Now(),
		},
	)
}

func (b *AMQPBus) Publish(_ context.Context, topic string, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.out.enqueue(topic, payload)
}

// Subscribe records topic and binds it right away when connected. Topics
// recorded while disconnected are bound by the next connect.
func (b *AMQPBus) Subscribe(_ context.Context, topic string) error {
	if !b.topics.add(topic) {
		return nil
	}
	ch, queue := b.channel()
	if ch == nil {
		return nil
	}
	if err := ch.QueueBind(queue, routingKey(topic), b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", topic, err)
	}
	return nil
}

func (b *AMQPBus) Unsubscribe(_ context.Context, topic string) error {
	if !b.topics.remove(topic) {
		return nil
	}
	ch, queue := b.channel()
	if ch == nil {
		return nil
	}
	if err := ch.QueueUnbind(queue, routingKey(topic), b.exchange, nil); err != nil {
		return fmt.Errorf("unbind %s: %w", topic, err)
	}
	return nil
}

func (b *AMQPBus) Messages() <-chan Message {
	return b.msgs
}

func (b *AMQPBus) Connected() bool {
	return b.connected.Load()
}

func (b *AMQPBus) Run(ctx context.Context) error {
	defer close(b.msgs)
	go b.out.run(ctx)

	failures := 0
	for ctx.Err() == nil && !b.closed.Load() {
		deliveries, closed, err := b.connect()
		if err != nil {
			failures++
			b.metrics.BusReconnects.Inc()
			delay := b.backoff.Delay(failures)
			b.logger.Warn().Err(err).Int("attempt", failures).Dur("backoff", delay).Msg("bus connect failed")
			if sleepCtx(ctx, delay) != nil {
				break
			}
			continue
		}

		failures = 0
		b.connected.Store(true)
		_, queue := b.channel()
		b.logger.Info().Str("queue", queue).Msg("bus connected")

		err = b.pump(ctx, deliveries, closed)

		b.connected.Store(false)
		b.teardown()
		if ctx.Err() != nil || b.closed.Load() {
			break
		}
		b.metrics.BusReconnects.Inc()
		b.logger.Warn().Err(err).Msg("bus connection lost")
	}
	return nil
}

// connect dials, declares the exchange and a private queue, and binds every
// recorded topic before consuming.
func (b *AMQPBus) connect() (<-chan amqp.Delivery, <-chan *amqp.Error, error) {
	link, err := b.dial(b.url)
	if err != nil {
		return nil, nil, err
	}
	ch := link.ch
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = link.close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		_ = link.close()
		return nil, nil, fmt.Errorf("declare queue: %w", err)
	}

	b.mu.Lock()
	b.link, b.queue = &link, q.Name
	topics := b.topics.list()
	b.mu.Unlock()

	for _, t := range topics {
		if err := ch.QueueBind(q.Name, routingKey(t), b.exchange, false, nil); err != nil {
			b.teardown()
			return nil, nil, fmt.Errorf("bind %s: %w", t, err)
		}
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		b.teardown()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, link.closed, nil
}

func (b *AMQPBus) pump(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			topic := topicOf(d.RoutingKey)
			if !b.topics.has(topic) {
				continue
			}
			select {
			case b.msgs <- Message{Topic: topic, Payload: d.Body}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (b *AMQPBus) teardown() {
	b.mu.Lock()
	link := b.link
	b.link, b.queue = nil, ""
	b.mu.Unlock()
	if link == nil {
		return
	}
	_ = link.ch.Close()
	if link.close != nil {
		_ = link.close()
	}
}

func (b *AMQPBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.teardown()
	return nil
}
