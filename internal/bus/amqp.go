package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publishBackoff is the exponential back-off schedule for transport faults
// (spec §4.1: 2s/4s/8s, three retries total).
var publishBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Broker is the durable, amqp091-go-backed production Adapter. A connection
// is established lazily and re-established on transport errors; channels are
// never shared across concurrent publishers — each Publish call acquires one
// from a pool and releases it on every exit path.
type Broker struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection

	chPool sync.Pool
}

// NewBroker creates a Broker bound to url. The connection is not dialed
// until the first Publish or Consume call.
func NewBroker(url string, logger *slog.Logger) *Broker {
	b := &Broker{url: url, logger: logger}
	b.chPool = sync.Pool{New: func() any { return nil }}
	return b
}

func (b *Broker) connection(ctx context.Context) (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	conn, err := amqp.DialConfig(b.url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("bus: dial: %w", err)
	}
	b.conn = conn
	return conn, nil
}

func (b *Broker) acquireChannel(ctx context.Context) (*amqp.Channel, error) {
	if ch, ok := b.chPool.Get().(*amqp.Channel); ok && ch != nil && !ch.IsClosed() {
		return ch, nil
	}
	conn, err := b.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

func (b *Broker) releaseChannel(ch *amqp.Channel) {
	if ch == nil || ch.IsClosed() {
		return
	}
	b.chPool.Put(ch)
}

func declareExchange(ch *amqp.Channel, exchange string, kind ExchangeKind) error {
	amqpKind := "topic"
	if kind == KindFanout {
		amqpKind = "fanout"
	}
	return ch.ExchangeDeclare(exchange, amqpKind, true /*durable*/, false, false, false, nil)
}

// Publish implements Adapter. It retries transport faults up to three times
// with the 2s/4s/8s back-off from spec §4.1, returning *EventPublishError on
// final failure.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte, kind ExchangeKind, persistent bool) error {
	var lastErr error
	for attempt := 0; attempt <= len(publishBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(publishBackoff[attempt-1]):
			}
		}
		if err := b.publishOnce(ctx, exchange, routingKey, body, kind, persistent); err != nil {
			lastErr = err
			if b.logger != nil {
				b.logger.Warn("bus: publish attempt failed", "exchange", exchange, "routing_key", routingKey, "attempt", attempt+1, "error", err)
			}
			continue
		}
		return nil
	}
	return &EventPublishError{Exchange: exchange, RoutingKey: routingKey, Attempts: len(publishBackoff) + 1, Cause: lastErr}
}

func (b *Broker) publishOnce(ctx context.Context, exchange, routingKey string, body []byte, kind ExchangeKind, persistent bool) error {
	ch, err := b.acquireChannel(ctx)
	if err != nil {
		return err
	}
	defer b.releaseChannel(ch)

	if err := declareExchange(ch, exchange, kind); err != nil {
		return err
	}

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume implements Adapter. It declares the exchange, a durable queue, its
// dead-letter counterpart (if configured), binds every routing key, and acks
// only after h returns success, per the OnError policy.
func (b *Broker) Consume(ctx context.Context, binding Binding, h Handler) error {
	conn, err := b.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareExchange(ch, binding.Exchange, binding.ExchangeKind); err != nil {
		return err
	}

	args := amqp.Table{}
	if binding.DeadLetter != "" {
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = binding.DeadLetter
		if _, err := ch.QueueDeclare(binding.DeadLetter, true, false, false, false, nil); err != nil {
			return err
		}
	}
	q, err := ch.QueueDeclare(binding.Queue, true, false, false, false, args)
	if err != nil {
		return err
	}
	for _, rk := range binding.RoutingKeys {
		if err := ch.QueueBind(q.Name, rk, binding.Exchange, false, nil); err != nil {
			return err
		}
	}

	prefetch := binding.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			err := h(ctx, d.RoutingKey, d.Body)
			switch {
			case err == nil:
				_ = d.Ack(false)
			case binding.OnError == AlwaysAck:
				// Fanout broadcasts are always acked: requeuing a stale
				// cancellation would redeliver it forever.
				_ = d.Ack(false)
			case binding.OnError == RequeueToDeadLetter:
				_ = d.Nack(false, false)
			default:
				_ = d.Nack(false, true)
			}
			if err != nil && b.logger != nil {
				b.logger.Warn("bus: handler error", "queue", binding.Queue, "routing_key", d.RoutingKey, "error", err)
			}
		}
	}
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
