// README: Cross-instance relay of fanout frames (local no-op, Redis Pub/Sub, RabbitMQ topic exchange).
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Broker relays frames to the other instances. Listen blocks until ctx ends
// or the connection fails and hands every remote frame to deliver.
type Broker interface {
	Publish(ctx context.Context, e Envelope) error
	Listen(ctx context.Context, deliver func(Envelope)) error
}

// frame is what travels between instances. Origin lets an instance skip its
// own echoes, which it already delivered locally.
type frame struct {
	Origin   string   `json:"origin"`
	Envelope Envelope `json:"envelope"`
}

func encodeFrame(origin string, e Envelope) ([]byte, error) {
	return json.Marshal(frame{Origin: origin, Envelope: e})
}

func decodeFrame(origin string, b []byte) (Envelope, bool) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil || f.Origin == origin {
		return Envelope{}, false
	}
	return f.Envelope, true
}

// LocalBroker is used by single-instance deployments.
type LocalBroker struct{}

func (LocalBroker) Publish(context.Context, Envelope) error { return nil }

func (LocalBroker) Listen(ctx context.Context, _ func(Envelope)) error {
	<-ctx.Done()
	return ctx.Err()
}

const redisChannelPrefix = "relay:fanout:"

type RedisBroker struct {
	rdb    *redis.Client
	origin string
}

func NewRedisBroker(rdb *redis.Client, origin string) *RedisBroker {
	return &RedisBroker{rdb: rdb, origin: origin}
}

func (b *RedisBroker) Publish(ctx context.Context, e Envelope) error {
	payload, err := encodeFrame(b.origin, e)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, redisChannelPrefix+e.Topic, payload).Err()
}

func (b *RedisBroker) Listen(ctx context.Context, deliver func(Envelope)) error {
	sub := b.rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			if e, ok := decodeFrame(b.origin, []byte(msg.Payload)); ok {
				deliver(e)
			}
		}
	}
}

const DefaultExchange = "relay.fanout"

// AMQPBroker publishes to a topic exchange; topic "order:42" becomes routing
// key "order.42". Each instance consumes through its own exclusive queue.
type AMQPBroker struct {
	exchange string
	origin   string

	conn *amqp.Connection
	pub  *amqp.Channel
}

func NewAMQPBroker(url, exchange, origin string) (*AMQPBroker, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPBroker{exchange: exchange, origin: origin, conn: conn, pub: ch}, nil
}

func routingKey(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

func (b *AMQPBroker) Publish(ctx context.Context, e Envelope) error {
	body, err := encodeFrame(b.origin, e)
	if err != nil {
		return err
	}
	return b.pub.PublishWithContext(ctx, b.exchange, routingKey(e.Topic), false, false, amqp.Publishing{
		DeliveryMode: amqp.Transient,
		ContentType:  "application/json",
		Body:         body,
	})
}

func (b *AMQPBroker) Listen(ctx context.Context, deliver func(Envelope)) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			if e, ok := decodeFrame(b.origin, d.Body); ok {
				deliver(e)
			}
		}
	}
}

func (b *AMQPBroker) Close() error {
	_ = b.pub.Close()
	return b.conn.Close()
}
