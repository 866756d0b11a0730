package bus

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus is a Bus implementation on a RabbitMQ channel with manual
// acknowledgements and a prefetch of one unacknowledged delivery per
// consumer. An unacknowledged delivery returns to the queue when the
// channel closes; the transport's redelivery is the only retry mechanism.
type AMQPBus struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Ensure AMQPBus implements Bus.
var _ Bus = (*AMQPBus)(nil)

// DialAMQP connects to the broker and opens a channel configured for
// one in-flight delivery.
func DialAMQP(url string) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &AMQPBus{conn: conn, ch: ch}, nil
}

// DeclareQueue creates the named durable queue if it does not exist.
func (b *AMQPBus) DeclareQueue(name string) error {
	_, err := b.ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

func (b *AMQPBus) Publish(ctx context.Context, queue string, body []byte) error {
	return b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (b *AMQPBus) Consume(ctx context.Context, queue string, h Handler) error {
	deliveries, err := b.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("bus: consume channel closed")
			}
			h(ctx, &Delivery{
				Body: d.Body,
				ack: func() error {
					return d.Ack(false)
				},
			})
		}
	}
}

// Close shuts down the channel and connection.
func (b *AMQPBus) Close() error {
	cherr := b.ch.Close()
	if err := b.conn.Close(); err != nil {
		return err
	}
	return cherr
}
