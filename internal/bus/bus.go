// Package bus provides the named-queue message transport the engine runs
// on: publish, consume with manual per-message acknowledgement, and a
// prefetch-of-one discipline per consumer.
//
// Delivery is at-least-once. A handler that does not acknowledge its
// delivery gets the message redelivered by the transport; there is no
// backoff, attempt cap or dead-letter queue.
package bus

import "context"

// Delivery is one message handed to a consumer. Ack it only after all
// durable effects of processing it have committed.
type Delivery struct {
	Body []byte

	ack func() error
}

// NewDelivery builds a delivery around a raw body and the transport's
// acknowledgement callback.
func NewDelivery(body []byte, ack func() error) *Delivery {
	return &Delivery{Body: body, ack: ack}
}

// Ack acknowledges the delivery. Not acknowledging leaves the message
// eligible for redelivery.
func (d *Delivery) Ack() error {
	return d.ack()
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d *Delivery)

// Bus is a named-queue publish/consume transport.
type Bus interface {
	// Publish sends body to the named queue.
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume delivers messages from the named queue to h, one at a time
	// per consumer, until ctx is cancelled.
	Consume(ctx context.Context, queue string, h Handler) error
}
