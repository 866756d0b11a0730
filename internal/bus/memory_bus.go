package bus

import (
	"context"
	"sync"
)

// MemoryBus is a Bus implementation backed by buffered channels, one per
// named queue. It is safe for concurrent use.
//
// Each Consume call processes one delivery at a time; a delivery that the
// handler does not acknowledge is pushed back onto the queue, which gives
// the same unlimited-redelivery behaviour as the real transport.
type MemoryBus struct {
	mu       sync.Mutex
	queues   map[string]chan []byte
	capacity int
}

// NewMemoryBus creates a new bus. Each queue holds up to capacity
// messages; a modest capacity (e.g. 1024) is fine for tests.
func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryBus{
		queues:   make(map[string]chan []byte),
		capacity: capacity,
	}
}

// Ensure MemoryBus implements Bus.
var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) queue(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = make(chan []byte, b.capacity)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBus) Publish(ctx context.Context, queue string, body []byte) error {
	select {
	case b.queue(queue) <- body:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Consume(ctx context.Context, queue string, h Handler) error {
	q := b.queue(queue)

	for {
		var body []byte
		select {
		case body = <-q:
		case <-ctx.Done():
			return ctx.Err()
		}

		acked := false
		d := &Delivery{
			Body: body,
			ack: func() error {
				acked = true
				return nil
			},
		}

		h(ctx, d)

		if !acked {
			// Redeliver. No backoff and no attempt cap.
			select {
			case q <- body:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Len returns the approximate number of messages waiting on the queue.
func (b *MemoryBus) Len(queue string) int {
	return len(b.queue(queue))
}
