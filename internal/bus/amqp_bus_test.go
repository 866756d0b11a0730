package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/conveyor/internal/testutil"
)

func TestAMQPBus_PublishConsumeRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	url := testutil.StartRabbitMQContainer(t)

	b, err := DialAMQP(url)
	require.NoError(t, err, "DialAMQP failed")
	t.Cleanup(func() {
		_ = b.Close()
	})

	const queue = "q.roundtrip"
	require.NoError(t, b.DeclareQueue(queue))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := Envelope{
		CorrelationID:    "corr-amqp-1",
		TaskProcessingID: "tp-1",
		ReplyToQueueName: "q.roundtrip.reply",
		Type:             MessageTask,
	}
	body, err := EncodeEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, queue, body))

	received := make(chan Envelope, 1)
	go func() {
		_ = b.Consume(ctx, queue, func(_ context.Context, d *Delivery) {
			got, err := DecodeEnvelope(d.Body)
			if err != nil {
				return
			}
			if err := d.Ack(); err != nil {
				return
			}
			received <- *got
		})
	}()

	select {
	case got := <-received:
		require.Equal(t, env, got)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for the delivery")
	}
}

func TestAMQPBus_UnackedDeliveryReturnsToQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	url := testutil.StartRabbitMQContainer(t)

	first, err := DialAMQP(url)
	require.NoError(t, err, "DialAMQP failed")

	const queue = "q.redelivery"
	require.NoError(t, first.DeclareQueue(queue))
	require.NoError(t, first.Publish(context.Background(), queue, []byte("payload")))

	// Consume without acknowledging, then close the connection. The broker
	// must return the delivery to the queue.
	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan struct{}, 1)
	go func() {
		_ = first.Consume(ctx, queue, func(_ context.Context, d *Delivery) {
			seen <- struct{}{}
		})
	}()
	select {
	case <-seen:
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for the first delivery")
	}
	cancel()
	require.NoError(t, first.Close())

	second, err := DialAMQP(url)
	require.NoError(t, err, "DialAMQP failed")
	t.Cleanup(func() {
		_ = second.Close()
	})

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	redelivered := make(chan []byte, 1)
	go func() {
		_ = second.Consume(ctx2, queue, func(_ context.Context, d *Delivery) {
			if err := d.Ack(); err != nil {
				return
			}
			redelivered <- d.Body
		})
	}()

	select {
	case body := <-redelivered:
		require.Equal(t, []byte("payload"), body)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for the redelivery")
	}
}
