package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartRabbitMQContainer starts a throwaway RabbitMQ broker and returns
// its AMQP URL. The container is removed when the test finishes.
func StartRabbitMQContainer(t *testing.T) string {
	t.Helper()

	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	rabbitC, err := testcontainers.Run(
		ctx, "rabbitmq:3",
		testcontainers.WithExposedPorts("5672/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5672/tcp"),
			wait.ForLog("Server startup complete"),
		),
	)
	t.Cleanup(func() {
		testcontainers.CleanupContainer(t, rabbitC)
	})
	require.NoError(t, err)

	endpoint, err := rabbitC.Endpoint(ctx, "")
	require.NoError(t, err)

	return fmt.Sprintf("amqp://guest:guest@%s/", endpoint)
}
