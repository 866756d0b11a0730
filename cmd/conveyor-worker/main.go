// Command conveyor-worker consumes one task queue against MongoDB and
// RabbitMQ. The converter is a placeholder that copies the input reference
// through; real deployments supply their own via the worker package.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conveyor/internal/bus"
	"github.com/petrijr/conveyor/internal/config"
	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Disconnect(context.Background())
	}()

	store := persistence.NewMongoStore(client, cfg.Mongo.Database)
	if err := store.EnsureIndexes(connectCtx); err != nil {
		return err
	}
	p := persistence.Persistence{Catalog: store, Processings: store, Logs: store, Tx: store}
	logger.Info("connected to mongodb", "database", cfg.Mongo.Database)

	b, err := bus.DialAMQP(cfg.AMQP.URL)
	if err != nil {
		return err
	}
	defer func() {
		_ = b.Close()
	}()
	if err := b.DeclareQueue(cfg.Worker.TaskQueue); err != nil {
		return err
	}
	logger.Info("connected to broker", "queue", cfg.Worker.TaskQueue)

	conv := worker.ConverterFunc(func(_ context.Context, _, _, inputRef string) (string, error) {
		return inputRef, nil
	})

	w := worker.New(p, b, conv, cfg.Worker.TaskQueue, logger)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}
