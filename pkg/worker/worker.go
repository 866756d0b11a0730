// Package worker consumes task messages from a queue and drives each
// task processing record through its lifecycle: claim, convert, complete,
// append to the run ledger, reply.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/conveyor/internal/bus"
	"github.com/petrijr/conveyor/internal/persistence"
)

// Converter performs the domain work of a task: it transforms the artefact
// identified by stashID and artefactID, optionally reading an earlier
// stage's output from inputRef, and returns the location of its own output.
type Converter interface {
	Convert(ctx context.Context, stashID, artefactID, inputRef string) (string, error)
}

// ConverterFunc adapts a function to the Converter interface.
type ConverterFunc func(ctx context.Context, stashID, artefactID, inputRef string) (string, error)

func (f ConverterFunc) Convert(ctx context.Context, stashID, artefactID, inputRef string) (string, error) {
	return f(ctx, stashID, artefactID, inputRef)
}

// Worker consumes one queue and executes task processings against a
// persistence layer. Deliveries are acknowledged only after the record's
// state transition has committed, so a crash mid-processing leaves the
// message eligible for redelivery and the record untouched.
type Worker struct {
	p         persistence.Persistence
	bus       bus.Bus
	converter Converter
	queue     string
	logger    *slog.Logger
}

// New builds a worker bound to the named task queue. A nil logger falls
// back to slog.Default().
func New(p persistence.Persistence, b bus.Bus, conv Converter, queue string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{p: p, bus: b, converter: conv, queue: queue, logger: logger}
}

// Run consumes the worker's queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker consuming", "queue", w.queue)
	return w.bus.Consume(ctx, w.queue, w.Handle)
}

// Handle processes a single delivery. A payload that fails schema
// validation is poison, not transient: it is logged and acknowledged so it
// cannot loop through redelivery forever. A record whose processing
// already started is acknowledged without rerunning the converter or
// emitting replies, which makes duplicate deliveries on the
// at-least-once transport harmless.
func (w *Worker) Handle(ctx context.Context, d *bus.Delivery) {
	env, err := bus.DecodeEnvelope(d.Body)
	if err != nil {
		w.logger.Error("discarding malformed task message", "error", err)
		if ackErr := d.Ack(); ackErr != nil {
			w.logger.Error("acknowledging poison message failed", "error", ackErr)
		}
		return
	}

	log := w.logger.With(
		"correlation_id", env.CorrelationID,
		"task_processing_id", env.TaskProcessingID,
	)

	alreadyStarted := false
	err = w.p.Tx.InTransaction(ctx, func(ctx context.Context) error {
		tp, err := w.p.Processings.FindProcessingByID(ctx, env.TaskProcessingID)
		if err != nil {
			return err
		}

		if tp.StartedAt != nil {
			alreadyStarted = true
			return nil
		}

		// Signal receipt before the work begins. The reply is not part of
		// the transaction; a later abort does not recall it.
		if err := w.reply(ctx, env, bus.MessageAck); err != nil {
			return err
		}

		started, err := w.p.Processings.MarkStarted(ctx, tp.ID, tp.Version)
		if err != nil {
			return err
		}

		location, err := w.converter.Convert(ctx, env.StashID, env.ArtefactID, started.ResultLocation)
		if err != nil {
			return fmt.Errorf("convert artefact %s: %w", env.ArtefactID, err)
		}

		completed, err := w.p.Processings.MarkCompleted(ctx, started.ID, started.Version, location)
		if err != nil {
			return err
		}

		if _, err := w.p.Logs.AppendHistory(ctx, completed.LogID, *completed); err != nil {
			return err
		}

		return w.reply(ctx, env, bus.MessageTask)
	})
	if err != nil {
		// The transaction rolled back; leaving the delivery unacknowledged
		// is the only retry mechanism there is.
		log.Error("task processing failed", "error", err)
		return
	}

	if alreadyStarted {
		log.Info("task processing already started, skipping")
	}
	if err := d.Ack(); err != nil {
		log.Error("acknowledging delivery failed", "error", err)
	}
}

func (w *Worker) reply(ctx context.Context, env *bus.Envelope, t bus.MessageType) error {
	body, err := bus.EncodeEnvelope(env.Reply(t))
	if err != nil {
		return err
	}
	return w.bus.Publish(ctx, env.ReplyToQueueName, body)
}
