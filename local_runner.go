package conveyor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// LocalRunner bundles in-memory persistence, an in-process bus, an
// Orchestrator and workers into a single process-local engine for
// development and tests.
//
// Typical usage:
//
//	runner := conveyor.NewLocalRunner(myConverter, nil)
//	task, _ := runner.Orchestrator.CreateTask(ctx, conveyor.Task{...})
//	wf, _ := runner.Orchestrator.CreateWorkflow(ctx, conveyor.Workflow{...})
//	_, _ = runner.Orchestrator.AddTaskToWorkflow(ctx, wf.ID, task.ID)
//
//	_ = runner.StartWorkers(ctx, task.TaskQueueName)
//	log, _ := runner.Orchestrator.InitialiseWorkflow(ctx, wf.ID, stashID, artefactID)
//	...
//	runner.Stop()
//
// LocalRunner is intentionally not crash-durable.
type LocalRunner struct {
	// Persistence is the in-memory store used by this runner.
	Persistence Persistence

	// Bus is the in-process queue transport the workers consume.
	Bus *MemoryBus

	// Orchestrator manages the catalog and dispatches work.
	Orchestrator *Orchestrator

	converter Converter
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner around the given converter.
// A nil logger falls back to slog.Default().
func NewLocalRunner(conv Converter, logger *slog.Logger) *LocalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	p := NewMemoryPersistence()
	b := NewMemoryBus(1024)

	return &LocalRunner{
		Persistence:  p,
		Bus:          b,
		Orchestrator: NewOrchestrator(p, b, logger),
		converter:    conv,
		logger:       logger,
	}
}

// StartWorkers starts one worker goroutine per named task queue. The
// workers run until Stop is called or the context is cancelled.
//
// If StartWorkers is called again without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, queues ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("conveyor: LocalRunner already started")
	}
	if len(queues) == 0 {
		return errors.New("conveyor: no task queues given")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	for _, q := range queues {
		w := NewWorker(r.Persistence, r.Bus, r.converter, q, r.logger)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = w.Run(ctx)
		}()
	}
	return nil
}

// Stop cancels the worker goroutines and waits for them to exit.
// Stop is a no-op if the runner is not running.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// AwaitResolution polls the record until it completes or fails, or until
// ctx expires.
func (r *LocalRunner) AwaitResolution(ctx context.Context, processingID string) (*TaskProcessing, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		tp, err := r.Persistence.Processings.FindProcessingByID(ctx, processingID)
		if err != nil {
			return nil, err
		}
		if tp.CompletedAt != nil || tp.FailedAt != nil {
			return tp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
