package conveyor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func seedCatalog(t *testing.T, runner *LocalRunner) (*Task, *Workflow) {
	t.Helper()
	ctx := context.Background()

	task, err := runner.Orchestrator.CreateTask(ctx, Task{
		Name:           SeedTaskName,
		StageName:      StageUnprocessed,
		TaskQueueName:  "q.unprocessed",
		ReplyQueueName: "q.unprocessed.reply",
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	wf, err := runner.Orchestrator.CreateWorkflow(ctx, Workflow{Name: "document-pipeline"})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if _, err := runner.Orchestrator.AddTaskToWorkflow(ctx, wf.ID, task.ID); err != nil {
		t.Fatalf("AddTaskToWorkflow failed: %v", err)
	}
	return task, wf
}

func TestLocalRunner_EndToEnd(t *testing.T) {
	var calls atomic.Int64
	conv := ConverterFunc(func(_ context.Context, _, artefactID, _ string) (string, error) {
		calls.Add(1)
		return fmt.Sprintf("s3://out/%s", artefactID), nil
	})

	runner := NewLocalRunner(conv, nil)
	defer runner.Stop()
	ctx := context.Background()
	task, wf := seedCatalog(t, runner)

	if err := runner.StartWorkers(ctx, task.TaskQueueName); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}

	log, err := runner.Orchestrator.InitialiseWorkflow(ctx, wf.ID, "stash-1", "artefact-1")
	if err != nil {
		t.Fatalf("InitialiseWorkflow failed: %v", err)
	}

	eligible, err := runner.Orchestrator.FindTasksToWorkOn(ctx)
	if err != nil {
		t.Fatalf("FindTasksToWorkOn failed: %v", err)
	}
	if len(eligible) != 1 {
		t.Fatalf("expected one eligible task, got %d", len(eligible))
	}

	if _, err := runner.Orchestrator.DispatchTask(ctx, eligible[0]); err != nil {
		t.Fatalf("DispatchTask failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tp, err := runner.AwaitResolution(waitCtx, eligible[0].ID)
	if err != nil {
		t.Fatalf("AwaitResolution failed: %v", err)
	}

	if tp.CompletedAt == nil {
		t.Fatalf("expected a completed record, got %+v", tp)
	}
	if tp.ResultLocation != "s3://out/artefact-1" {
		t.Fatalf("unexpected result location %q", tp.ResultLocation)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one converter invocation, got %d", got)
	}

	ledger, err := runner.Persistence.Logs.FindLogByID(ctx, log.ID)
	if err != nil {
		t.Fatalf("FindLogByID failed: %v", err)
	}
	if len(ledger.History) != 2 {
		t.Fatalf("expected seed plus completed ledger entries, got %d", len(ledger.History))
	}
}

func TestLocalRunner_DuplicateDispatchIsAbsorbed(t *testing.T) {
	var calls atomic.Int64
	conv := ConverterFunc(func(_ context.Context, _, _, _ string) (string, error) {
		calls.Add(1)
		return "s3://out/dup", nil
	})

	runner := NewLocalRunner(conv, nil)
	defer runner.Stop()
	ctx := context.Background()
	task, wf := seedCatalog(t, runner)

	if _, err := runner.Orchestrator.InitialiseWorkflow(ctx, wf.ID, "stash-1", "artefact-1"); err != nil {
		t.Fatalf("InitialiseWorkflow failed: %v", err)
	}
	eligible, err := runner.Orchestrator.FindTasksToWorkOn(ctx)
	if err != nil {
		t.Fatalf("FindTasksToWorkOn failed: %v", err)
	}
	if len(eligible) != 1 {
		t.Fatalf("expected one eligible task, got %d", len(eligible))
	}

	// Dispatch the same record twice before any worker runs, then let one
	// worker consume both messages.
	for i := 0; i < 2; i++ {
		if _, err := runner.Orchestrator.DispatchTask(ctx, eligible[0]); err != nil {
			t.Fatalf("DispatchTask failed: %v", err)
		}
	}
	if err := runner.StartWorkers(ctx, task.TaskQueueName); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tp, err := runner.AwaitResolution(waitCtx, eligible[0].ID)
	if err != nil {
		t.Fatalf("AwaitResolution failed: %v", err)
	}
	if tp.CompletedAt == nil {
		t.Fatalf("expected a completed record, got %+v", tp)
	}

	// The duplicate needs a moment to be consumed and acknowledged.
	deadline := time.Now().Add(5 * time.Second)
	for runner.Bus.Len(task.TaskQueueName) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("duplicate dispatch must not rerun the converter, got %d calls", got)
	}
	if tp.Version != 2 {
		t.Fatalf("expected version 2 after start and complete, got %d", tp.Version)
	}
}

func TestLocalRunner_StartWorkersTwiceErrors(t *testing.T) {
	runner := NewLocalRunner(ConverterFunc(func(_ context.Context, _, _, _ string) (string, error) {
		return "", nil
	}), nil)
	defer runner.Stop()

	if err := runner.StartWorkers(context.Background(), "q.unprocessed"); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	if err := runner.StartWorkers(context.Background(), "q.unprocessed"); err == nil {
		t.Fatal("expected second StartWorkers to fail")
	}
}
