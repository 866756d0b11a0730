package persistence

import (
	"context"

	"github.com/petrijr/conveyor/pkg/api"
)

// Every store operation takes a context.Context as its explicit
// transaction handle. Implementations bind their session/transaction state
// into the context inside Transactor.InTransaction; no operation relies on
// an ambient session.

// CatalogStore holds the immutable task and workflow definitions.
type CatalogStore interface {
	CreateTask(ctx context.Context, t api.Task) (*api.Task, error)
	// FindTaskByName resolves a task by its unique name.
	// Returns api.ErrTaskNotFound when no task matches.
	FindTaskByName(ctx context.Context, name string) (*api.Task, error)
	FindTaskByID(ctx context.Context, id string) (*api.Task, error)

	CreateWorkflow(ctx context.Context, w api.Workflow) (*api.Workflow, error)
	FindWorkflowByID(ctx context.Context, id string) (*api.Workflow, error)
	// AddTaskToWorkflow appends a task reference to the workflow's task
	// configuration.
	AddTaskToWorkflow(ctx context.Context, workflowID string, ref api.TaskRef) (*api.Workflow, error)
}

// TaskProcessingStore holds the mutable per-task lifecycle records.
//
// All Mark* operations are version-guarded: the caller presents the
// version it read, and a stored version other than that fails with
// api.ErrConflict without writing anything. An accepted mutation
// increments the version by exactly one.
type TaskProcessingStore interface {
	// CreateProcessing persists the record with a fresh ID, version 0 and
	// all three lifecycle timestamps unset.
	CreateProcessing(ctx context.Context, tp api.TaskProcessing) (*api.TaskProcessing, error)
	FindProcessingByID(ctx context.Context, id string) (*api.TaskProcessing, error)
	// FindUnresolved returns all records for a stash where none of
	// StartedAt/CompletedAt/FailedAt is set: the candidate pool for
	// eligibility.
	FindUnresolved(ctx context.Context, stashID string) ([]api.TaskProcessing, error)

	// MarkStarted sets StartedAt if currently unset. If it is already
	// set, it returns api.ErrAlreadyStarted so callers can treat the
	// redelivery as a no-op.
	MarkStarted(ctx context.Context, id string, version int64) (*api.TaskProcessing, error)
	// MarkCompleted sets CompletedAt and the result location. Mutually
	// exclusive with MarkFailed.
	MarkCompleted(ctx context.Context, id string, version int64, resultLocation string) (*api.TaskProcessing, error)
	MarkFailed(ctx context.Context, id string, version int64, reason string) (*api.TaskProcessing, error)
	// SetResultLocation updates the result location on an unresolved
	// record, e.g. to stage an input filename before dispatch. It shares
	// the record's single version counter with the lifecycle transitions.
	SetResultLocation(ctx context.Context, id string, version int64, location string) (*api.TaskProcessing, error)
}

// ProcessingLogStore holds the per-run append-only ledgers.
type ProcessingLogStore interface {
	// CreateLog persists a new run with empty history and version 0.
	CreateLog(ctx context.Context, log api.ProcessingLog) (*api.ProcessingLog, error)
	FindLogByID(ctx context.Context, id string) (*api.ProcessingLog, error)
	// AppendHistory appends a snapshot to the run's history under a
	// read-modify-write and increments the log version. Fails with
	// api.ErrRunNotFound when the log does not exist and api.ErrConflict
	// when a concurrent append won the write.
	AppendHistory(ctx context.Context, logID string, snapshot api.TaskProcessing) (*api.ProcessingLog, error)
	// FindRunsAwaitingStage returns runs whose history contains at least
	// one entry with the given stage tag, each enriched with the current
	// unresolved records for the run's stash.
	FindRunsAwaitingStage(ctx context.Context, stage string) ([]api.RunWithRelatedTasks, error)
}

// Transactor runs fn inside one store-level transaction. All writes made
// through the ctx passed to fn commit together when fn returns nil and
// roll back together when it returns an error.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
