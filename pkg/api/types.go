package api

import "time"

// MutationType records why a TaskProcessing was created.
type MutationType string

const (
	// MutationNew marks the seed record created when a run is initialised.
	MutationNew MutationType = "NEW"

	// MutationAdHoc marks records created on demand for an already
	// running stash, outside of run initialisation.
	MutationAdHoc MutationType = "AD_HOC"
)

// StageUnprocessed tags a record (or history entry) that has not yet been
// picked up by any pipeline stage.
const StageUnprocessed = "UNPROCESSED"

// SeedTaskName is the name of the catalog task that every run starts with.
// It must exist in the catalog before the first run is initialised.
const SeedTaskName = "UnprocessedTask"

// Task is an immutable catalog entry describing one unit of work:
// where to dispatch it and where its replies go. Names are unique.
type Task struct {
	ID             string
	Name           string
	Description    string
	StageName      string
	TaskQueueName  string
	ReplyQueueName string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskRef is the reference a workflow's task configuration holds for a
// catalog task.
type TaskRef struct {
	TaskID         string
	TaskName       string
	TaskQueueName  string
	ReplyQueueName string
}

// Ref returns the reference form of a catalog task.
func (t Task) Ref() TaskRef {
	return TaskRef{
		TaskID:         t.ID,
		TaskName:       t.Name,
		TaskQueueName:  t.TaskQueueName,
		ReplyQueueName: t.ReplyQueueName,
	}
}

// Workflow declares which tasks are valid members of any of its runs.
type Workflow struct {
	ID                string
	Name              string
	Description       string
	TaskConfiguration []TaskRef
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DeclaresTask reports whether taskID is part of this workflow's task
// configuration.
func (w Workflow) DeclaresTask(taskID string) bool {
	for _, ref := range w.TaskConfiguration {
		if ref.TaskID == taskID {
			return true
		}
	}
	return false
}

// TaskProcessing is the mutable lifecycle record for one task's execution
// within a run. It is created unresolved (all three timestamps nil) and is
// only ever transitioned, never deleted; resolved records are folded into
// the owning run's history as snapshots.
//
// At most one of CompletedAt/FailedAt is ever set. Version increases by
// exactly one on every accepted mutation; writers must present the version
// they read, and a mismatch surfaces as ErrConflict.
type TaskProcessing struct {
	ID         string
	LogID      string
	StashID    string
	ArtefactID string

	TaskID         string
	TaskName       string
	TaskQueueName  string
	ReplyQueueName string
	StageName      string
	MutationType   MutationType

	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time

	// ResultLocation points at the output (or staged input) of the work
	// step, e.g. a derived artefact filename.
	ResultLocation string

	// FailureReason is set together with FailedAt. Failed records share
	// the normal record shape; there is no separate error record type.
	FailureReason string

	Version int64
}

// Unresolved reports whether the record is still a dispatch candidate:
// none of the three lifecycle timestamps set.
func (tp TaskProcessing) Unresolved() bool {
	return tp.StartedAt == nil && tp.CompletedAt == nil && tp.FailedAt == nil
}

// ProcessingLog is the authoritative append-only ledger of one workflow
// run against a stash. History entries are snapshots of TaskProcessing
// records at the moment they were recorded; existing entries are never
// mutated in place.
type ProcessingLog struct {
	ID           string
	WorkflowID   string
	WorkflowName string
	StashID      string
	History      []TaskProcessing
	Version      int64
}

// ResolvedTaskIDs returns the catalog task IDs whose history snapshot was
// recorded after the record resolved. Unresolved snapshots (e.g. the seed
// entry written at run initialisation) do not count: their task is still a
// dispatch candidate.
func (l ProcessingLog) ResolvedTaskIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(l.History))
	for _, entry := range l.History {
		if !entry.Unresolved() {
			ids[entry.TaskID] = struct{}{}
		}
	}
	return ids
}

// RunWithRelatedTasks is a ProcessingLog enriched with the current
// unresolved TaskProcessing records sharing the run's stash. This join is
// how the engine discovers what could run next.
type RunWithRelatedTasks struct {
	Log          ProcessingLog
	RelatedTasks []TaskProcessing
}
