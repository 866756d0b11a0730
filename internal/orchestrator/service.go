// Package orchestrator owns run initialization and the catalog-facing
// operations: it seeds new runs, creates ad-hoc task processings, and
// answers "what could run next" for the dispatcher.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/petrijr/conveyor/internal/bus"
	"github.com/petrijr/conveyor/internal/eligibility"
	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
)

// Service coordinates the catalog, the stores and the message bus.
type Service struct {
	p      persistence.Persistence
	bus    bus.Bus
	logger *slog.Logger
}

// New creates a Service. bus may be nil when dispatching is not needed
// (e.g. catalog seeding); logger defaults to slog.Default().
func New(p persistence.Persistence, b bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{p: p, bus: b, logger: logger}
}

// CreateTask registers a catalog task.
func (s *Service) CreateTask(ctx context.Context, t api.Task) (*api.Task, error) {
	created, err := s.p.Catalog.CreateTask(ctx, t)
	if err != nil {
		s.logger.Error("could not create task", "task_name", t.Name, "error", err)
		return nil, err
	}
	return created, nil
}

// CreateWorkflow registers a workflow declaration.
func (s *Service) CreateWorkflow(ctx context.Context, w api.Workflow) (*api.Workflow, error) {
	created, err := s.p.Catalog.CreateWorkflow(ctx, w)
	if err != nil {
		s.logger.Error("could not create workflow", "workflow_name", w.Name, "error", err)
		return nil, err
	}
	return created, nil
}

// AddTaskToWorkflow resolves the catalog task and appends its reference
// to the workflow's task configuration.
func (s *Service) AddTaskToWorkflow(ctx context.Context, workflowID, taskID string) (*api.Workflow, error) {
	task, err := s.p.Catalog.FindTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.p.Catalog.AddTaskToWorkflow(ctx, workflowID, task.Ref())
}

// InitialiseWorkflow seeds one run of the workflow against a stash. In a
// single transaction it creates the processing log, resolves the seed
// task from the catalog, creates the seed task processing and appends its
// snapshot to the log's history. Either all five steps commit or none
// persist; a half-initialised run is never observable.
func (s *Service) InitialiseWorkflow(ctx context.Context, workflowID, stashID, artefactID string) (*api.ProcessingLog, error) {
	var created *api.ProcessingLog

	err := s.p.Tx.InTransaction(ctx, func(ctx context.Context) error {
		wf, err := s.p.Catalog.FindWorkflowByID(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("initialise workflow: %w", err)
		}

		log, err := s.p.Logs.CreateLog(ctx, api.ProcessingLog{
			WorkflowID:   wf.ID,
			WorkflowName: wf.Name,
			StashID:      stashID,
		})
		if err != nil {
			return err
		}

		seed, err := s.p.Catalog.FindTaskByName(ctx, api.SeedTaskName)
		if err != nil {
			return fmt.Errorf("resolve seed task: %w", err)
		}

		tp, err := s.p.Processings.CreateProcessing(ctx, api.TaskProcessing{
			LogID:          log.ID,
			StashID:        stashID,
			ArtefactID:     artefactID,
			TaskID:         seed.ID,
			TaskName:       seed.Name,
			TaskQueueName:  seed.TaskQueueName,
			ReplyQueueName: seed.ReplyQueueName,
			StageName:      api.StageUnprocessed,
			MutationType:   api.MutationNew,
		})
		if err != nil {
			return err
		}

		created, err = s.p.Logs.AppendHistory(ctx, log.ID, *tp)
		return err
	})
	if err != nil {
		s.logger.Error("error initialising workflow",
			"workflow_id", workflowID, "stash_id", stashID, "error", err)
		return nil, err
	}
	return created, nil
}

// CreateTaskProcessingRequest describes an ad-hoc task processing for an
// already running stash.
type CreateTaskProcessingRequest struct {
	TaskName     string
	LogID        string
	StashID      string
	ArtefactID   string
	StageName    string
	MutationType api.MutationType
}

// CreateTaskProcessing resolves the named catalog task and creates an
// unresolved record for it.
func (s *Service) CreateTaskProcessing(ctx context.Context, req CreateTaskProcessingRequest) (*api.TaskProcessing, error) {
	task, err := s.p.Catalog.FindTaskByName(ctx, req.TaskName)
	if err != nil {
		s.logger.Error("error creating task processing", "task_name", req.TaskName, "error", err)
		return nil, err
	}

	mutation := req.MutationType
	if mutation == "" {
		mutation = api.MutationAdHoc
	}

	return s.p.Processings.CreateProcessing(ctx, api.TaskProcessing{
		LogID:          req.LogID,
		StashID:        req.StashID,
		ArtefactID:     req.ArtefactID,
		TaskID:         task.ID,
		TaskName:       task.Name,
		TaskQueueName:  task.TaskQueueName,
		ReplyQueueName: task.ReplyQueueName,
		StageName:      req.StageName,
		MutationType:   mutation,
	})
}

// FindTasksToWorkOn returns the task processings currently eligible for
// dispatch: unresolved records of runs awaiting the UNPROCESSED stage,
// filtered through each run's workflow declaration. Safe to call from a
// poller as often as needed.
func (s *Service) FindTasksToWorkOn(ctx context.Context) ([]api.TaskProcessing, error) {
	runs, err := s.p.Logs.FindRunsAwaitingStage(ctx, api.StageUnprocessed)
	if err != nil {
		s.logger.Error("error finding task to work on", "error", err)
		return nil, err
	}
	return eligibility.Resolve(ctx, runs, s.p.Catalog.FindWorkflowByID)
}

// DispatchTask publishes a TASK message for an eligible record to its
// task queue and returns the correlation ID of the dispatch.
func (s *Service) DispatchTask(ctx context.Context, tp api.TaskProcessing) (string, error) {
	if s.bus == nil {
		return "", fmt.Errorf("dispatch task %s: no bus configured", tp.ID)
	}

	env := bus.Envelope{
		CorrelationID:       uuid.NewString(),
		LogID:               tp.LogID,
		StashID:             tp.StashID,
		ArtefactID:          tp.ArtefactID,
		TaskProcessingID:    tp.ID,
		TaskQueueName:       tp.TaskQueueName,
		ReplyToQueueName:    tp.ReplyQueueName,
		ProcessingStageName: tp.StageName,
		Type:                bus.MessageTask,
	}

	body, err := bus.EncodeEnvelope(env)
	if err != nil {
		return "", err
	}
	if err := s.bus.Publish(ctx, tp.TaskQueueName, body); err != nil {
		s.logger.Error("error dispatching task",
			"correlation_id", env.CorrelationID, "task_processing_id", tp.ID, "error", err)
		return "", err
	}
	return env.CorrelationID, nil
}
