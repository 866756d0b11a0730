package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conveyor/pkg/api"
)

// MemoryStore is a goroutine-safe implementation of all store interfaces
// backed by maps. Transactions take a full snapshot of the state and
// restore it when the transaction function fails, so partial writes are
// never observable.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// Ensure MemoryStore implements the interfaces.
var (
	_ CatalogStore        = (*MemoryStore)(nil)
	_ TaskProcessingStore = (*MemoryStore)(nil)
	_ ProcessingLogStore  = (*MemoryStore)(nil)
	_ Transactor          = (*MemoryStore)(nil)
)

type memState struct {
	tasks       map[string]*api.Task
	taskNames   map[string]string // name -> id
	workflows   map[string]*api.Workflow
	processings map[string]*api.TaskProcessing
	logs        map[string]*api.ProcessingLog
}

func newMemState() *memState {
	return &memState{
		tasks:       make(map[string]*api.Task),
		taskNames:   make(map[string]string),
		workflows:   make(map[string]*api.Workflow),
		processings: make(map[string]*api.TaskProcessing),
		logs:        make(map[string]*api.ProcessingLog),
	}
}

func (st *memState) clone() *memState {
	c := newMemState()
	for id, t := range st.tasks {
		tc := *t
		c.tasks[id] = &tc
	}
	for name, id := range st.taskNames {
		c.taskNames[name] = id
	}
	for id, w := range st.workflows {
		wc := copyWorkflow(w)
		c.workflows[id] = &wc
	}
	for id, tp := range st.processings {
		tc := copyProcessing(tp)
		c.processings[id] = &tc
	}
	for id, l := range st.logs {
		lc := copyLog(l)
		c.logs[id] = &lc
	}
	return c
}

func copyWorkflow(w *api.Workflow) api.Workflow {
	wc := *w
	wc.TaskConfiguration = append([]api.TaskRef(nil), w.TaskConfiguration...)
	return wc
}

func copyProcessing(tp *api.TaskProcessing) api.TaskProcessing {
	tc := *tp
	tc.StartedAt = copyTime(tp.StartedAt)
	tc.CompletedAt = copyTime(tp.CompletedAt)
	tc.FailedAt = copyTime(tp.FailedAt)
	return tc
}

func copyLog(l *api.ProcessingLog) api.ProcessingLog {
	lc := *l
	lc.History = make([]api.TaskProcessing, len(l.History))
	for i := range l.History {
		lc.History[i] = copyProcessing(&l.History[i])
	}
	return lc
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	tc := *t
	return &tc
}

type memTxKey struct{}

// enter acquires the store mutex unless ctx already runs inside a
// transaction (which holds it for the whole transaction).
func (s *MemoryStore) enter(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) == s {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InTransaction runs fn while holding the store mutex, giving concurrent
// transactions full serialization. On error the pre-transaction snapshot
// is restored, so either every write of fn is visible or none is.
func (s *MemoryStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, s)); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, t api.Task) (*api.Task, error) {
	defer s.enter(ctx)()

	if t.Name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if _, taken := s.state.taskNames[t.Name]; taken {
		return nil, fmt.Errorf("task name already in use: %s", t.Name)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.state.tasks[t.ID] = &t
	s.state.taskNames[t.Name] = t.ID

	created := t
	return &created, nil
}

func (s *MemoryStore) FindTaskByName(ctx context.Context, name string) (*api.Task, error) {
	defer s.enter(ctx)()

	id, ok := s.state.taskNames[name]
	if !ok {
		return nil, fmt.Errorf("%w: name %s", api.ErrTaskNotFound, name)
	}
	t := *s.state.tasks[id]
	return &t, nil
}

func (s *MemoryStore) FindTaskByID(ctx context.Context, id string) (*api.Task, error) {
	defer s.enter(ctx)()

	t, ok := s.state.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, id)
	}
	tc := *t
	return &tc, nil
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, w api.Workflow) (*api.Workflow, error) {
	defer s.enter(ctx)()

	if w.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.TaskConfiguration = append([]api.TaskRef(nil), w.TaskConfiguration...)

	s.state.workflows[w.ID] = &w

	created := copyWorkflow(&w)
	return &created, nil
}

func (s *MemoryStore) FindWorkflowByID(ctx context.Context, id string) (*api.Workflow, error) {
	defer s.enter(ctx)()

	w, ok := s.state.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}
	wc := copyWorkflow(w)
	return &wc, nil
}

func (s *MemoryStore) AddTaskToWorkflow(ctx context.Context, workflowID string, ref api.TaskRef) (*api.Workflow, error) {
	defer s.enter(ctx)()

	w, ok := s.state.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, workflowID)
	}

	w.TaskConfiguration = append(w.TaskConfiguration, ref)
	w.UpdatedAt = time.Now().UTC()

	wc := copyWorkflow(w)
	return &wc, nil
}

func (s *MemoryStore) CreateProcessing(ctx context.Context, tp api.TaskProcessing) (*api.TaskProcessing, error) {
	defer s.enter(ctx)()

	if tp.ID == "" {
		tp.ID = uuid.NewString()
	}
	// New records are always unresolved at version zero.
	tp.Version = 0
	tp.StartedAt = nil
	tp.CompletedAt = nil
	tp.FailedAt = nil

	s.state.processings[tp.ID] = &tp

	created := copyProcessing(&tp)
	return &created, nil
}

func (s *MemoryStore) FindProcessingByID(ctx context.Context, id string) (*api.TaskProcessing, error) {
	defer s.enter(ctx)()

	tp, ok := s.state.processings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrProcessingNotFound, id)
	}
	tc := copyProcessing(tp)
	return &tc, nil
}

func (s *MemoryStore) FindUnresolved(ctx context.Context, stashID string) ([]api.TaskProcessing, error) {
	defer s.enter(ctx)()

	var result []api.TaskProcessing
	for _, tp := range s.state.processings {
		if tp.StashID == stashID && tp.Unresolved() {
			result = append(result, copyProcessing(tp))
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkStarted(ctx context.Context, id string, version int64) (*api.TaskProcessing, error) {
	defer s.enter(ctx)()

	tp, ok := s.state.processings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrProcessingNotFound, id)
	}
	if tp.StartedAt != nil {
		return nil, api.ErrAlreadyStarted
	}
	if tp.Version != version {
		return nil, fmt.Errorf("mark started %s: %w", id, api.ErrConflict)
	}

	now := time.Now().UTC()
	tp.StartedAt = &now
	tp.Version++

	tc := copyProcessing(tp)
	return &tc, nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id string, version int64, resultLocation string) (*api.TaskProcessing, error) {
	defer s.enter(ctx)()

	tp, ok := s.state.processings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrProcessingNotFound, id)
	}
	if tp.Version != version || tp.CompletedAt != nil || tp.FailedAt != nil {
		return nil, fmt.Errorf("mark completed %s: %w", id, api.ErrConflict)
	}

	now := time.Now().UTC()
	tp.CompletedAt = &now
	tp.ResultLocation = resultLocation
	tp.Version++

	tc := copyProcessing(tp)
	return &tc, nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, version int64, reason string) (*api.TaskProcessing, error) {
	defer s.enter(ctx)()

	tp, ok := s.state.processings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrProcessingNotFound, id)
	}
	if tp.Version != version || tp.CompletedAt != nil || tp.FailedAt != nil {
		return nil, fmt.Errorf("mark failed %s: %w", id, api.ErrConflict)
	}

	now := time.Now().UTC()
	tp.FailedAt = &now
	tp.FailureReason = reason
	tp.Version++

	tc := copyProcessing(tp)
	return &tc, nil
}

func (s *MemoryStore) SetResultLocation(ctx context.Context, id string, version int64, location string) (*api.TaskProcessing, error) {
	defer s.enter(ctx)()

	tp, ok := s.state.processings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrProcessingNotFound, id)
	}
	if tp.Version != version {
		return nil, fmt.Errorf("set result location %s: %w", id, api.ErrConflict)
	}

	tp.ResultLocation = location
	tp.Version++

	tc := copyProcessing(tp)
	return &tc, nil
}

func (s *MemoryStore) CreateLog(ctx context.Context, log api.ProcessingLog) (*api.ProcessingLog, error) {
	defer s.enter(ctx)()

	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	log.Version = 0
	log.History = nil

	s.state.logs[log.ID] = &log

	created := copyLog(&log)
	return &created, nil
}

func (s *MemoryStore) FindLogByID(ctx context.Context, id string) (*api.ProcessingLog, error) {
	defer s.enter(ctx)()

	l, ok := s.state.logs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
	}
	lc := copyLog(l)
	return &lc, nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, logID string, snapshot api.TaskProcessing) (*api.ProcessingLog, error) {
	defer s.enter(ctx)()

	l, ok := s.state.logs[logID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, logID)
	}

	l.History = append(l.History, copyProcessing(&snapshot))
	l.Version++

	lc := copyLog(l)
	return &lc, nil
}

func (s *MemoryStore) FindRunsAwaitingStage(ctx context.Context, stage string) ([]api.RunWithRelatedTasks, error) {
	defer s.enter(ctx)()

	var runs []api.RunWithRelatedTasks
	for _, l := range s.state.logs {
		if !historyHasStage(l, stage) {
			continue
		}

		run := api.RunWithRelatedTasks{Log: copyLog(l)}
		for _, tp := range s.state.processings {
			if tp.StashID == l.StashID && tp.Unresolved() {
				run.RelatedTasks = append(run.RelatedTasks, copyProcessing(tp))
			}
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func historyHasStage(l *api.ProcessingLog, stage string) bool {
	for _, entry := range l.History {
		if entry.StageName == stage {
			return true
		}
	}
	return false
}
