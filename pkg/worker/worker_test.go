package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/conveyor/internal/bus"
	"github.com/petrijr/conveyor/internal/orchestrator"
	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
)

type fakeConverter struct {
	mu       sync.Mutex
	calls    int
	stashID  string
	artefact string
	inputRef string

	out string
	err error
}

func (f *fakeConverter) Convert(_ context.Context, stashID, artefactID, inputRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.stashID, f.artefact, f.inputRef = stashID, artefactID, inputRef
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func (f *fakeConverter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store  *persistence.MemoryStore
	bus    *bus.MemoryBus
	conv   *fakeConverter
	worker *Worker
	orch   *orchestrator.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := persistence.NewMemoryStore()
	b := bus.NewMemoryBus(16)
	conv := &fakeConverter{out: "s3://results/artefact-1.out"}
	p := persistence.Persistence{
		Catalog:     store,
		Processings: store,
		Logs:        store,
		Tx:          store,
	}
	return &fixture{
		store:  store,
		bus:    b,
		conv:   conv,
		worker: New(p, b, conv, "q.unprocessed", nil),
		orch:   orchestrator.New(p, b, nil),
	}
}

// seedRun initialises one workflow run and returns its seed processing
// record together with the dispatch envelope a worker would receive.
func (f *fixture) seedRun(t *testing.T) (*api.TaskProcessing, bus.Envelope) {
	t.Helper()
	ctx := context.Background()

	task, err := f.orch.CreateTask(ctx, api.Task{
		Name:           api.SeedTaskName,
		StageName:      api.StageUnprocessed,
		TaskQueueName:  "q.unprocessed",
		ReplyQueueName: "q.unprocessed.reply",
	})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	wf, err := f.orch.CreateWorkflow(ctx, api.Workflow{Name: "document-pipeline"})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if _, err := f.orch.AddTaskToWorkflow(ctx, wf.ID, task.ID); err != nil {
		t.Fatalf("AddTaskToWorkflow failed: %v", err)
	}
	log, err := f.orch.InitialiseWorkflow(ctx, wf.ID, "stash-1", "artefact-1")
	if err != nil {
		t.Fatalf("InitialiseWorkflow failed: %v", err)
	}

	unresolved, err := f.store.FindUnresolved(ctx, "stash-1")
	if err != nil {
		t.Fatalf("FindUnresolved failed: %v", err)
	}
	if len(unresolved) != 1 {
		t.Fatalf("expected one unresolved record, got %d", len(unresolved))
	}
	tp := unresolved[0]

	env := bus.Envelope{
		CorrelationID:       "corr-1",
		LogID:               log.ID,
		StashID:             tp.StashID,
		ArtefactID:          tp.ArtefactID,
		TaskProcessingID:    tp.ID,
		TaskQueueName:       tp.TaskQueueName,
		ReplyToQueueName:    tp.ReplyQueueName,
		ProcessingStageName: tp.StageName,
		Type:                bus.MessageTask,
	}
	return &tp, env
}

func deliver(t *testing.T, w *Worker, env bus.Envelope) bool {
	t.Helper()

	body, err := bus.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	acked := false
	w.Handle(context.Background(), bus.NewDelivery(body, func() error {
		acked = true
		return nil
	}))
	return acked
}

func TestHandle_CompletesProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp, env := f.seedRun(t)

	if !deliver(t, f.worker, env) {
		t.Fatal("expected delivery to be acknowledged")
	}

	if f.conv.count() != 1 {
		t.Fatalf("expected one converter invocation, got %d", f.conv.count())
	}
	if f.conv.stashID != "stash-1" || f.conv.artefact != "artefact-1" {
		t.Fatalf("converter saw wrong artefact: stash=%q artefact=%q", f.conv.stashID, f.conv.artefact)
	}

	got, err := f.store.FindProcessingByID(ctx, tp.ID)
	if err != nil {
		t.Fatalf("FindProcessingByID failed: %v", err)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("expected started and completed timestamps, got %+v", got)
	}
	if got.FailedAt != nil {
		t.Fatal("completed record must not carry a failure timestamp")
	}
	if got.ResultLocation != "s3://results/artefact-1.out" {
		t.Fatalf("unexpected result location %q", got.ResultLocation)
	}
	if got.Version != tp.Version+2 {
		t.Fatalf("expected version %d after start and complete, got %d", tp.Version+2, got.Version)
	}

	log, err := f.store.FindLogByID(ctx, env.LogID)
	if err != nil {
		t.Fatalf("FindLogByID failed: %v", err)
	}
	if len(log.History) != 2 {
		t.Fatalf("expected seed plus completed history entries, got %d", len(log.History))
	}
	last := log.History[len(log.History)-1]
	if last.ID != tp.ID || last.CompletedAt == nil {
		t.Fatalf("unexpected last history entry: %+v", last)
	}

	if n := f.bus.Len("q.unprocessed.reply"); n != 2 {
		t.Fatalf("expected ACK and TASK replies, got %d messages", n)
	}
}

func TestHandle_DuplicateDeliveryIsAckedWithoutRework(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp, env := f.seedRun(t)

	if !deliver(t, f.worker, env) {
		t.Fatal("expected first delivery to be acknowledged")
	}
	after, err := f.store.FindProcessingByID(ctx, tp.ID)
	if err != nil {
		t.Fatalf("FindProcessingByID failed: %v", err)
	}

	if !deliver(t, f.worker, env) {
		t.Fatal("expected duplicate delivery to be acknowledged")
	}

	if f.conv.count() != 1 {
		t.Fatalf("duplicate delivery must not rerun the converter, got %d calls", f.conv.count())
	}
	got, err := f.store.FindProcessingByID(ctx, tp.ID)
	if err != nil {
		t.Fatalf("FindProcessingByID failed: %v", err)
	}
	if got.Version != after.Version {
		t.Fatalf("duplicate delivery mutated the record: version %d -> %d", after.Version, got.Version)
	}
	if n := f.bus.Len("q.unprocessed.reply"); n != 2 {
		t.Fatalf("duplicate delivery must not emit replies, got %d messages", n)
	}
	log, err := f.store.FindLogByID(ctx, env.LogID)
	if err != nil {
		t.Fatalf("FindLogByID failed: %v", err)
	}
	if len(log.History) != 2 {
		t.Fatalf("duplicate delivery must not grow history, got %d entries", len(log.History))
	}
}

func TestHandle_MalformedMessageIsDiscarded(t *testing.T) {
	f := newFixture(t)

	acked := false
	f.worker.Handle(context.Background(), bus.NewDelivery([]byte("{not json"), func() error {
		acked = true
		return nil
	}))

	if !acked {
		t.Fatal("poison message must be acknowledged, not redelivered forever")
	}
	if f.conv.count() != 0 {
		t.Fatal("malformed message must not reach the converter")
	}
}

func TestHandle_MissingRequiredFieldIsDiscarded(t *testing.T) {
	f := newFixture(t)
	_, env := f.seedRun(t)
	env.TaskProcessingID = ""

	if !deliver(t, f.worker, env) {
		t.Fatal("envelope without a task processing id must be discarded, not redelivered")
	}
	if f.conv.count() != 0 {
		t.Fatal("invalid envelope must not reach the converter")
	}
}

func TestHandle_ConverterFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tp, env := f.seedRun(t)
	f.conv.err = errors.New("ocr backend unavailable")

	if deliver(t, f.worker, env) {
		t.Fatal("failed processing must leave the delivery unacknowledged")
	}

	got, err := f.store.FindProcessingByID(ctx, tp.ID)
	if err != nil {
		t.Fatalf("FindProcessingByID failed: %v", err)
	}
	if got.StartedAt != nil || got.Version != tp.Version {
		t.Fatalf("rollback must restore the record, got %+v", got)
	}
	log, err := f.store.FindLogByID(ctx, env.LogID)
	if err != nil {
		t.Fatalf("FindLogByID failed: %v", err)
	}
	if len(log.History) != 1 {
		t.Fatalf("rollback must not grow history, got %d entries", len(log.History))
	}
}

func TestHandle_UnknownProcessingLeftUnacked(t *testing.T) {
	f := newFixture(t)
	_, env := f.seedRun(t)
	env.TaskProcessingID = "no-such-processing"

	if deliver(t, f.worker, env) {
		t.Fatal("unknown processing id must leave the delivery unacknowledged")
	}
	if f.conv.count() != 0 {
		t.Fatal("unknown processing id must not reach the converter")
	}
}

func TestRun_ConsumesDispatchedTask(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp, _ := f.seedRun(t)

	if _, err := f.orch.DispatchTask(ctx, *tp); err != nil {
		t.Fatalf("DispatchTask failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.worker.Run(ctx)
	}()

	completed := make(chan api.TaskProcessing, 1)
	go func() {
		for {
			got, err := f.store.FindProcessingByID(context.Background(), tp.ID)
			if err == nil && got.CompletedAt != nil {
				completed <- *got
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	var got api.TaskProcessing
	select {
	case got = <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the dispatched task to complete")
	}
	cancel()
	<-done

	if got.ResultLocation != "s3://results/artefact-1.out" {
		t.Fatalf("unexpected result location %q", got.ResultLocation)
	}
	if f.conv.count() != 1 {
		t.Fatalf("expected exactly one converter invocation, got %d", f.conv.count())
	}
}
