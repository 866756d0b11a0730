package conveyor

import (
	"log/slog"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/conveyor/internal/bus"
	"github.com/petrijr/conveyor/internal/orchestrator"
	"github.com/petrijr/conveyor/internal/persistence"
	"github.com/petrijr/conveyor/pkg/api"
	"github.com/petrijr/conveyor/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Task                = api.Task
	TaskRef             = api.TaskRef
	Workflow            = api.Workflow
	TaskProcessing      = api.TaskProcessing
	ProcessingLog       = api.ProcessingLog
	RunWithRelatedTasks = api.RunWithRelatedTasks

	Persistence = persistence.Persistence
	MongoStore  = persistence.MongoStore
	MemoryStore = persistence.MemoryStore

	Bus         = bus.Bus
	MemoryBus   = bus.MemoryBus
	AMQPBus     = bus.AMQPBus
	Envelope    = bus.Envelope
	MessageType = bus.MessageType

	Orchestrator                = orchestrator.Service
	CreateTaskProcessingRequest = orchestrator.CreateTaskProcessingRequest

	Worker        = worker.Worker
	Converter     = worker.Converter
	ConverterFunc = worker.ConverterFunc
)

// Re-export the lifecycle and message constants.

const (
	MutationNew      = api.MutationNew
	MutationAdHoc    = api.MutationAdHoc
	StageUnprocessed = api.StageUnprocessed
	SeedTaskName     = api.SeedTaskName

	MessageAck  = bus.MessageAck
	MessageTask = bus.MessageTask
)

// Re-export the sentinel errors callers branch on.

var (
	ErrTaskNotFound       = api.ErrTaskNotFound
	ErrWorkflowNotFound   = api.ErrWorkflowNotFound
	ErrRunNotFound        = api.ErrRunNotFound
	ErrProcessingNotFound = api.ErrProcessingNotFound
	ErrConflict           = api.ErrConflict
	ErrAlreadyStarted     = api.ErrAlreadyStarted
)

// Constructors
// These wrap the internal packages so external callers never need to
// import them.

// NewMemoryPersistence returns a Persistence backed entirely by an
// in-memory store. Non-durable, best for tests and local development.
func NewMemoryPersistence() Persistence {
	return persistence.NewMemoryPersistence()
}

// NewMongoPersistence returns a Persistence on MongoDB collections.
// dbName defaults to "conveyor" if empty.
func NewMongoPersistence(client *mongo.Client, dbName string) Persistence {
	return persistence.NewMongoPersistence(client, dbName)
}

// NewMemoryBus returns an in-process Bus with the given per-queue buffer
// capacity.
func NewMemoryBus(capacity int) *MemoryBus {
	return bus.NewMemoryBus(capacity)
}

// DialAMQP connects to a RabbitMQ broker and returns a Bus with manual
// acknowledgements and a prefetch of one.
func DialAMQP(url string) (*AMQPBus, error) {
	return bus.DialAMQP(url)
}

// NewOrchestrator returns the service that manages the catalog,
// initialises workflow runs and dispatches eligible task processings.
func NewOrchestrator(p Persistence, b Bus, logger *slog.Logger) *Orchestrator {
	return orchestrator.New(p, b, logger)
}

// NewWorker returns a worker that consumes the named task queue and
// executes task processings with the given converter.
func NewWorker(p Persistence, b Bus, conv Converter, queue string, logger *slog.Logger) *Worker {
	return worker.New(p, b, conv, queue, logger)
}
