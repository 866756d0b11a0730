// Package conveyor is an embeddable engine for queue-driven artefact
// processing pipelines.
//
// Conveyor coordinates long-running document and artefact conversions
// across a fleet of workers. State lives in a persistence backend, work
// travels over named queues, and every run keeps an append-only ledger of
// what happened to it. The engine tolerates an at-least-once transport:
// duplicate deliveries are detected and absorbed rather than re-executed.
//
// # Core Concepts
//
// The model is intentionally small:
//
//  1. Catalog
//  2. TaskProcessing
//  3. ProcessingLog
//  4. Orchestrator
//  5. Worker
//
// # Catalog
//
// The catalog holds Task and Workflow definitions. A Task names a unit of
// work, the stage it belongs to, and the queue pair it communicates on. A
// Workflow declares, by reference, which tasks may run for it. Task names
// are unique.
//
// # TaskProcessing
//
// A TaskProcessing is one attempt to run one task against one artefact.
// It carries three lifecycle timestamps (started, completed, failed) and a
// monotonically increasing version. Every state transition is a
// compare-and-increment write against the version, so two workers racing
// for the same record cannot both win. A record with none of the three
// timestamps set is unresolved and belongs to the pool of pending work.
//
// # ProcessingLog
//
// Each workflow run owns a ProcessingLog: an append-only ledger of
// TaskProcessing snapshots. The ledger is how the engine knows which tasks
// a run has been through, and it is never rewritten, only appended to.
//
// # Orchestrator
//
// The Orchestrator manages the catalog, initialises runs and dispatches
// work. Initialising a run is a single transaction that creates the
// ledger, seeds the first unprocessed task and records it in history;
// either all of it happens or none of it does. Dispatching publishes a
// task message with a fresh correlation ID to the task's queue.
//
// Eligibility is a set computation: a run's eligible tasks are the
// unresolved records for its stash that its workflow declares and that do
// not already appear in the ledger.
//
// # Worker
//
// A Worker consumes one task queue with manual acknowledgements and a
// prefetch of one. For each delivery it claims the record, invokes a
// user-supplied Converter, marks the record completed, appends the
// snapshot to the ledger and replies, all inside one transaction. The
// delivery is acknowledged only after the transaction commits; a failure
// leaves the message on the queue for redelivery. A redelivered message
// whose record already started is acknowledged without rerunning the
// converter.
//
// # Backends
//
// Persistence is backed by MongoDB or by an in-memory store with the same
// transactional semantics. The transport is RabbitMQ or an in-process
// queue with the same acknowledgement discipline. The in-memory pair runs
// the full engine inside a single process, which is what LocalRunner
// bundles for development and tests.
package conveyor
