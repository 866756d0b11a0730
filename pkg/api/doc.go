// Package api contains the public domain types of the conveyor engine:
// the task/workflow catalog, the per-task execution record
// (TaskProcessing) and the per-run append-only ledger (ProcessingLog),
// together with the error taxonomy shared by all stores and the worker.
package api
