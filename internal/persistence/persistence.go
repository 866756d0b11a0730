package persistence

// Persistence bundles the store interfaces so the orchestrator and worker
// can depend on a single abstraction.
type Persistence struct {
	Catalog     CatalogStore
	Processings TaskProcessingStore
	Logs        ProcessingLogStore
	Tx          Transactor
}

// NewMemoryPersistence bundles a single MemoryStore behind all four
// interfaces.
func NewMemoryPersistence() Persistence {
	mem := NewMemoryStore()
	return Persistence{
		Catalog:     mem,
		Processings: mem,
		Logs:        mem,
		Tx:          mem,
	}
}
