package domain

import "context"

// BatchProvider is the batch record store contract consumed by the service
// and lookup layers. Implementations may be in-memory, a database or a remote
// ledger. Register and the Append operations are atomic per batch; appends to
// the same sequence are observed in call order.
type BatchProvider interface {
	Register(ctx context.Context, id BatchID, harvest HarvestEvent) (Result, error)
	AppendLabTest(ctx context.Context, id BatchID, event LabTestEvent) (Result, error)
	AppendProcessingStep(ctx context.Context, id BatchID, event ProcessingStepEvent) (Result, error)
	AppendTransportEvent(ctx context.Context, id BatchID, event TransportEvent) (Result, error)
	Lookup(ctx context.Context, id BatchID) (BatchRecord, error)
}

// BatchLister is implemented by providers that can enumerate batches.
type BatchLister interface {
	List(ctx context.Context) ([]BatchID, error)
}

// PersistentStore is the full capability set of the bundled backends.
type PersistentStore interface {
	BatchProvider
	BatchLister
}
