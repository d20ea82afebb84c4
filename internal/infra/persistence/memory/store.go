// Package memory provides an in-memory implementation of the batch record
// store used for tests, demos and as the working set of the durable backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"herbtrace/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// BatchID aliases domain.BatchID.
	BatchID = domain.BatchID
	// BatchRecord aliases domain.BatchRecord.
	BatchRecord = domain.BatchRecord
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
)

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Batches map[BatchID]BatchRecord `json:"batches"`
}

// Store keeps batch records in process memory. Mutations are serialized by a
// single writer lock so appends to one batch never interleave.
type Store struct {
	mu      sync.RWMutex
	batches map[BatchID]*BatchRecord
	engine  *RulesEngine
	nowFn   func() time.Time
	persist CommitFunc
}

// CommitFunc is invoked under the store lock with the record as it will look
// after a mutation. Returning an error aborts the mutation. The record shares
// memory with the store and must not be retained.
type CommitFunc func(ctx context.Context, rec BatchRecord) error

// NewStore constructs an in-memory store evaluated by the provided rules engine.
// A nil engine disables rule evaluation.
func NewStore(engine *RulesEngine) *Store {
	return &Store{
		batches: make(map[BatchID]*BatchRecord),
		engine:  engine,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used to stamp changes.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the clock, mainly for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = fn
	s.mu.Unlock()
}

// OnCommit installs fn as the write-through hook used by durable backends.
func (s *Store) OnCommit(fn CommitFunc) {
	s.mu.Lock()
	s.persist = fn
	s.mu.Unlock()
}

// Register creates the record for id with its harvest event.
func (s *Store) Register(ctx context.Context, id BatchID, harvest domain.HarvestEvent) (Result, error) {
	if id.IsBlank() {
		return Result{}, domain.ErrEmptyIdentifier
	}
	if err := harvest.Validate(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[id]; exists {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrDuplicateBatch, id)
	}
	change := domain.Change{BatchID: id, Category: domain.CategoryHarvest, Action: domain.ActionRegister, Event: harvest, At: s.nowFn()}
	res, err := s.evaluate(ctx, domain.BatchView{}, change)
	if err != nil {
		return res, err
	}
	rec := domain.NewBatchRecord(id, harvest)
	if s.persist != nil {
		if err := s.persist(ctx, rec); err != nil {
			return res, err
		}
	}
	s.batches[id] = &rec
	return res, nil
}

// AppendLabTest appends a lab test to the batch.
func (s *Store) AppendLabTest(ctx context.Context, id BatchID, event domain.LabTestEvent) (Result, error) {
	if err := event.Validate(); err != nil {
		return Result{}, err
	}
	return s.appendEvent(ctx, id, domain.CategoryLabTest, event, func(rec *BatchRecord) {
		rec.LabTests = append(rec.LabTests, event)
	})
}

// AppendProcessingStep appends a processing step to the batch.
func (s *Store) AppendProcessingStep(ctx context.Context, id BatchID, event domain.ProcessingStepEvent) (Result, error) {
	if err := event.Validate(); err != nil {
		return Result{}, err
	}
	return s.appendEvent(ctx, id, domain.CategoryProcessing, event, func(rec *BatchRecord) {
		rec.ProcessingSteps = append(rec.ProcessingSteps, event)
	})
}

// AppendTransportEvent appends a transport event to the batch.
func (s *Store) AppendTransportEvent(ctx context.Context, id BatchID, event domain.TransportEvent) (Result, error) {
	if err := event.Validate(); err != nil {
		return Result{}, err
	}
	return s.appendEvent(ctx, id, domain.CategoryTransport, event, func(rec *BatchRecord) {
		rec.TransportEvents = append(rec.TransportEvents, event)
	})
}

func (s *Store) appendEvent(ctx context.Context, id BatchID, category domain.Category, event any, apply func(*BatchRecord)) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[id]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrUnknownBatch, id)
	}
	change := domain.Change{BatchID: id, Category: category, Action: domain.ActionAppend, Event: event, At: s.nowFn()}
	res, err := s.evaluate(ctx, domain.BatchView{Record: *rec, Exists: true}, change)
	if err != nil {
		return res, err
	}
	labs, steps, moves := len(rec.LabTests), len(rec.ProcessingSteps), len(rec.TransportEvents)
	apply(rec)
	if s.persist != nil {
		if err := s.persist(ctx, *rec); err != nil {
			rec.LabTests = rec.LabTests[:labs]
			rec.ProcessingSteps = rec.ProcessingSteps[:steps]
			rec.TransportEvents = rec.TransportEvents[:moves]
			return res, err
		}
	}
	return res, nil
}

func (s *Store) evaluate(ctx context.Context, view domain.BatchView, change domain.Change) (Result, error) {
	if s.engine == nil {
		return Result{}, nil
	}
	res, err := s.engine.Evaluate(ctx, view, []domain.Change{change})
	if err != nil {
		return Result{}, err
	}
	if res.HasBlocking() {
		return res, domain.RuleViolationError{Result: res}
	}
	return res, nil
}

// Lookup returns a copy of the record registered under id.
func (s *Store) Lookup(_ context.Context, id BatchID) (BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.batches[id]
	if !ok {
		return BatchRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns all registered identifiers in ascending order.
func (s *Store) List(_ context.Context) ([]BatchID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]BatchID, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ExportState returns a deep copy of every record.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{Batches: make(map[BatchID]BatchRecord, len(s.batches))}
	for id, rec := range s.batches {
		out.Batches[id] = rec.Clone()
	}
	return out
}

// ExportBatch returns a deep copy of a single record.
func (s *Store) ExportBatch(id BatchID) (BatchRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.batches[id]
	if !ok {
		return BatchRecord{}, false
	}
	return rec.Clone(), true
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	batches := make(map[BatchID]*BatchRecord, len(snapshot.Batches))
	for id, rec := range snapshot.Batches {
		cp := normalizeRecord(id, rec.Clone())
		batches[id] = &cp
	}
	s.mu.Lock()
	s.batches = batches
	s.mu.Unlock()
}

// normalizeRecord restores invariants on records decoded from durable storage.
func normalizeRecord(id BatchID, rec BatchRecord) BatchRecord {
	rec.ID = id
	if rec.LabTests == nil {
		rec.LabTests = []domain.LabTestEvent{}
	}
	if rec.ProcessingSteps == nil {
		rec.ProcessingSteps = []domain.ProcessingStepEvent{}
	}
	if rec.TransportEvents == nil {
		rec.TransportEvents = []domain.TransportEvent{}
	}
	return rec
}
