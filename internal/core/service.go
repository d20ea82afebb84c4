// Package core hosts the herbtrace service layer: observability-wrapped store
// operations, the lookup controller, provenance rules and storage selection.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"herbtrace/internal/infra/persistence/memory"
	"herbtrace/pkg/domain"
)

// Operation names reported to loggers, metrics, tracers and audit recorders.
const (
	OpRegisterBatch        = "register_batch"
	OpAppendLabTest        = "append_lab_test"
	OpAppendProcessingStep = "append_processing_step"
	OpAppendTransportEvent = "append_transport_event"
	OpLookupBatch          = "lookup_batch"
	OpListBatches          = "list_batches"
)

// Logger is the structured logger used by the service. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// AuditStatus is the outcome recorded for an audited operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one mutation attempt.
type AuditEntry struct {
	Operation  string        `json:"operation"`
	BatchID    BatchID       `json:"batch_id"`
	Category   Category      `json:"category"`
	Action     Action        `json:"action"`
	EventID    string        `json:"event_id,omitempty"`
	Actor      string        `json:"actor,omitempty"`
	Status     AuditStatus   `json:"status"`
	Error      string        `json:"error,omitempty"`
	Violations []Violation   `json:"violations,omitempty"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

// AuditRecorder receives audit entries for mutations.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for event metadata and durations.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithIDGenerator overrides event ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithRegistrationListener adds a callback invoked after a batch is registered.
func WithRegistrationListener(fn func(ctx context.Context, id BatchID)) Option {
	return func(s *Service) {
		if fn != nil {
			s.onRegister = append(s.onRegister, fn)
		}
	}
}

// Service exposes provenance operations over a PersistentStore.
type Service struct {
	store      PersistentStore
	logger     Logger
	clock      Clock
	audit      AuditRecorder
	metrics    MetricsRecorder
	tracer     Tracer
	newID      func() string
	onRegister []func(context.Context, BatchID)
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  noopLogger{},
		clock:   ClockFunc(func() time.Time { return time.Now().UTC() }),
		audit:   noopAudit{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore { return s.store }

// Now returns the current time of the service clock.
func (s *Service) Now() time.Time { return s.clock.Now().UTC() }

type actorKey struct{}

// WithActor attaches the opaque identity of the caller to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor attached by WithActor.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func (s *Service) stamp(ctx context.Context) domain.EventMeta {
	return domain.EventMeta{ID: s.newID(), RecordedBy: ActorFromContext(ctx), RecordedAt: s.clock.Now().UTC()}
}

// RegisterBatch creates the record for id with its harvest event.
func (s *Service) RegisterBatch(ctx context.Context, id BatchID, harvest HarvestEvent) (HarvestEvent, Result, error) {
	harvest.EventMeta = s.stamp(ctx)
	res, err := s.mutate(ctx, OpRegisterBatch, id, domain.CategoryHarvest, ActionRegister, harvest.ID, func(ctx context.Context) (Result, error) {
		return s.store.Register(ctx, id, harvest)
	})
	if err != nil {
		return HarvestEvent{}, res, err
	}
	for _, fn := range s.onRegister {
		fn(ctx, id)
	}
	return harvest, res, nil
}

// AppendLabTest records a lab test against an existing batch.
func (s *Service) AppendLabTest(ctx context.Context, id BatchID, event LabTestEvent) (LabTestEvent, Result, error) {
	event.EventMeta = s.stamp(ctx)
	res, err := s.mutate(ctx, OpAppendLabTest, id, domain.CategoryLabTest, ActionAppend, event.ID, func(ctx context.Context) (Result, error) {
		return s.store.AppendLabTest(ctx, id, event)
	})
	if err != nil {
		return LabTestEvent{}, res, err
	}
	return event, res, nil
}

// AppendProcessingStep records a processing step against an existing batch.
func (s *Service) AppendProcessingStep(ctx context.Context, id BatchID, event ProcessingStepEvent) (ProcessingStepEvent, Result, error) {
	event.EventMeta = s.stamp(ctx)
	res, err := s.mutate(ctx, OpAppendProcessingStep, id, domain.CategoryProcessing, ActionAppend, event.ID, func(ctx context.Context) (Result, error) {
		return s.store.AppendProcessingStep(ctx, id, event)
	})
	if err != nil {
		return ProcessingStepEvent{}, res, err
	}
	return event, res, nil
}

// AppendTransportEvent records a custody movement against an existing batch.
func (s *Service) AppendTransportEvent(ctx context.Context, id BatchID, event TransportEvent) (TransportEvent, Result, error) {
	event.EventMeta = s.stamp(ctx)
	res, err := s.mutate(ctx, OpAppendTransportEvent, id, domain.CategoryTransport, ActionAppend, event.ID, func(ctx context.Context) (Result, error) {
		return s.store.AppendTransportEvent(ctx, id, event)
	})
	if err != nil {
		return TransportEvent{}, res, err
	}
	return event, res, nil
}

// Lookup returns the record registered under id.
func (s *Service) Lookup(ctx context.Context, id BatchID) (BatchRecord, error) {
	var rec BatchRecord
	err := s.observe(ctx, OpLookupBatch, id, func(ctx context.Context) error {
		var err error
		rec, err = s.store.Lookup(ctx, id)
		return err
	})
	return rec, err
}

// Timeline returns the aggregated timeline of id.
func (s *Service) Timeline(ctx context.Context, id BatchID) ([]TimelineEntry, error) {
	rec, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return domain.Aggregate(rec), nil
}

// ListBatches returns every registered identifier in ascending order.
func (s *Service) ListBatches(ctx context.Context) ([]BatchID, error) {
	var ids []BatchID
	err := s.observe(ctx, OpListBatches, "", func(ctx context.Context) error {
		var err error
		ids, err = s.store.List(ctx)
		return err
	})
	return ids, err
}

func (s *Service) observe(ctx context.Context, op string, id BatchID, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	start := s.clock.Now()
	err := fn(ctx)
	duration := s.clock.Now().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	switch {
	case err == nil:
		s.logger.Debug("operation completed", "operation", op, "batch_id", string(id), "duration", duration)
	case domain.IsExpected(err):
		s.logger.Info("operation rejected", "operation", op, "batch_id", string(id), "error", err)
	default:
		s.logger.Error("operation failed", "operation", op, "batch_id", string(id), "error", err)
	}
	return err
}

func (s *Service) mutate(ctx context.Context, op string, id BatchID, category Category, action Action, eventID string, fn func(context.Context) (Result, error)) (Result, error) {
	var res Result
	start := s.clock.Now()
	err := s.observe(ctx, op, id, func(ctx context.Context) error {
		var err error
		res, err = fn(ctx)
		return err
	})
	for _, v := range res.Violations {
		if v.Severity == SeverityWarn {
			s.logger.Warn("rule warning", "operation", op, "batch_id", string(id), "rule", v.Rule, "message", v.Message)
		}
	}
	entry := AuditEntry{
		Operation:  op,
		BatchID:    id,
		Category:   category,
		Action:     action,
		EventID:    eventID,
		Actor:      ActorFromContext(ctx),
		Status:     AuditStatusSuccess,
		Violations: res.Violations,
		Duration:   s.clock.Now().Sub(start),
		Timestamp:  s.clock.Now().UTC(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		entry.EventID = ""
	}
	s.audit.Record(ctx, entry)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}
