package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq atomic.Uint64

// OperationStats aggregates the outcomes of one service operation.
type OperationStats struct {
	Calls   int64   `json:"calls"`
	Errors  int64   `json:"errors"`
	TotalMS float64 `json:"total_ms"`
}

// ExpvarMetricsRecorder publishes per-operation OperationStats under a
// single expvar name.
type ExpvarMetricsRecorder struct {
	name string
	mu   sync.Mutex
	ops  map[string]*OperationStats
}

// NewExpvarMetricsRecorder publishes a recorder as name, or as a generated
// herbtrace_service_metrics_N when name is empty.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("herbtrace_service_metrics_%d", expvarSeq.Add(1))
	}
	r := &ExpvarMetricsRecorder{name: name, ops: make(map[string]*OperationStats)}
	expvar.Publish(name, expvar.Func(func() any { return r.Snapshot() }))
	return r
}

// Name is the expvar key.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot copies the current stats keyed by operation.
func (r *ExpvarMetricsRecorder) Snapshot() map[string]OperationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]OperationStats, len(r.ops))
	for op, st := range r.ops {
		out[op] = *st
	}
	return out
}

// Observe implements MetricsRecorder. Unnamed operations are dropped.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.ops[operation]
	if !ok {
		st = &OperationStats{}
		r.ops[operation] = st
	}
	st.Calls++
	if !success {
		st.Errors++
	}
	st.TotalMS += float64(duration) / float64(time.Millisecond)
}

// MultiMetricsRecorder forwards observations to every non-nil recorder.
type MultiMetricsRecorder []MetricsRecorder

// Observe implements MetricsRecorder.
func (m MultiMetricsRecorder) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		if r != nil {
			r.Observe(ctx, operation, success, duration)
		}
	}
}

// SpanRecord is one finished service operation as written by SpanLog.
type SpanRecord struct {
	Operation string    `json:"operation"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Start     time.Time `json:"start"`
	ElapsedMS float64   `json:"elapsed_ms"`
}

// DefaultSpanLogRecent is how many records SpanLog keeps for Recent.
const DefaultSpanLogRecent = 128

// SpanLog is a Tracer that appends one JSON line per finished operation to
// a writer and keeps the most recent records in memory.
type SpanLog struct {
	mu     sync.Mutex
	enc    *json.Encoder
	recent []SpanRecord
	next   int
	full   bool
	clock  Clock
}

// NewSpanLog writes records to w; a nil w only keeps them in memory.
func NewSpanLog(w io.Writer) *SpanLog {
	l := &SpanLog{
		recent: make([]SpanRecord, DefaultSpanLogRecent),
		clock:  ClockFunc(func() time.Time { return time.Now().UTC() }),
	}
	if w != nil {
		l.enc = json.NewEncoder(w)
	}
	return l
}

// Recent returns the retained records, oldest first.
func (l *SpanLog) Recent() []SpanRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]SpanRecord(nil), l.recent[:l.next]...)
	}
	out := make([]SpanRecord, 0, len(l.recent))
	out = append(out, l.recent[l.next:]...)
	return append(out, l.recent[:l.next]...)
}

// Start implements Tracer.
func (l *SpanLog) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, spanLogSpan{log: l, operation: operation, start: l.clock.Now()}
}

func (l *SpanLog) write(rec SpanRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent[l.next] = rec
	l.next = (l.next + 1) % len(l.recent)
	if l.next == 0 {
		l.full = true
	}
	if l.enc != nil {
		_ = l.enc.Encode(rec)
	}
}

type spanLogSpan struct {
	log       *SpanLog
	operation string
	start     time.Time
}

func (s spanLogSpan) End(err error) {
	rec := SpanRecord{
		Operation: s.operation,
		Outcome:   outcome(err == nil),
		Start:     s.start,
		ElapsedMS: float64(s.log.clock.Now().Sub(s.start)) / float64(time.Millisecond),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.log.write(rec)
}

// Tracers starts a span on each tracer in order and ends them together.
type Tracers []Tracer

// Start implements Tracer. Each tracer sees the context returned by the
// one before it.
func (t Tracers) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	spans := make(multiSpan, 0, len(t))
	for _, tr := range t {
		if tr == nil {
			continue
		}
		var span TraceSpan
		ctx, span = tr.Start(ctx, operation)
		spans = append(spans, span)
	}
	return ctx, spans
}

type multiSpan []TraceSpan

func (m multiSpan) End(err error) {
	for i := len(m) - 1; i >= 0; i-- {
		m[i].End(err)
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
