package core

import (
	"context"
	"errors"
	"strings"
	"sync"

	"herbtrace/pkg/domain"
)

// LookupState is the presentation-facing state of a LookupController.
type LookupState string

const (
	LookupIdle      LookupState = "idle"
	LookupSearching LookupState = "searching"
	LookupFound     LookupState = "found"
	LookupNotFound  LookupState = "not_found"
	LookupError     LookupState = "error"
	LookupRejected  LookupState = "rejected"
)

// ErrSuperseded is returned by Search when a newer Search or Reset replaced
// the request before it resolved.
var ErrSuperseded = errors.New("lookup superseded")

// BatchLookup is the read side of a batch record provider.
type BatchLookup interface {
	Lookup(ctx context.Context, id BatchID) (BatchRecord, error)
}

// LookupSnapshot is the observable state of a controller.
type LookupSnapshot struct {
	State    LookupState
	Query    BatchID
	Record   BatchRecord
	Timeline []TimelineEntry
	Err      error
}

// Notice returns the user-facing message for the snapshot.
func (s LookupSnapshot) Notice() Notice {
	switch s.State {
	case LookupFound:
		return FoundNotice(s.Query)
	case LookupIdle, LookupSearching:
		return Notice{}
	default:
		return NoticeFor(s.Query, s.Err)
	}
}

// LookupObserver is notified of every state change. It runs while the
// controller lock is held and must not call back into the controller.
type LookupObserver func(LookupSnapshot)

// LookupController runs identifier searches against a BatchLookup, exposing
// one outcome at a time. A newer search supersedes any in-flight one.
type LookupController struct {
	source BatchLookup
	logger Logger

	mu        sync.Mutex
	seq       uint64
	cancel    context.CancelFunc
	snap      LookupSnapshot
	observers []LookupObserver
}

// LookupOption configures a LookupController.
type LookupOption func(*LookupController)

// WithLookupLogger sets the controller logger.
func WithLookupLogger(logger Logger) LookupOption {
	return func(c *LookupController) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLookupObserver registers an observer.
func WithLookupObserver(fn LookupObserver) LookupOption {
	return func(c *LookupController) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

// NewLookupController constructs an idle controller.
func NewLookupController(source BatchLookup, opts ...LookupOption) *LookupController {
	c := &LookupController{
		source: source,
		logger: noopLogger{},
		snap:   LookupSnapshot{State: LookupIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current state.
func (c *LookupController) Snapshot() LookupSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Search looks up query and blocks until it resolves. The returned snapshot is
// the outcome of this request; ErrSuperseded means a newer request owns the
// controller state and this outcome was discarded.
func (c *LookupController) Search(ctx context.Context, query string) (LookupSnapshot, error) {
	trimmed := strings.TrimSpace(query)
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.cancelLocked()
	if trimmed == "" {
		c.setLocked(LookupSnapshot{State: LookupRejected, Err: domain.ErrEmptyIdentifier})
		snap := c.snap
		c.mu.Unlock()
		return snap, nil
	}
	id := BatchID(trimmed)
	searchCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setLocked(LookupSnapshot{State: LookupSearching, Query: id})
	c.mu.Unlock()

	rec, err := c.source.Lookup(searchCtx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq {
		cancel()
		return c.snap, ErrSuperseded
	}
	cancel()
	c.cancel = nil
	next := LookupSnapshot{Query: id}
	switch {
	case err == nil:
		next.State = LookupFound
		next.Record = rec
		next.Timeline = domain.Aggregate(rec)
	case errors.Is(err, domain.ErrNotFound):
		next.State = LookupNotFound
		next.Err = err
	default:
		next.State = LookupError
		next.Err = err
		c.logger.Error("batch lookup failed", "batch_id", string(id), "error", err)
	}
	c.setLocked(next)
	return next, nil
}

// Reset discards any in-flight search and returns the controller to Idle.
func (c *LookupController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.cancelLocked()
	c.setLocked(LookupSnapshot{State: LookupIdle})
}

func (c *LookupController) cancelLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *LookupController) setLocked(snap LookupSnapshot) {
	c.snap = snap
	for _, fn := range c.observers {
		fn(snap)
	}
}
