package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"herbtrace/pkg/domain"
)

type countingLookup struct {
	mu    sync.Mutex
	calls int
	inner BatchLookup
}

func (c *countingLookup) Lookup(ctx context.Context, id BatchID) (BatchRecord, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Lookup(ctx, id)
}

func seededService(t *testing.T) *Service {
	t.Helper()
	svc := NewInMemoryService(NewDefaultRulesEngine(), WithClock(ClockFunc(func() time.Time { return fixedNow })))
	if err := SeedDemo(context.Background(), svc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return svc
}

func TestLookupControllerOutcomes(t *testing.T) {
	source := &countingLookup{inner: seededService(t)}
	var states []LookupState
	ctrl := NewLookupController(source, WithLookupObserver(func(s LookupSnapshot) { states = append(states, s.State) }))
	ctx := context.Background()

	snap, err := ctrl.Search(ctx, "   ")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if snap.State != LookupRejected || !errors.Is(snap.Err, domain.ErrEmptyIdentifier) {
		t.Fatalf("expected rejected empty identifier, got %+v", snap)
	}
	if source.calls != 0 {
		t.Fatalf("blank search must not reach the store")
	}
	if snap.Notice().Title != "Batch ID Required" {
		t.Fatalf("unexpected notice %+v", snap.Notice())
	}

	snap, _ = ctrl.Search(ctx, " BATCH_001 ")
	if snap.State != LookupFound || snap.Query != "BATCH_001" {
		t.Fatalf("expected found, got %+v", snap)
	}
	if len(snap.Timeline) != snap.Record.EventCount() || snap.Timeline[0].Title != "Harvested" {
		t.Fatalf("expected aggregated timeline, got %+v", snap.Timeline)
	}
	if snap.Notice().Description != "Successfully loaded data for BATCH_001" {
		t.Fatalf("unexpected notice %+v", snap.Notice())
	}

	snap, _ = ctrl.Search(ctx, "BATCH_999")
	if snap.State != LookupNotFound {
		t.Fatalf("expected not found, got %+v", snap)
	}
	if snap.Notice().Description != "No data found for batch ID: BATCH_999" {
		t.Fatalf("unexpected notice %+v", snap.Notice())
	}
	if ctrl.Snapshot().Record.ID != "" {
		t.Fatalf("found record must be replaced by later search")
	}

	want := []LookupState{LookupRejected, LookupSearching, LookupFound, LookupSearching, LookupNotFound}
	if len(states) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, states)
		}
	}

	ctrl.Reset()
	if ctrl.Snapshot().State != LookupIdle {
		t.Fatalf("expected idle after reset")
	}
}

type faultLookup struct{}

func (faultLookup) Lookup(context.Context, BatchID) (BatchRecord, error) {
	return BatchRecord{}, errors.New("backend unavailable")
}

func TestLookupControllerFaultIsError(t *testing.T) {
	logger := &captureLogger{}
	ctrl := NewLookupController(faultLookup{}, WithLookupLogger(logger))
	snap, _ := ctrl.Search(context.Background(), "BATCH_001")
	if snap.State != LookupError {
		t.Fatalf("expected error state, got %+v", snap)
	}
	if snap.Notice().Description != "Failed to fetch batch data. Please try again." {
		t.Fatalf("unexpected notice %+v", snap.Notice())
	}
	if logger.count("e:") != 1 {
		t.Fatalf("expected fault log")
	}
}

// gatedLookup blocks lookups of "A" until released or cancelled.
type gatedLookup struct {
	started chan struct{}
	release chan struct{}
	inner   BatchLookup
}

func (g *gatedLookup) Lookup(ctx context.Context, id BatchID) (BatchRecord, error) {
	if id == "A" {
		close(g.started)
		select {
		case <-g.release:
		case <-ctx.Done():
			return BatchRecord{}, ctx.Err()
		}
	}
	return g.inner.Lookup(ctx, id)
}

func TestLookupControllerLastSearchWins(t *testing.T) {
	gate := &gatedLookup{started: make(chan struct{}), release: make(chan struct{}), inner: seededService(t)}
	ctrl := NewLookupController(gate)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.Search(ctx, "A")
		errCh <- err
	}()
	<-gate.started
	snap, err := ctrl.Search(ctx, "BATCH_001")
	if err != nil || snap.State != LookupFound {
		t.Fatalf("expected B to be found, got %+v %v", snap, err)
	}
	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}
	final := ctrl.Snapshot()
	if final.State != LookupFound || final.Query != "BATCH_001" {
		t.Fatalf("controller must reflect only the latest search, got %+v", final)
	}
}

func TestLookupControllerResetDiscardsInFlight(t *testing.T) {
	gate := &gatedLookup{started: make(chan struct{}), release: make(chan struct{}), inner: seededService(t)}
	ctrl := NewLookupController(gate)
	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.Search(context.Background(), "A")
		errCh <- err
	}()
	<-gate.started
	ctrl.Reset()
	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}
	if ctrl.Snapshot().State != LookupIdle {
		t.Fatalf("expected idle, got %s", ctrl.Snapshot().State)
	}
}

func TestLookupControllerCallerCancellationIsError(t *testing.T) {
	gate := &gatedLookup{started: make(chan struct{}), release: make(chan struct{}), inner: seededService(t)}
	ctrl := NewLookupController(gate)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-gate.started
		cancel()
	}()
	snap, err := ctrl.Search(ctx, "A")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if snap.State != LookupError || !errors.Is(snap.Err, context.Canceled) {
		t.Fatalf("expected retryable error state, got %+v", snap)
	}
}
