package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"herbtrace/internal/infra/persistence/memory"
	"herbtrace/pkg/domain"
)

type countingStore struct {
	domain.PersistentStore
	lookups atomic.Int32
	gate    chan struct{}
}

func (s *countingStore) Lookup(ctx context.Context, id domain.BatchID) (domain.BatchRecord, error) {
	rec, err := s.PersistentStore.Lookup(ctx, id)
	s.lookups.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return rec, err
}

func seeded(t *testing.T) *countingStore {
	t.Helper()
	inner := memory.NewStore(nil)
	harvest := domain.HarvestEvent{Farmer: "f", PlantType: "p", QuantityKg: 1, Location: "l", Timestamp: time.Now().Add(-time.Hour)}
	if _, err := inner.Register(context.Background(), "B1", harvest); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &countingStore{PersistentStore: inner}
}

func labTest() domain.LabTestEvent {
	return domain.LabTestEvent{TestType: "Purity", Result: "ok", LabID: "L", Timestamp: time.Now().Add(-time.Minute)}
}

type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	failGet bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = string(value.([]byte))
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func backendsUnderTest() map[string]func() Backend {
	return map[string]func() Backend{
		"lru":   func() Backend { return NewLRU(8, time.Minute) },
		"redis": func() Backend { return newRedis(newFakeRedis(), "", time.Minute) },
	}
}

func TestReadThroughAndEviction(t *testing.T) {
	ctx := context.Background()
	for name, mk := range backendsUnderTest() {
		t.Run(name, func(t *testing.T) {
			inner := seeded(t)
			s := New(inner, mk())

			for i := 0; i < 3; i++ {
				rec, err := s.Lookup(ctx, "B1")
				if err != nil {
					t.Fatalf("lookup: %v", err)
				}
				if len(rec.LabTests) != 0 {
					t.Fatalf("unexpected lab tests %+v", rec.LabTests)
				}
			}
			if got := inner.lookups.Load(); got != 1 {
				t.Fatalf("expected one store read, got %d", got)
			}

			if _, err := s.AppendLabTest(ctx, "B1", labTest()); err != nil {
				t.Fatalf("append: %v", err)
			}
			rec, err := s.Lookup(ctx, "B1")
			if err != nil {
				t.Fatalf("lookup after append: %v", err)
			}
			if len(rec.LabTests) != 1 {
				t.Fatalf("stale record served after append: %+v", rec)
			}
			if got := inner.lookups.Load(); got != 2 {
				t.Fatalf("expected re-read after eviction, got %d", got)
			}
		})
	}
}

func TestFillOverlappingAppendIsDiscarded(t *testing.T) {
	ctx := context.Background()
	for name, mk := range backendsUnderTest() {
		t.Run(name, func(t *testing.T) {
			inner := seeded(t)
			inner.gate = make(chan struct{})
			s := New(inner, mk())

			done := make(chan error, 1)
			go func() {
				_, err := s.Lookup(ctx, "B1")
				done <- err
			}()
			deadline := time.Now().Add(2 * time.Second)
			for inner.lookups.Load() == 0 {
				if time.Now().After(deadline) {
					t.Fatalf("fill never reached the store")
				}
				time.Sleep(time.Millisecond)
			}

			if _, err := s.AppendLabTest(ctx, "B1", labTest()); err != nil {
				t.Fatalf("append: %v", err)
			}
			close(inner.gate)
			if err := <-done; err != nil {
				t.Fatalf("lookup: %v", err)
			}

			rec, err := s.Lookup(ctx, "B1")
			if err != nil {
				t.Fatalf("lookup after append: %v", err)
			}
			if len(rec.LabTests) != 1 {
				t.Fatalf("fill from before the append was cached: %+v", rec.LabTests)
			}
		})
	}
}

func TestMissesAreNotCached(t *testing.T) {
	ctx := context.Background()
	inner := seeded(t)
	s := New(inner, NewLRU(8, time.Minute))
	for i := 0; i < 2; i++ {
		if _, err := s.Lookup(ctx, "NOPE"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if got := inner.lookups.Load(); got != 2 {
		t.Fatalf("not-found should reach the store each time, got %d", got)
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	ctx := context.Background()
	inner := seeded(t)
	inner.gate = make(chan struct{})
	s := New(inner, NewLRU(8, time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Lookup(ctx, "B1"); err != nil {
				t.Errorf("lookup: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(inner.gate)
	wg.Wait()
	if got := inner.lookups.Load(); got > 2 {
		t.Fatalf("expected concurrent misses to collapse, got %d store reads", got)
	}
}

func TestBackendFailureFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	inner := seeded(t)
	fake := newFakeRedis()
	fake.failGet = true
	s := New(inner, newRedis(fake, "test:", time.Minute))
	rec, err := s.Lookup(ctx, "B1")
	if err != nil || rec.ID != "B1" {
		t.Fatalf("expected store fallback, got %+v err=%v", rec, err)
	}
	if fake.ttls["test:B1"] != time.Minute {
		t.Fatalf("expected record cached with ttl, got %v", fake.ttls)
	}
}

func TestReturnedRecordsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := New(seeded(t), NewLRU(8, time.Minute))
	rec, _ := s.Lookup(ctx, "B1")
	rec.LabTests = append(rec.LabTests, labTest())
	again, _ := s.Lookup(ctx, "B1")
	if len(again.LabTests) != 0 {
		t.Fatalf("cached record mutated through caller copy")
	}
}

func TestFailedWritesKeepCache(t *testing.T) {
	ctx := context.Background()
	inner := seeded(t)
	s := New(inner, NewLRU(8, time.Minute))
	if _, err := s.Lookup(ctx, "B1"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := s.AppendLabTest(ctx, "B1", domain.LabTestEvent{}); !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if _, err := s.Lookup(ctx, "B1"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got := inner.lookups.Load(); got != 1 {
		t.Fatalf("failed write should not evict, got %d reads", got)
	}
}

func TestWrapSelectsBackend(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(nil)
	store, closeFn, err := Wrap(ctx, inner, Options{}, nil)
	if err != nil || store != domain.PersistentStore(inner) {
		t.Fatalf("expected passthrough, got %T err=%v", store, err)
	}
	_ = closeFn()
	store, _, err = Wrap(ctx, inner, Options{Driver: DriverLRU}, nil)
	if err != nil {
		t.Fatalf("wrap lru: %v", err)
	}
	if cs, ok := store.(*Store); !ok || cs.Unwrap() != domain.PersistentStore(inner) {
		t.Fatalf("expected cache decorator, got %T", store)
	}
	if _, _, err := Wrap(ctx, inner, Options{Driver: "memcached"}, nil); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
	if _, _, err := Wrap(ctx, inner, Options{Driver: DriverRedis}, nil); err == nil {
		t.Fatalf("expected missing address error")
	}
}
