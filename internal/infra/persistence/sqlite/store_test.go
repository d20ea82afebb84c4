package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"herbtrace/pkg/domain"
)

var harvestedAt = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	ctx := context.Background()
	harvest := domain.HarvestEvent{Farmer: "Farm", PlantType: "Tulsi", QuantityKg: 12.5, Location: "Kerala", Timestamp: harvestedAt}
	if _, err := store.Register(ctx, "B-1", harvest); err != nil {
		t.Fatalf("register: %v", err)
	}
	temp := 31.0
	step := domain.ProcessingStepEvent{StepType: "Extraction", Processor: "Mill", Description: "CO2", Timestamp: harvestedAt.Add(time.Hour), Temperature: &temp}
	if _, err := store.AppendProcessingStep(ctx, "B-1", step); err != nil {
		t.Fatalf("append: %v", err)
	}
	if store.Path() != path {
		t.Fatalf("unexpected path %s", store.Path())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	rec, err := reloaded.Lookup(ctx, "B-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(rec.ProcessingSteps) != 1 || rec.ProcessingSteps[0].Temperature == nil || *rec.ProcessingSteps[0].Temperature != 31 {
		t.Fatalf("unexpected reloaded record %+v", rec)
	}
	if rec.LabTests == nil {
		t.Fatalf("expected normalized empty lab tests")
	}
	if _, err := reloaded.Register(ctx, "B-1", harvest); !errors.Is(err, domain.ErrDuplicateBatch) {
		t.Fatalf("expected duplicate after reload, got %v", err)
	}
}

func TestSQLiteStoreFailedWriteLeavesStateUnchanged(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	ctx := context.Background()
	harvest := domain.HarvestEvent{Farmer: "Farm", PlantType: "Tulsi", QuantityKg: 1, Location: "Kerala", Timestamp: harvestedAt}
	if _, err := store.Register(ctx, "B-1", harvest); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.DB().Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	lab := domain.LabTestEvent{TestType: "Purity", Result: "ok", LabID: "Lab", Timestamp: harvestedAt}
	if _, err := store.AppendLabTest(ctx, "B-1", lab); err == nil {
		t.Fatalf("expected write failure on closed db")
	}
	rec, _ := store.Lookup(ctx, "B-1")
	if len(rec.LabTests) != 0 {
		t.Fatalf("expected rollback, got %d lab tests", len(rec.LabTests))
	}
}
