package core

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenPersistentStore(t *testing.T) {
	store, err := OpenPersistentStore(StorageOptions{}, NewRulesEngine())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, err := store.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}

	path := filepath.Join(t.TempDir(), "herbtrace.db")
	sqliteStore, err := OpenPersistentStore(StorageOptions{Driver: StorageSQLite, SQLitePath: path}, NewDefaultRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	svc := NewService(sqliteStore)
	if _, _, err := svc.RegisterBatch(context.Background(), "B-1", testHarvest()); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := OpenPersistentStore(StorageOptions{Driver: "cassandra"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
