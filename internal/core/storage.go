package core

import (
	"fmt"

	"herbtrace/internal/infra/persistence/memory"
	"herbtrace/internal/infra/persistence/postgres"
	"herbtrace/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / demos)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageOptions selects and parameterizes a backend.
type StorageOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenPersistentStore opens the backend named by opts. An empty driver means memory.
func OpenPersistentStore(opts StorageOptions, engine *RulesEngine) (PersistentStore, error) {
	switch opts.Driver {
	case "", StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(opts.SQLitePath, engine)
	case StoragePostgres:
		return postgres.NewStore(opts.PostgresDSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", opts.Driver)
	}
}
