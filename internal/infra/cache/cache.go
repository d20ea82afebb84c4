// Package cache provides a read-through cache decorator over a batch record
// store, backed by an in-process LRU or by Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"herbtrace/pkg/domain"
)

// Backend holds cached records. A miss returns ok == false and a nil error.
type Backend interface {
	Get(ctx context.Context, id domain.BatchID) (rec domain.BatchRecord, ok bool, err error)
	Set(ctx context.Context, rec domain.BatchRecord) error
	Delete(ctx context.Context, id domain.BatchID) error
}

// Logger is the subset of core.Logger used for backend failures.
type Logger interface {
	Warn(msg string, args ...any)
}

type discard struct{}

func (discard) Warn(string, ...any) {}

// Store decorates a PersistentStore. Lookups read through the backend with
// concurrent misses collapsed into one store read; successful writes evict
// the batch. Backend failures degrade to the underlying store.
type Store struct {
	domain.PersistentStore
	backend Backend
	group   singleflight.Group
	logger  Logger
	// writes counts successful writes; a fill that overlapped one is not kept.
	writes atomic.Uint64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger reports backend failures.
func WithLogger(l Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps inner with backend.
func New(inner domain.PersistentStore, backend Backend, opts ...Option) *Store {
	s := &Store{PersistentStore: inner, backend: backend, logger: discard{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup implements domain.BatchProvider.
func (s *Store) Lookup(ctx context.Context, id domain.BatchID) (domain.BatchRecord, error) {
	rec, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		s.logger.Warn("cache get failed", "batch_id", string(id), "error", err)
	} else if ok {
		return rec, nil
	}
	v, err, _ := s.group.Do(string(id), func() (any, error) {
		seen := s.writes.Load()
		rec, err := s.PersistentStore.Lookup(ctx, id)
		if err != nil {
			return domain.BatchRecord{}, err
		}
		if s.writes.Load() != seen {
			return rec, nil
		}
		if err := s.backend.Set(ctx, rec); err != nil {
			s.logger.Warn("cache set failed", "batch_id", string(id), "error", err)
			return rec, nil
		}
		if s.writes.Load() != seen {
			s.evict(ctx, id)
		}
		return rec, nil
	})
	if err != nil {
		return domain.BatchRecord{}, err
	}
	return v.(domain.BatchRecord).Clone(), nil
}

// Register implements domain.BatchProvider.
func (s *Store) Register(ctx context.Context, id domain.BatchID, harvest domain.HarvestEvent) (domain.Result, error) {
	return s.evictAfter(ctx, id, func() (domain.Result, error) {
		return s.PersistentStore.Register(ctx, id, harvest)
	})
}

// AppendLabTest implements domain.BatchProvider.
func (s *Store) AppendLabTest(ctx context.Context, id domain.BatchID, event domain.LabTestEvent) (domain.Result, error) {
	return s.evictAfter(ctx, id, func() (domain.Result, error) {
		return s.PersistentStore.AppendLabTest(ctx, id, event)
	})
}

// AppendProcessingStep implements domain.BatchProvider.
func (s *Store) AppendProcessingStep(ctx context.Context, id domain.BatchID, event domain.ProcessingStepEvent) (domain.Result, error) {
	return s.evictAfter(ctx, id, func() (domain.Result, error) {
		return s.PersistentStore.AppendProcessingStep(ctx, id, event)
	})
}

// AppendTransportEvent implements domain.BatchProvider.
func (s *Store) AppendTransportEvent(ctx context.Context, id domain.BatchID, event domain.TransportEvent) (domain.Result, error) {
	return s.evictAfter(ctx, id, func() (domain.Result, error) {
		return s.PersistentStore.AppendTransportEvent(ctx, id, event)
	})
}

func (s *Store) evict(ctx context.Context, id domain.BatchID) {
	if err := s.backend.Delete(ctx, id); err != nil {
		s.logger.Warn("cache evict failed", "batch_id", string(id), "error", err)
	}
}

// Unwrap returns the decorated store.
func (s *Store) Unwrap() domain.PersistentStore { return s.PersistentStore }

// evictAfter drops the cached copy once the write lands. The write counter
// is bumped before the delete so a fill that read the old record either sees
// the bump and discards its copy or is removed by the delete.
func (s *Store) evictAfter(ctx context.Context, id domain.BatchID, write func() (domain.Result, error)) (domain.Result, error) {
	res, err := write()
	if err != nil {
		return res, err
	}
	s.writes.Add(1)
	s.evict(ctx, id)
	s.group.Forget(string(id))
	return res, nil
}

// Driver identifies a cache backend.
type Driver string

const (
	DriverNone  Driver = "none"
	DriverLRU   Driver = "lru"
	DriverRedis Driver = "redis"
)

// DefaultSize and DefaultTTL apply when Options leaves them zero.
const (
	DefaultSize = 1024
	DefaultTTL  = 5 * time.Minute
)

// Options selects a backend.
type Options struct {
	Driver    Driver        `yaml:"driver"`
	Size      int           `yaml:"size"`
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"`
	Prefix    string        `yaml:"prefix"`
}

// ErrUnknownDriver is returned by Wrap for an unrecognised driver.
var ErrUnknownDriver = errors.New("unknown cache driver")

// Wrap decorates inner according to opts. DriverNone and the empty driver
// return inner unchanged. The returned close function releases backend
// connections.
func Wrap(ctx context.Context, inner domain.PersistentStore, opts Options, logger Logger) (domain.PersistentStore, func() error, error) {
	noop := func() error { return nil }
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	switch opts.Driver {
	case "", DriverNone:
		return inner, noop, nil
	case DriverLRU:
		size := opts.Size
		if size <= 0 {
			size = DefaultSize
		}
		return New(inner, NewLRU(size, ttl), WithLogger(logger)), noop, nil
	case DriverRedis:
		backend, err := DialRedis(ctx, RedisConfig{Addr: opts.RedisAddr, Prefix: opts.Prefix, TTL: ttl})
		if err != nil {
			return nil, nil, err
		}
		return New(inner, backend, WithLogger(logger)), backend.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownDriver, opts.Driver)
	}
}
