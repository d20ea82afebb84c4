package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"herbtrace/pkg/domain"
)

// DefaultRedisPrefix namespaces cached records.
const DefaultRedisPrefix = "herbtrace:batch:"

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	Timeout  time.Duration
}

// redisClient is the command subset used by Redis; *redis.Client satisfies it.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis stores JSON-encoded records with a TTL.
type Redis struct {
	client redisClient
	closer func() error
	prefix string
	ttl    time.Duration
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	r := newRedis(client, cfg.Prefix, cfg.TTL)
	r.closer = client.Close
	return r, nil
}

func newRedis(client redisClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(id domain.BatchID) string { return r.prefix + string(id) }

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, id domain.BatchID) (domain.BatchRecord, bool, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BatchRecord{}, false, nil
	}
	if err != nil {
		return domain.BatchRecord{}, false, err
	}
	var rec domain.BatchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.BatchRecord{}, false, fmt.Errorf("decode cached batch %s: %w", id, err)
	}
	return rec, true, nil
}

// Set implements Backend.
func (r *Redis) Set(ctx context.Context, rec domain.BatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", rec.ID, err)
	}
	return r.client.Set(ctx, r.key(rec.ID), data, r.ttl).Err()
}

// Delete implements Backend.
func (r *Redis) Delete(ctx context.Context, id domain.BatchID) error {
	return r.client.Del(ctx, r.key(id)).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
