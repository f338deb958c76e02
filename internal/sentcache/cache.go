// Package sentcache remembers records that were already sent so a redelivered
// batch re-appends them instead of notifying someone twice.
package sentcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

// ErrMiss is returned by Get when nothing is cached for the id.
var ErrMiss = errors.New("sentcache: miss")

// Cache stores sent records by notification id.
type Cache interface {
	Get(ctx context.Context, id string) (dispatch.Record, error)
	Put(ctx context.Context, rec dispatch.Record) error
}

const keyPrefix = "dispatchd:sent:"

// RedisCache keeps records as JSON strings with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient creates a client for addr ("host:port").
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisCache wraps client. A zero ttl defaults to 24h.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, id string) (dispatch.Record, error) {
	b, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return dispatch.Record{}, ErrMiss
	}
	if err != nil {
		return dispatch.Record{}, fmt.Errorf("sentcache get %s: %w", id, err)
	}
	var rec dispatch.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return dispatch.Record{}, fmt.Errorf("sentcache decode %s: %w", id, err)
	}
	return rec, nil
}

// Put caches rec. Only sent records are stored.
func (c *RedisCache) Put(ctx context.Context, rec dispatch.Record) error {
	if rec.Status != dispatch.StatusSent {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+rec.NotificationID, b, c.ttl).Err()
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// MemoryCache is a process-local Cache without expiry.
type MemoryCache struct {
	mu      sync.RWMutex
	records map[string]dispatch.Record
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: make(map[string]dispatch.Record)}
}

func (c *MemoryCache) Get(_ context.Context, id string) (dispatch.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return dispatch.Record{}, ErrMiss
	}
	return rec, nil
}

func (c *MemoryCache) Put(_ context.Context, rec dispatch.Record) error {
	if rec.Status != dispatch.StatusSent {
		return nil
	}
	c.mu.Lock()
	c.records[rec.NotificationID] = rec
	c.mu.Unlock()
	return nil
}

// Nop never hits. Used when no cache is configured.
type Nop struct{}

func (Nop) Get(context.Context, string) (dispatch.Record, error) { return dispatch.Record{}, ErrMiss }
func (Nop) Put(context.Context, dispatch.Record) error             { return nil }
