// Package infra provides concrete infrastructure adapters for Redis.
//
// GoRedisAdapter wraps go-redis v9 and implements fabric.RedisQueueClient
// (list queues for the buses) and mission.KVClient (mission persistence).
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ace/aspirant/internal/fabric"
	"github.com/ace/aspirant/internal/mission"
)

// GoRedisAdapter wraps go-redis v9 to implement the minimal interfaces
// expected by fabric.RedisBus and mission.RedisStore.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to Redis and verifies the connection with a ping.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		WriteTimeout: 2 * time.Second,
		// BLMOVE blocks server-side; go-redis extends the read deadline by the
		// command timeout, so a short base read timeout is safe.
		ReadTimeout: 3 * time.Second,
		PoolSize:    20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// NewGoRedisAdapterFromClient wraps an existing client.
func NewGoRedisAdapterFromClient(rdb *redis.Client) *GoRedisAdapter {
	return &GoRedisAdapter{rdb: rdb}
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// Ping checks connectivity.
func (a *GoRedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// =============================================================================
// fabric.RedisQueueClient implementation
// =============================================================================

func (a *GoRedisAdapter) LPush(ctx context.Context, key string, value []byte) error {
	return a.rdb.LPush(ctx, key, value).Err()
}

// BLMove moves the tail (oldest) entry of source to the head of destination.
func (a *GoRedisAdapter) BLMove(ctx context.Context, source, destination string, timeout time.Duration) ([]byte, error) {
	val, err := a.rdb.BLMove(ctx, source, destination, "RIGHT", "LEFT", timeout).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fabric.ErrQueueEmpty
	}
	return val, err
}

func (a *GoRedisAdapter) LMove(ctx context.Context, source, destination string) ([]byte, error) {
	val, err := a.rdb.LMove(ctx, source, destination, "RIGHT", "LEFT").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fabric.ErrQueueEmpty
	}
	return val, err
}

func (a *GoRedisAdapter) LRem(ctx context.Context, key string, value []byte) error {
	return a.rdb.LRem(ctx, key, 1, value).Err()
}

// =============================================================================
// mission.KVClient implementation
// =============================================================================

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns nil, nil when key does not exist.
func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

var (
	_ fabric.RedisQueueClient = (*GoRedisAdapter)(nil)
	_ mission.KVClient        = (*GoRedisAdapter)(nil)
)
