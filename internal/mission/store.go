// Package mission persists the layer's active mission so a restarted layer
// resumes overseeing the same objective.
package mission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store persists at most one mission. Load reports ok=false when none is held.
type Store interface {
	Load(ctx context.Context) (mission string, ok bool, err error)
	Save(ctx context.Context, mission string) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the mission in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	mission *string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mission == nil {
		return "", false, nil
	}
	return *s.mission, true, nil
}

func (s *MemoryStore) Save(ctx context.Context, mission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mission = &mission
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mission = nil
	return nil
}

// KVClient is the subset of Redis the store needs. Get returns nil, nil for
// a missing key.
type KVClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisStore keeps the mission under "<prefix>mission".
type RedisStore struct {
	client KVClient
	key    string
}

// NewRedisStore creates a Redis-backed store. keyPrefix namespaces the layer,
// e.g. "ace:layer1:".
func NewRedisStore(client KVClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, key: keyPrefix + "mission"}
}

func (s *RedisStore) Load(ctx context.Context) (string, bool, error) {
	val, err := s.client.Get(ctx, s.key)
	if err != nil {
		return "", false, fmt.Errorf("load mission: %w", err)
	}
	if val == nil {
		return "", false, nil
	}
	return string(val), true, nil
}

func (s *RedisStore) Save(ctx context.Context, mission string) error {
	if err := s.client.Set(ctx, s.key, []byte(mission), 0); err != nil {
		return fmt.Errorf("save mission: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key); err != nil {
		return fmt.Errorf("clear mission: %w", err)
	}
	return nil
}
