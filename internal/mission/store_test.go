package mission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (m *memKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *memKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.data[key], nil
}

func (m *memKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, "Feed the hungry"))
	m, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Feed the hungry", m)

	require.NoError(t, s.Clear(ctx))
	_, ok, err = s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	kv := &memKV{data: make(map[string][]byte)}
	exerciseStore(t, NewRedisStore(kv, "ace:layer1:"))
}

func TestRedisStoreUsesPrefixedKey(t *testing.T) {
	kv := &memKV{data: make(map[string][]byte)}
	s := NewRedisStore(kv, "ace:layer1:")
	require.NoError(t, s.Save(context.Background(), "m"))
	assert.Equal(t, []byte("m"), kv.data["ace:layer1:mission"])
}

func TestRedisStoreWrapsErrors(t *testing.T) {
	kv := &memKV{data: make(map[string][]byte), err: errors.New("READONLY")}
	s := NewRedisStore(kv, "")

	_, _, err := s.Load(context.Background())
	assert.ErrorContains(t, err, "load mission: READONLY")
	assert.ErrorContains(t, s.Save(context.Background(), "x"), "save mission")
}
