package storage

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store.
//
// Values do not survive a restart, so a callback handled by a different
// process than the one that started the login will fail state validation.
type MemoryStore struct {
	lk     sync.Mutex
	values map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	delete(m.values, key)
	return nil
}

func (m *MemoryStore) Take(ctx context.Context, key string) ([]byte, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.values, key)
	return v, nil
}

func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.lk.Lock()
	defer m.lk.Unlock()
	return len(m.values)
}
