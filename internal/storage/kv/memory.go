package kv

import (
	"context"
	"sync"
	"time"
)

type memValue struct {
	value     string
	expiresAt time.Time // zero = never
}

func (v memValue) live(now time.Time) bool {
	return v.expiresAt.IsZero() || now.Before(v.expiresAt)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memValue
	lists  map[string][]string
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memValue),
		lists:  make(map[string][]string),
		now:    time.Now,
	}
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.values[key]; ok && cur.live(now) {
		return false, nil
	}
	v := memValue{value: value}
	if ttl > 0 {
		v.expiresAt = now.Add(ttl)
	}
	m.values[key] = v
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	if !cur.live(m.now()) {
		delete(m.values, key)
		return "", false, nil
	}
	return cur.value, true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) DeleteIf(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.values[key]
	if !ok || !cur.live(m.now()) || cur.value != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *MemoryStore) RPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *MemoryStore) LPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *MemoryStore) LPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	head := list[0]
	if len(list) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = list[1:]
	}
	return head, true, nil
}

func (m *MemoryStore) LLen(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[key]), nil
}

func (m *MemoryStore) LRange(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	out := make([]string, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryStore) LRem(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	for i, v := range list {
		if v != value {
			continue
		}
		rest := make([]string, 0, len(list)-1)
		rest = append(rest, list[:i]...)
		rest = append(rest, list[i+1:]...)
		if len(rest) == 0 {
			delete(m.lists, key)
		} else {
			m.lists[key] = rest
		}
		return true, nil
	}
	return false, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
