package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is a process-local Store. It backs tests and the file store.
type Memory struct {
	mu     sync.RWMutex
	items  map[string]Item
	closed bool
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]Item)}
}

func (m *Memory) Get(_ context.Context, key string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Item{}, fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	item, ok := m.items[key]
	if !ok {
		return Item{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return cloneItem(item), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	return m.putLocked(key, value), nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, version int64, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	if current := m.items[key].Version; current != version {
		return 0, fmt.Errorf("%s: %w (have %d, want %d)", key, ErrConflict, current, version)
	}
	return m.putLocked(key, value), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("%w: memory store closed", ErrUnavailable)
	}
	out := make([]Item, 0)
	for k, item := range m.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, cloneItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) putLocked(key string, value []byte) int64 {
	next := m.items[key].Version + 1
	m.items[key] = Item{Key: key, Value: append([]byte(nil), value...), Version: next}
	return next
}

func (m *Memory) snapshot() map[string]Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Item, len(m.items))
	for k, v := range m.items {
		out[k] = cloneItem(v)
	}
	return out
}

func cloneItem(item Item) Item {
	item.Value = append([]byte(nil), item.Value...)
	return item
}
