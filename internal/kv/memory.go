package kv

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. Set is visible immediately and Commit
// only records that it was called, so tests can assert commit ordering.
type Memory struct {
	mu      sync.RWMutex
	data    map[string]map[string][]byte
	commits int
	// failSet, when set, is returned by Set.
	failSet error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// FailSets makes subsequent Set calls return err. Pass nil to clear.
func (m *Memory) FailSets(err error) {
	m.mu.Lock()
	m.failSet = err
	m.mu.Unlock()
}

// Commits returns the number of Commit calls so far.
func (m *Memory) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

func (m *Memory) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *Memory) Keys(_ context.Context, namespace string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[namespace]))
	for k := range m.data[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Commit(context.Context) error {
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	return nil
}

// Rollback is a no-op; Memory has no batch to discard.
func (m *Memory) Rollback() {}

func (m *Memory) Close() error { return nil }
