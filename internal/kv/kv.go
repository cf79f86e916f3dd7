// Package kv is a namespaced key-value store with explicit commits. Writes
// are buffered until Commit and reads see buffered writes.
package kv

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	// Keys lists committed and pending keys in a namespace, sorted.
	Keys(ctx context.Context, namespace string) ([]string, error)
	// Commit makes buffered writes durable as one unit. A failed Commit
	// discards the batch; nothing from it stays visible.
	Commit(ctx context.Context) error
	// Rollback discards buffered writes.
	Rollback()
	Close() error
}

// op is a pending write. A nil value is a delete.
type op struct {
	value []byte
}

// batch buffers writes for the persistent backends.
type batch struct {
	mu      sync.Mutex
	pending map[string]map[string]op
}

func newBatch() *batch {
	return &batch{pending: make(map[string]map[string]op)}
}

func (b *batch) put(namespace, key string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.pending[namespace]
	if !ok {
		ns = make(map[string]op)
		b.pending[namespace] = ns
	}
	var v []byte
	if value != nil {
		v = append(make([]byte, 0, len(value)), value...)
	}
	ns[key] = op{value: v}
}

// lookup returns the pending value and whether the key has a pending write.
func (b *batch) lookup(namespace, key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.pending[namespace][key]
	if !ok {
		return nil, false
	}
	return o.value, true
}

// overlay merges pending writes for namespace onto committed keys.
func (b *batch) overlay(namespace string, committed []string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := make(map[string]bool, len(committed))
	for _, k := range committed {
		set[k] = true
	}
	for k, o := range b.pending[namespace] {
		set[k] = o.value != nil
	}
	out := make([]string, 0, len(set))
	for k, present := range set {
		if present {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// take removes and returns the pending writes.
func (b *batch) take() map[string]map[string]op {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending
	b.pending = make(map[string]map[string]op)
	return p
}
