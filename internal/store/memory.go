/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemStore keeps documents in process memory. It backs tests and
// single-node development runs. Payload slices are replaced, never
// mutated, so snapshots stay valid after later writes.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string][]byte)}
}

func (m *MemStore) Get(ctx context.Context, collection, key string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(collection, key, out)
}

func (m *MemStore) Set(ctx context.Context, collection, key string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(collection, key, doc)
}

func (m *MemStore) Update(ctx context.Context, collection, key string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(collection, key, fields)
}

func (m *MemStore) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], key)
	return nil
}

func (m *MemStore) Query(ctx context.Context, collection string, q Query) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return evalQuery(q, m.data[collection])
}

func (m *MemStore) Increment(ctx context.Context, collection, key, field string, delta float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementLocked(collection, key, field, delta)
}

// RunTransaction serializes the callback under the store lock and rolls
// the data back when fn fails.
func (m *MemStore) RunTransaction(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	backup := make(map[string]map[string][]byte, len(m.data))
	for coll, docs := range m.data {
		cp := make(map[string][]byte, len(docs))
		for k, v := range docs {
			cp[k] = v
		}
		backup[coll] = cp
	}

	if err := fn(&memTx{store: m}); err != nil {
		m.data = backup
		return err
	}
	return nil
}

func (m *MemStore) getLocked(collection, key string, out any) error {
	raw, ok := m.data[collection][key]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (m *MemStore) setLocked(collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	if m.data[collection] == nil {
		m.data[collection] = make(map[string][]byte)
	}
	m.data[collection][key] = raw
	return nil
}

func (m *MemStore) updateLocked(collection, key string, fields Fields) error {
	raw, ok := m.data[collection][key]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	merged, err := mergeFields(raw, fields)
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, key, err)
	}
	m.data[collection][key] = merged
	return nil
}

func (m *MemStore) incrementLocked(collection, key, field string, delta float64) error {
	raw, ok := m.data[collection][key]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	next, err := incrementField(raw, field, delta)
	if err != nil {
		return fmt.Errorf("increment %s/%s.%s: %w", collection, key, field, err)
	}
	m.data[collection][key] = next
	return nil
}

// memTx issues operations against an already locked MemStore.
type memTx struct {
	store *MemStore
}

func (t *memTx) Get(_ context.Context, collection, key string, out any) error {
	return t.store.getLocked(collection, key, out)
}

func (t *memTx) Set(_ context.Context, collection, key string, doc any) error {
	return t.store.setLocked(collection, key, doc)
}

func (t *memTx) Update(_ context.Context, collection, key string, fields Fields) error {
	return t.store.updateLocked(collection, key, fields)
}

func (t *memTx) Delete(_ context.Context, collection, key string) error {
	delete(t.store.data[collection], key)
	return nil
}

func (t *memTx) Query(_ context.Context, collection string, q Query) ([]Snapshot, error) {
	return evalQuery(q, t.store.data[collection])
}

func (t *memTx) Increment(_ context.Context, collection, key, field string, delta float64) error {
	return t.store.incrementLocked(collection, key, field, delta)
}

// mergeFields applies a shallow merge of fields onto a JSON document.
func mergeFields(raw []byte, fields Fields) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	for k, v := range fields {
		doc[k] = normalize(v)
	}
	return json.Marshal(doc)
}

// incrementField adds delta to a numeric field, creating it when absent.
func incrementField(raw []byte, field string, delta float64) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	current := 0.0
	if v, ok := doc[field]; ok {
		f, isNum := v.(float64)
		if !isNum {
			return nil, fmt.Errorf("field is %T, not numeric", v)
		}
		current = f
	}
	doc[field] = current + delta
	return json.Marshal(doc)
}
