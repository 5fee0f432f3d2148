package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemStore is a map-backed Store for tests and the ephemeral backend.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]json.RawMessage
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]json.RawMessage)}
}

// Load decodes the value at key into out.
func (m *MemStore) Load(ctx context.Context, key string, out any) error {
	m.mu.RLock()
	raw, ok := m.records[key]
	m.mu.RUnlock()
	if !ok {
		return keyError("load", key, ErrNotFound)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return keyError("decode", key, err)
	}
	return ctx.Err()
}

// Save encodes val and stores it under key.
func (m *MemStore) Save(ctx context.Context, key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return keyError("encode", key, err)
	}
	m.mu.Lock()
	m.records[key] = raw
	m.mu.Unlock()
	return ctx.Err()
}

// Keys lists stored keys in lexical order.
func (m *MemStore) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, ctx.Err()
}

// Reset drops every record.
func (m *MemStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.records = make(map[string]json.RawMessage)
	m.mu.Unlock()
	return ctx.Err()
}
