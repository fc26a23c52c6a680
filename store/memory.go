// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend keeps every table in process memory. State is lost on
// exit; it exists for tests and short-lived clients.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[string]map[string]memoryEntry
	// retired holds the last version of each deleted record, so a record
	// created again under the same key continues from it.
	retired map[[2]string]uint64
	closed  bool
}

type memoryEntry struct {
	value   []byte
	version uint64
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{
		tables:  make(map[string]map[string]memoryEntry),
		retired: make(map[[2]string]uint64),
	}
}

func (m *MemoryBackend) Get(ctx context.Context, table, key string) ([]byte, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, fmt.Errorf("store: memory backend closed")
	}
	entry, ok := m.tables[table][key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), entry.value...), entry.version, nil
}

func (m *MemoryBackend) List(ctx context.Context, table, prefix string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("store: memory backend closed")
	}
	var items []Item
	for key, entry := range m.tables[table] {
		if strings.HasPrefix(key, prefix) {
			items = append(items, Item{Key: key, Value: append([]byte(nil), entry.value...), Version: entry.version})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (m *MemoryBackend) Apply(ctx context.Context, ops ...Op) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store: memory backend closed")
	}

	// Check every expectation against the state as it evolves through
	// the batch, then write.
	pending := make(map[[2]string]memoryEntry)
	deleted := make(map[[2]string]uint64)
	current := func(table, key string) (memoryEntry, bool) {
		id := [2]string{table, key}
		if _, ok := deleted[id]; ok {
			return memoryEntry{}, false
		}
		if entry, ok := pending[id]; ok {
			return entry, true
		}
		entry, ok := m.tables[table][key]
		return entry, ok
	}

	versions := make([]uint64, len(ops))
	for i, op := range ops {
		entry, exists := current(op.Table, op.Key)
		if err := checkExpected(op, entry.version, exists); err != nil {
			return nil, err
		}
		id := [2]string{op.Table, op.Key}
		if op.Delete {
			if !exists {
				continue
			}
			delete(pending, id)
			deleted[id] = entry.version
			continue
		}
		next := memoryEntry{value: append([]byte(nil), op.Value...), version: entry.version + 1}
		if !exists {
			retired, ok := deleted[id]
			if !ok {
				retired = m.retired[id]
			}
			next.version = retired + 1
		}
		delete(deleted, id)
		pending[id] = next
		versions[i] = next.version
	}

	for id, version := range deleted {
		delete(m.tables[id[0]], id[1])
		m.retired[id] = version
	}
	for id, entry := range pending {
		delete(m.retired, id)
		table := m.tables[id[0]]
		if table == nil {
			table = make(map[string]memoryEntry)
			m.tables[id[0]] = table
		}
		table[id[1]] = entry
	}
	return versions, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tables = nil
	m.retired = nil
	return nil
}

// checkExpected applies an Op's version expectation to the record's
// current state.
func checkExpected(op Op, version uint64, exists bool) error {
	switch {
	case op.Expected == Unconditional:
		return nil
	case op.Expected == 0 && exists:
		return fmt.Errorf("%w: %s/%s already exists", ErrConflict, op.Table, op.Key)
	case op.Expected != 0 && !exists:
		return fmt.Errorf("%w: %s/%s no longer exists", ErrConflict, op.Table, op.Key)
	case op.Expected != 0 && op.Expected != version:
		return fmt.Errorf("%w: %s/%s at version %d, expected %d", ErrConflict, op.Table, op.Key, version, op.Expected)
	}
	return nil
}
