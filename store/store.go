// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// keySeparator joins the parts of composite keys. It cannot appear in
// Matrix identifiers or base64.
const keySeparator = "\x1f"

func joinKey(parts ...string) string { return strings.Join(parts, keySeparator) }

// record is implemented by every entity through its embedded Revision.
type record interface{ revision() *Revision }

// Store is the typed crypto store.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// New wraps backend. A nil logger discards output.
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{backend: backend, logger: logger}
}

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

func load[T any, P interface {
	*T
	record
}](ctx context.Context, s *Store, kind recordKind, key string) (P, error) {
	data, version, err := s.backend.Get(ctx, kind.table, key)
	if err != nil {
		return nil, err
	}
	value := P(new(T))
	if err := decodeRecord(kind, data, value); err != nil {
		s.logger.Error("undecodable record", "table", kind.table, "error", err)
		return nil, err
	}
	value.revision().Version = version
	return value, nil
}

func loadAll[T any, P interface {
	*T
	record
}](ctx context.Context, s *Store, kind recordKind, prefix string) ([]P, error) {
	items, err := s.backend.List(ctx, kind.table, prefix)
	if err != nil {
		return nil, err
	}
	values := make([]P, 0, len(items))
	for _, item := range items {
		value := P(new(T))
		if err := decodeRecord(kind, item.Value, value); err != nil {
			s.logger.Error("undecodable record", "table", kind.table, "error", err)
			return nil, err
		}
		value.revision().Version = item.Version
		values = append(values, value)
	}
	return values, nil
}

func writeOp(kind recordKind, key string, value record, expected uint64) (Op, error) {
	data, err := encodeRecord(kind, value)
	if err != nil {
		return Op{}, err
	}
	return Op{Table: kind.table, Key: key, Value: data, Expected: expected}, nil
}

// commit applies ops atomically and, on success, stores each new
// version into the matching record (nil entries are skipped).
func (s *Store) commit(ctx context.Context, ops []Op, values []record) error {
	versions, err := s.backend.Apply(ctx, ops...)
	if err != nil {
		return err
	}
	for i, value := range values {
		if value != nil {
			value.revision().Version = versions[i]
		}
	}
	return nil
}

// save writes value with compare-and-swap against its Revision.
func (s *Store) save(ctx context.Context, kind recordKind, key string, value record) error {
	op, err := writeOp(kind, key, value, value.revision().Version)
	if err != nil {
		return err
	}
	return s.commit(ctx, []Op{op}, []record{value})
}

// overwrite writes value regardless of the stored version.
func (s *Store) overwrite(ctx context.Context, kind recordKind, key string, value record) error {
	op, err := writeOp(kind, key, value, Unconditional)
	if err != nil {
		return err
	}
	return s.commit(ctx, []Op{op}, []record{value})
}

func (s *Store) remove(ctx context.Context, kind recordKind, key string, expected uint64) error {
	_, err := s.backend.Apply(ctx, Op{Table: kind.table, Key: key, Expected: expected, Delete: true})
	return err
}

// retryConflicts runs fn until it returns something other than
// ErrConflict, at most a few times. fn must re-read what it modifies.
func retryConflicts(fn func() error) error {
	var err error
	for range 8 {
		err = fn()
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

// Wipe deletes every record in every table.
func (s *Store) Wipe(ctx context.Context) error {
	var ops []Op
	for _, table := range tables {
		items, err := s.backend.List(ctx, table, "")
		if err != nil {
			return fmt.Errorf("store: wiping %s: %w", table, err)
		}
		for _, item := range items {
			ops = append(ops, Op{Table: table, Key: item.Key, Expected: Unconditional, Delete: true})
		}
	}
	if len(ops) == 0 {
		return nil
	}
	if _, err := s.backend.Apply(ctx, ops...); err != nil {
		return fmt.Errorf("store: wiping: %w", err)
	}
	s.logger.Info("crypto store wiped", "records", len(ops))
	return nil
}

// Counts returns the number of records in each table.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(tables))
	for _, table := range tables {
		items, err := s.backend.List(ctx, table, "")
		if err != nil {
			return nil, fmt.Errorf("store: counting %s: %w", table, err)
		}
		counts[table] = len(items)
	}
	return counts, nil
}
