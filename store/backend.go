// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "context"

// Unconditional, passed as an expected version, writes regardless of
// the stored version.
const Unconditional = ^uint64(0)

// Backend is the key/value contract a Store runs on. Tables are fixed
// by the Store; keys are opaque strings within a table.
//
// Versions start at 1 for a newly created record and increase by one
// on every write. A record deleted and created again continues from the
// version it was deleted at, so a version never repeats for a key.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the value and version stored under key, or
	// ErrNotFound.
	Get(ctx context.Context, table, key string) ([]byte, uint64, error)

	// List returns every record in table whose key starts with prefix,
	// ordered by key.
	List(ctx context.Context, table, prefix string) ([]Item, error)

	// Apply performs every operation atomically. Each operation's
	// Expected version is checked before anything is written; a single
	// mismatch fails the whole call with ErrConflict. The returned
	// slice holds the new version of each operation's record (zero for
	// deletes).
	Apply(ctx context.Context, ops ...Op) ([]uint64, error)

	// Close releases the backend's resources.
	Close() error
}

// Item is a record returned by List.
type Item struct {
	Key     string
	Value   []byte
	Version uint64
}

// Op is one write inside Apply.
type Op struct {
	Table string
	Key   string

	// Value is the new record. Ignored when Delete is set.
	Value []byte

	// Expected is the version the record must have: zero for "must
	// not exist", Unconditional for "any".
	Expected uint64

	Delete bool
}
