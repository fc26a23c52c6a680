// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable home of every piece of cryptographic
// state the engine owns: the account, the device directory, pairwise
// and group sessions, consumed message indexes, live verification
// transactions, and key backup bookkeeping.
//
// A [Store] is a typed layer over a [Backend], a small key/value
// contract with per-record versions. Two backends ship here:
// [NewMemory] for tests and ephemeral clients, and [OpenSQLite] for
// everything else.
//
// # Compare and swap
//
// Every record returned by a getter carries the version it was read
// at. Writing it back succeeds only if the stored version still
// matches; otherwise the write fails with [ErrConflict] and nothing
// changes. A zero version means "this record must not exist yet".
// Callers follow snapshot, compute, commit: read the record, do any
// network work, then write with the version they read. A concurrent
// writer in between is detected rather than silently overwritten.
//
// Multi-record updates that must land together, such as consuming a
// one-time key while persisting the session it created, go through the
// Commit methods, which apply all of their writes atomically or none.
//
// # Records
//
// Each value is stored inside an envelope naming its kind and schema
// version. Decoding an envelope with an older schema runs the
// registered migrations in order; an unknown kind, a newer schema, or
// an undecodable payload is [ErrCorruption]. There is no best-effort
// parse.
package store
