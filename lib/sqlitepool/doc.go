// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pool behind the
// durable crypto store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies the same
// pragmas to every connection: WAL journaling, FULL synchronous mode
// (key material must survive power loss, not only process crashes),
// a five second busy timeout, and in-memory temp storage. Callers
// borrow a connection with [Pool.Take], return it with [Pool.Put], and
// run multi-statement writes inside [Pool.Immediate] so that a crash
// never leaves half of a logical update on disk.
//
// Connections are not safe for concurrent use. Each goroutine holds its
// own connection for the duration of its work.
package sqlitepool
