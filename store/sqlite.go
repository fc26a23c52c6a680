// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/matrixcrypto/lib/sqlitepool"
)

// Table names. Each entity kind has its own table with the same three
// columns: key, value (the encoded envelope), and version.
const (
	TableAccount                  = "account"
	TableDevices                  = "devices"
	TablePairwiseSessions         = "pairwise_sessions"
	TableInboundGroupSessions     = "inbound_group_sessions"
	TableOutboundGroupSessions    = "outbound_group_sessions"
	TableGroupMessageIndexes      = "group_message_indexes"
	TableVerificationTransactions = "verification_transactions"
	TableBackupVersions           = "backup_versions"
	TableBackedUpSessions         = "backed_up_sessions"
	TableRooms                    = "rooms"
	TableOutgoingKeyRequests      = "outgoing_key_requests"
)

var tables = []string{
	TableAccount,
	TableDevices,
	TablePairwiseSessions,
	TableInboundGroupSessions,
	TableOutboundGroupSessions,
	TableGroupMessageIndexes,
	TableVerificationTransactions,
	TableBackupVersions,
	TableBackedUpSessions,
	TableRooms,
	TableOutgoingKeyRequests,
}

func knownTable(table string) bool {
	for _, known := range tables {
		if known == table {
			return true
		}
	}
	return false
}

func sqliteSchema() string {
	var schema strings.Builder
	for _, table := range tables {
		fmt.Fprintf(&schema, `CREATE TABLE IF NOT EXISTS %s (
	key     TEXT PRIMARY KEY,
	value   BLOB NOT NULL,
	version INTEGER NOT NULL
) WITHOUT ROWID;
`, table)
	}
	// The last version of each deleted record, so a record created again
	// under the same key continues from it.
	schema.WriteString(`CREATE TABLE IF NOT EXISTS retired_versions (
	tbl     TEXT NOT NULL,
	key     TEXT NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (tbl, key)
) WITHOUT ROWID;
`)
	return schema.String()
}

// SQLiteConfig configures OpenSQLite.
type SQLiteConfig struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// SQLiteBackend persists tables in a SQLite database.
type SQLiteBackend struct {
	pool *sqlitepool.Pool
}

// OpenSQLite opens (creating if needed) the database at config.Path.
func OpenSQLite(config SQLiteConfig) (*SQLiteBackend, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Logger:   config.Logger,
		Schema:   sqliteSchema(),
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &SQLiteBackend{pool: pool}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, table, key string) ([]byte, uint64, error) {
	if !knownTable(table) {
		return nil, 0, fmt.Errorf("store: unknown table %q", table)
	}
	var (
		value   []byte
		version uint64
		found   bool
	)
	err := b.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value, version FROM "+table+" WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				version = uint64(stmt.ColumnInt64(1))
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("store: reading %s: %w", table, err)
	}
	if !found {
		return nil, 0, ErrNotFound
	}
	return value, version, nil
}

func (b *SQLiteBackend) List(ctx context.Context, table, prefix string) ([]Item, error) {
	if !knownTable(table) {
		return nil, fmt.Errorf("store: unknown table %q", table)
	}
	var items []Item
	err := b.pool.Read(ctx, func(conn *sqlite.Conn) error {
		// instr avoids LIKE escaping rules for keys containing % or _.
		return sqlitex.Execute(conn, "SELECT key, value, version FROM "+table+" WHERE instr(key, ?) = 1 ORDER BY key", &sqlitex.ExecOptions{
			Args: []any{prefix},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				item := Item{
					Key:     stmt.ColumnText(0),
					Value:   make([]byte, stmt.ColumnLen(1)),
					Version: uint64(stmt.ColumnInt64(2)),
				}
				stmt.ColumnBytes(1, item.Value)
				items = append(items, item)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", table, err)
	}
	return items, nil
}

func (b *SQLiteBackend) Apply(ctx context.Context, ops ...Op) ([]uint64, error) {
	for _, op := range ops {
		if !knownTable(op.Table) {
			return nil, fmt.Errorf("store: unknown table %q", op.Table)
		}
	}
	versions := make([]uint64, len(ops))
	err := b.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		for i, op := range ops {
			version, err := b.apply(conn, op)
			if err != nil {
				return err
			}
			versions[i] = version
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func (b *SQLiteBackend) apply(conn *sqlite.Conn, op Op) (uint64, error) {
	var (
		current uint64
		exists  bool
	)
	err := sqlitex.Execute(conn, "SELECT version FROM "+op.Table+" WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{op.Key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			current = uint64(stmt.ColumnInt64(0))
			exists = true
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: reading %s version: %w", op.Table, err)
	}
	if err := checkExpected(op, current, exists); err != nil {
		return 0, err
	}

	if op.Delete {
		if !exists {
			return 0, nil
		}
		if err := sqlitex.Execute(conn, "DELETE FROM "+op.Table+" WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{op.Key},
		}); err != nil {
			return 0, fmt.Errorf("store: deleting from %s: %w", op.Table, err)
		}
		err := sqlitex.Execute(conn, "INSERT INTO retired_versions (tbl, key, version) VALUES (?, ?, ?) "+
			"ON CONFLICT (tbl, key) DO UPDATE SET version = excluded.version", &sqlitex.ExecOptions{
			Args: []any{op.Table, op.Key, int64(current)},
		})
		if err != nil {
			return 0, fmt.Errorf("store: retiring %s version: %w", op.Table, err)
		}
		return 0, nil
	}

	next := current + 1
	if !exists {
		retired, err := b.retiredVersion(conn, op.Table, op.Key)
		if err != nil {
			return 0, err
		}
		next = retired + 1
	}
	err = sqlitex.Execute(conn, "INSERT INTO "+op.Table+" (key, value, version) VALUES (?, ?, ?) "+
		"ON CONFLICT (key) DO UPDATE SET value = excluded.value, version = excluded.version", &sqlitex.ExecOptions{
		Args: []any{op.Key, op.Value, int64(next)},
	})
	if err != nil {
		return 0, fmt.Errorf("store: writing %s: %w", op.Table, err)
	}
	return next, nil
}

// retiredVersion returns the last version of a deleted record and
// forgets it, or zero if the key was never deleted.
func (b *SQLiteBackend) retiredVersion(conn *sqlite.Conn, table, key string) (uint64, error) {
	var version uint64
	err := sqlitex.Execute(conn, "SELECT version FROM retired_versions WHERE tbl = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{table, key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = uint64(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: reading retired %s version: %w", table, err)
	}
	if version == 0 {
		return 0, nil
	}
	err = sqlitex.Execute(conn, "DELETE FROM retired_versions WHERE tbl = ? AND key = ?", &sqlitex.ExecOptions{
		Args: []any{table, key},
	})
	if err != nil {
		return 0, fmt.Errorf("store: clearing retired %s version: %w", table, err)
	}
	return version, nil
}

func (b *SQLiteBackend) Close() error {
	return b.pool.Close()
}
