// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"github.com/bureau-foundation/matrixcrypto/lib/codec"
)

// envelope wraps every stored value.
type envelope struct {
	Kind    string           `cbor:"k"`
	Schema  uint16           `cbor:"s"`
	Payload codec.RawMessage `cbor:"p"`
}

// recordKind binds an entity to its table and current schema version.
// Bumping schema requires registering a migration from the previous
// version.
type recordKind struct {
	name   string
	table  string
	schema uint16
}

var (
	kindAccount              = recordKind{"account", TableAccount, 1}
	kindDevice               = recordKind{"device", TableDevices, 1}
	kindPairwiseSession      = recordKind{"pairwise_session", TablePairwiseSessions, 1}
	kindOutboundGroupSession = recordKind{"outbound_group_session", TableOutboundGroupSessions, 1}
	kindInboundGroupSession  = recordKind{"inbound_group_session", TableInboundGroupSessions, 2}
	kindGroupMessageIndex    = recordKind{"group_message_index", TableGroupMessageIndexes, 1}
	kindVerification         = recordKind{"verification_transaction", TableVerificationTransactions, 1}
	kindBackupVersion        = recordKind{"backup_version", TableBackupVersions, 1}
	kindBackedUpSession      = recordKind{"backed_up_session", TableBackedUpSessions, 1}
	kindRoom                 = recordKind{"room", TableRooms, 1}
	kindKeyRequest           = recordKind{"outgoing_key_request", TableOutgoingKeyRequests, 1}
)

// migration rewrites a decoded payload from schema N to N+1 in place.
type migration func(fields map[string]any) error

// migrations is keyed by kind name, then by the schema a step starts
// from.
var migrations = map[string]map[uint16]migration{
	kindInboundGroupSession.name: {
		1: migrateInboundGroupSessionV1,
	},
}

// migrateInboundGroupSessionV1 replaces the two provenance booleans of
// schema 1 with the forwarding chain and a single exported flag.
func migrateInboundGroupSessionV1(fields map[string]any) error {
	forwarded, _ := fields["forwarded"].(bool)
	imported, _ := fields["imported"].(bool)

	chain := []any{string(ForwardingDirect)}
	if imported {
		chain = []any{string(ForwardingExport)}
	}
	if forwarded {
		chain = append(chain, string(ForwardingForwarded))
	}
	fields["forwarding_chain"] = chain
	fields["exported"] = forwarded || imported
	delete(fields, "forwarded")
	delete(fields, "imported")
	return nil
}

func encodeRecord(kind recordKind, value any) ([]byte, error) {
	payload, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: encoding %s: %w", kind.name, err)
	}
	data, err := codec.Marshal(envelope{Kind: kind.name, Schema: kind.schema, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("store: encoding %s envelope: %w", kind.name, err)
	}
	return data, nil
}

func decodeRecord(kind recordKind, data []byte, value any) error {
	var wrapper envelope
	if err := codec.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("%w: %s envelope: %v", ErrCorruption, kind.name, err)
	}
	if wrapper.Kind != kind.name {
		return fmt.Errorf("%w: expected %s record, found %q", ErrCorruption, kind.name, wrapper.Kind)
	}
	if wrapper.Schema == 0 || wrapper.Schema > kind.schema {
		return fmt.Errorf("%w: %s schema %d not supported (current %d)", ErrCorruption, kind.name, wrapper.Schema, kind.schema)
	}

	payload := []byte(wrapper.Payload)
	if wrapper.Schema < kind.schema {
		migrated, err := migrate(kind, wrapper.Schema, payload)
		if err != nil {
			return err
		}
		payload = migrated
	}

	if err := codec.Unmarshal(payload, value); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrCorruption, kind.name, err)
	}
	return nil
}

func migrate(kind recordKind, from uint16, payload []byte) ([]byte, error) {
	var fields map[string]any
	if err := codec.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s schema %d payload: %v", ErrCorruption, kind.name, from, err)
	}
	for schema := from; schema < kind.schema; schema++ {
		step, ok := migrations[kind.name][schema]
		if !ok {
			return nil, fmt.Errorf("%w: no migration for %s from schema %d", ErrCorruption, kind.name, schema)
		}
		if err := step(fields); err != nil {
			return nil, fmt.Errorf("%w: migrating %s from schema %d: %v", ErrCorruption, kind.name, schema, err)
		}
	}
	migrated, err := codec.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("store: re-encoding migrated %s: %w", kind.name, err)
	}
	return migrated, nil
}
