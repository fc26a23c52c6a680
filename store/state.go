// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
)

// GetVerification returns a live verification transaction.
func (s *Store) GetVerification(ctx context.Context, transactionID string) (*VerificationRecord, error) {
	return load[VerificationRecord](ctx, s, kindVerification, transactionID)
}

// ListVerifications returns every live verification transaction.
func (s *Store) ListVerifications(ctx context.Context) ([]*VerificationRecord, error) {
	return loadAll[VerificationRecord](ctx, s, kindVerification, "")
}

// PutVerification writes a transaction with compare-and-swap.
func (s *Store) PutVerification(ctx context.Context, record *VerificationRecord) error {
	return s.save(ctx, kindVerification, record.TransactionID, record)
}

// DeleteVerification prunes a transaction. Deleting one that does not
// exist is not an error.
func (s *Store) DeleteVerification(ctx context.Context, transactionID string) error {
	return s.remove(ctx, kindVerification, transactionID, Unconditional)
}

const currentBackupKey = "current"

// GetBackupVersion returns the backup version this device uploads to.
func (s *Store) GetBackupVersion(ctx context.Context) (*BackupVersion, error) {
	return load[BackupVersion](ctx, s, kindBackupVersion, currentBackupKey)
}

// PutBackupVersion replaces the current backup version.
func (s *Store) PutBackupVersion(ctx context.Context, version *BackupVersion) error {
	return s.overwrite(ctx, kindBackupVersion, currentBackupKey, version)
}

// DeleteBackupVersion forgets the current backup version.
func (s *Store) DeleteBackupVersion(ctx context.Context) error {
	return s.remove(ctx, kindBackupVersion, currentBackupKey, Unconditional)
}

func backedUpKey(version string, roomID ref.RoomID, sessionID string) string {
	return joinKey(version, roomID.String(), sessionID)
}

// PutBackedUpSession records a session uploaded to version.
func (s *Store) PutBackedUpSession(ctx context.Context, session *BackedUpSession) error {
	return s.overwrite(ctx, kindBackedUpSession, backedUpKey(session.Version, session.RoomID, session.SessionID), session)
}

// ListBackedUpSessions returns the sessions recorded for version.
func (s *Store) ListBackedUpSessions(ctx context.Context, version string) ([]*BackedUpSession, error) {
	return loadAll[BackedUpSession](ctx, s, kindBackedUpSession, version+keySeparator)
}

// GetRoom returns a room's encryption state. A room never seen is
// returned as an unencrypted room with no members and version zero.
func (s *Store) GetRoom(ctx context.Context, roomID ref.RoomID) (*Room, error) {
	room, err := load[Room](ctx, s, kindRoom, roomID.String())
	if errors.Is(err, ErrNotFound) {
		return &Room{RoomID: roomID, Members: map[string]bool{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if room.Members == nil {
		room.Members = map[string]bool{}
	}
	return room, nil
}

// PutRoom writes a room with compare-and-swap.
func (s *Store) PutRoom(ctx context.Context, room *Room) error {
	return s.save(ctx, kindRoom, room.RoomID.String(), room)
}

// ListRooms returns every known room.
func (s *Store) ListRooms(ctx context.Context) ([]*Room, error) {
	return loadAll[Room](ctx, s, kindRoom, "")
}

// GetKeyRequest returns the outstanding request for a session.
func (s *Store) GetKeyRequest(ctx context.Context, roomID ref.RoomID, sessionID string) (*OutgoingKeyRequest, error) {
	return load[OutgoingKeyRequest](ctx, s, kindKeyRequest, inboundKey(roomID, sessionID))
}

// AddKeyRequest records a request. It fails with ErrConflict if one is
// already outstanding for the same session, which is how duplicate
// requests are suppressed.
func (s *Store) AddKeyRequest(ctx context.Context, request *OutgoingKeyRequest) error {
	request.Version = 0
	return s.save(ctx, kindKeyRequest, inboundKey(request.RoomID, request.SessionID), request)
}

// PutKeyRequest updates an outstanding request with compare-and-swap.
func (s *Store) PutKeyRequest(ctx context.Context, request *OutgoingKeyRequest) error {
	return s.save(ctx, kindKeyRequest, inboundKey(request.RoomID, request.SessionID), request)
}

// DeleteKeyRequest removes the outstanding request for a session.
func (s *Store) DeleteKeyRequest(ctx context.Context, roomID ref.RoomID, sessionID string) error {
	return s.remove(ctx, kindKeyRequest, inboundKey(roomID, sessionID), Unconditional)
}

// ListKeyRequests returns every outstanding request.
func (s *Store) ListKeyRequests(ctx context.Context) ([]*OutgoingKeyRequest, error) {
	return loadAll[OutgoingKeyRequest](ctx, s, kindKeyRequest, "")
}
