// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"errors"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// State summarizes the backup of roomID's sessions. It is up-to-date
// when every session is in the current version, pending when any
// session is queued, and not-backed-up when there is no trusted version
// or a session has never been queued.
func (m *Manager) State(ctx context.Context, roomID ref.RoomID) (store.BackupStatus, error) {
	version, err := m.currentVersion(ctx)
	if err != nil || version == "" {
		return store.BackupNotBackedUp, err
	}
	sessions, err := m.store.ListInboundGroupSessions(ctx, roomID)
	if err != nil {
		return store.BackupNotBackedUp, err
	}
	state := store.BackupUpToDate
	for _, session := range sessions {
		state = min(state, sessionState(session, version))
	}
	return state, nil
}

// SessionState reports the backup of one session.
func (m *Manager) SessionState(ctx context.Context, roomID ref.RoomID, sessionID string) (store.BackupStatus, error) {
	version, err := m.currentVersion(ctx)
	if err != nil || version == "" {
		return store.BackupNotBackedUp, err
	}
	session, err := m.store.GetInboundGroupSession(ctx, roomID, sessionID)
	if err != nil {
		return store.BackupNotBackedUp, err
	}
	return sessionState(session, version), nil
}

func (m *Manager) currentVersion(ctx context.Context) (string, error) {
	version, err := m.store.GetBackupVersion(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !version.Trusted {
		return "", nil
	}
	return version.Version, nil
}

func sessionState(session *store.InboundGroupSession, version string) store.BackupStatus {
	switch {
	case session.Backup == store.BackupUpToDate && session.BackupVersion == version:
		return store.BackupUpToDate
	case session.Backup == store.BackupNotBackedUp:
		return store.BackupNotBackedUp
	default:
		return store.BackupPending
	}
}
