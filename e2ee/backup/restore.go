// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/sealed"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/olm"
	"github.com/bureau-foundation/matrixcrypto/store"
)

var errIntegrity = errors.New("backup: session does not match its backup entry")

// RestoreResult counts the outcome of a restore.
type RestoreResult struct {
	Version string
	Total   int

	// Imported sessions were stored; Skipped ones were already held at
	// an index at least as early.
	Imported int
	Skipped  int

	// Failed sessions did not decrypt, failed the integrity check, or
	// could not be stored.
	Failed int
}

// RestoreFromBackup downloads every session of the server's current
// backup version, decrypts each with recoverySecret, checks it against
// the room and session it was filed under, and imports it. A session
// that fails is counted and skipped. Holding the recovery key proves
// the version belongs to this account, so it becomes the version this
// device uploads to.
func (m *Manager) RestoreFromBackup(ctx context.Context, recoverySecret *secret.Buffer) (*RestoreResult, error) {
	current, err := m.fetchVersion(ctx)
	if err != nil {
		return nil, err
	}
	auth, err := parseAuthData(current)
	if err != nil {
		return nil, err
	}
	publicKey, err := sealed.PublicKeyFor(recoverySecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthDataInvalid, err)
	}
	if publicKey != auth.PublicKey {
		return nil, fmt.Errorf("%w: recovery key does not belong to backup version %s", ErrAuthDataInvalid, current.Version)
	}

	var keys *messaging.RoomKeys
	err = m.retry(ctx, "download room keys", func() error {
		var err error
		keys, err = m.server.GetRoomKeys(ctx, current.Version)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := m.adopt(ctx, &store.BackupVersion{
		Version:    current.Version,
		Algorithm:  current.Algorithm,
		PublicKey:  auth.PublicKey,
		Signatures: auth.Signatures,
		Trusted:    true,
	}); err != nil {
		return nil, err
	}

	result := &RestoreResult{Version: current.Version}
	for roomID, room := range keys.Rooms {
		for sessionID, data := range room.Sessions {
			result.Total++
			m.restoreSession(ctx, result, current.Version, roomID, sessionID, data, recoverySecret)
		}
	}
	m.logger.Info("restored backup",
		"version", result.Version,
		"total", result.Total,
		"imported", result.Imported,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

func (m *Manager) restoreSession(ctx context.Context, result *RestoreResult, version string, roomID ref.RoomID, sessionID string, data messaging.KeyBackupData, recoverySecret *secret.Buffer) {
	attrs := []any{"room_id", roomID.String(), "session_id", sessionID}

	blob, payload, err := openSession(roomID, sessionID, data, recoverySecret)
	if err != nil {
		result.Failed++
		m.logger.Warn("cannot restore session", append(attrs, "error", err)...)
		return
	}
	stored, err := m.importKey(ctx, roomID, payload.SenderKey, payload.ClaimedKeys, payload.SessionKey)
	if err != nil {
		result.Failed++
		m.logger.Warn("cannot import restored session", append(attrs, "error", err)...)
		return
	}
	if !stored {
		result.Skipped++
		return
	}
	result.Imported++
	if err := m.markUploaded(ctx, roomID, sessionID, data.FirstMessageIndex, version, blob); err != nil {
		m.logger.Warn("cannot record restored session as backed up", append(attrs, "error", err)...)
	}
}

// openSession decrypts one backup entry and checks that it holds the
// session it is filed under.
func openSession(roomID ref.RoomID, sessionID string, data messaging.KeyBackupData, recoverySecret *secret.Buffer) (string, *Payload, error) {
	blob, err := decodeSessionData(data.SessionData)
	if err != nil {
		return "", nil, err
	}
	payload, err := Open(blob, recoverySecret)
	if err != nil {
		return "", nil, err
	}
	if payload.RoomID != roomID || payload.SessionID != sessionID {
		return "", nil, fmt.Errorf("%w: filed under %s/%s, holds %s/%s",
			errIntegrity, roomID, sessionID, payload.RoomID, payload.SessionID)
	}
	session, err := olm.ImportInboundGroupSession(payload.SessionKey)
	if err != nil {
		return "", nil, err
	}
	if session.ID() != sessionID {
		return "", nil, fmt.Errorf("%w: key derives session %s", errIntegrity, session.ID())
	}
	if session.FirstKnownIndex() != data.FirstMessageIndex {
		return "", nil, fmt.Errorf("%w: key starts at index %d, entry claims %d",
			errIntegrity, session.FirstKnownIndex(), data.FirstMessageIndex)
	}
	return blob, payload, nil
}
