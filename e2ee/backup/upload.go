// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/olm"
	"github.com/bureau-foundation/matrixcrypto/store"
)

const commitAttempts = 8

// BackupSession queues session for upload to the current backup
// version. It is called for every session this device creates or
// imports.
func (m *Manager) BackupSession(ctx context.Context, session *store.InboundGroupSession) error {
	if err := m.markPending(ctx, session.RoomID, session.SessionID); err != nil {
		return fmt.Errorf("backup: queueing session %s: %w", session.SessionID, err)
	}
	m.signal()
	return nil
}

func (m *Manager) markPending(ctx context.Context, roomID ref.RoomID, sessionID string) error {
	for range commitAttempts {
		current, err := m.store.GetInboundGroupSession(ctx, roomID, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Backup == store.BackupPending {
			return nil
		}
		current.Backup = store.BackupPending
		current.BackupVersion = ""
		err = m.store.PutInboundGroupSession(ctx, current)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return store.ErrConflict
}

// markUploaded records that the session reaching firstIndex is in
// version. A session replaced since it was read stays pending.
func (m *Manager) markUploaded(ctx context.Context, roomID ref.RoomID, sessionID string, firstIndex uint32, version, blob string) error {
	for range commitAttempts {
		current, err := m.store.GetInboundGroupSession(ctx, roomID, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.FirstKnownIndex != firstIndex {
			return nil
		}
		current.Backup = store.BackupUpToDate
		current.BackupVersion = version
		err = m.store.PutInboundGroupSession(ctx, current)
		if err == nil {
			return m.store.PutBackedUpSession(ctx, &store.BackedUpSession{
				Version:    version,
				RoomID:     roomID,
				SessionID:  sessionID,
				FirstIndex: firstIndex,
				Blob:       blob,
			})
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return store.ErrConflict
}

// UploadPending uploads every session not yet in the current backup
// version, in batches. When the server reports a different version the
// batch is abandoned, the version refetched, and the pass restarted.
// Sessions of a batch that fails stay pending for the next pass.
func (m *Manager) UploadPending(ctx context.Context) (int, error) {
	m.uploading.Lock()
	defer m.uploading.Unlock()

	start := m.clock.Now()
	uploaded := 0
	for restarts := 0; ; restarts++ {
		version, err := m.store.GetBackupVersion(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return uploaded, ErrNoBackup
		}
		if err != nil {
			return uploaded, err
		}
		if !version.Trusted {
			return uploaded, fmt.Errorf("%w: version %s is not trusted", ErrAuthDataInvalid, version.Version)
		}

		count, err := m.uploadAll(ctx, version)
		uploaded += count
		if errors.Is(err, ErrVersionMismatch) && restarts < maxVersionRestarts {
			m.logger.Info("backup version changed during upload, refetching", "version", version.Version)
			if _, err := m.CheckVersion(ctx); err != nil {
				return uploaded, err
			}
			continue
		}
		if err != nil {
			return uploaded, err
		}
		if uploaded > 0 {
			m.logger.Info("uploaded sessions to backup",
				"count", uploaded,
				"version", version.Version,
				"duration", m.since(start),
			)
		}
		return uploaded, nil
	}
}

func (m *Manager) uploadAll(ctx context.Context, version *store.BackupVersion) (int, error) {
	skipped := make(map[string]bool)
	total := 0
	for {
		batch, err := m.pendingBatch(ctx, version.Version, skipped)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		keys := messaging.RoomKeys{Rooms: make(map[ref.RoomID]messaging.RoomKeyBackup)}
		blobs := make(map[*store.InboundGroupSession]string, len(batch))
		for _, session := range batch {
			blob, data, err := m.sealSession(session, version.PublicKey)
			if err != nil {
				m.logger.Error("cannot back up session",
					"room_id", session.RoomID.String(),
					"session_id", session.SessionID,
					"error", err,
				)
				skipped[backupKey(session)] = true
				continue
			}
			room, ok := keys.Rooms[session.RoomID]
			if !ok {
				room = messaging.RoomKeyBackup{Sessions: make(map[string]messaging.KeyBackupData)}
				keys.Rooms[session.RoomID] = room
			}
			room.Sessions[session.SessionID] = data
			blobs[session] = blob
		}
		if len(blobs) == 0 {
			continue
		}

		err = m.retry(ctx, "upload room keys", func() error {
			_, err := m.server.PutRoomKeys(ctx, version.Version, keys)
			return err
		})
		if messaging.IsMatrixError(err, messaging.ErrCodeWrongRoomKeysVersion) {
			return total, fmt.Errorf("%w: uploading to %s: %w", ErrVersionMismatch, version.Version, err)
		}
		if err != nil {
			return total, err
		}

		for session, blob := range blobs {
			if err := m.markUploaded(ctx, session.RoomID, session.SessionID, session.FirstKnownIndex, version.Version, blob); err != nil {
				return total, err
			}
			// A session replaced mid-upload is picked up by the next
			// pass, not this one.
			skipped[backupKey(session)] = true
		}
		total += len(blobs)
	}
}

func backupKey(session *store.InboundGroupSession) string {
	return session.RoomID.String() + "|" + session.SessionID
}

// pendingBatch returns up to BatchSize sessions not yet in version.
func (m *Manager) pendingBatch(ctx context.Context, version string, skipped map[string]bool) ([]*store.InboundGroupSession, error) {
	sessions, err := m.store.ListInboundGroupSessions(ctx, ref.RoomID{})
	if err != nil {
		return nil, err
	}
	var batch []*store.InboundGroupSession
	for _, session := range sessions {
		if session.Backup == store.BackupUpToDate && session.BackupVersion == version {
			continue
		}
		if skipped[backupKey(session)] {
			continue
		}
		batch = append(batch, session)
		if len(batch) == m.settings.BatchSize {
			break
		}
	}
	return batch, nil
}

// sealSession exports session at its first known index and seals it to
// publicKey.
func (m *Manager) sealSession(session *store.InboundGroupSession, publicKey string) (string, messaging.KeyBackupData, error) {
	inbound, err := olm.UnpickleInboundGroupSession(m.pickleKey.Bytes(), session.Pickle)
	if err != nil {
		return "", messaging.KeyBackupData{}, err
	}
	exported, err := inbound.Export(inbound.FirstKnownIndex())
	if err != nil {
		return "", messaging.KeyBackupData{}, err
	}
	blob, err := Seal(&Payload{
		RoomID:      session.RoomID,
		SessionID:   session.SessionID,
		SenderKey:   session.SenderKey,
		ClaimedKeys: session.ClaimedKeys,
		ForwardedBy: session.ForwardedBy,
		SessionKey:  exported,
	}, publicKey)
	if err != nil {
		return "", messaging.KeyBackupData{}, err
	}
	data, err := encodeSessionData(blob)
	if err != nil {
		return "", messaging.KeyBackupData{}, err
	}
	return blob, messaging.KeyBackupData{
		FirstMessageIndex: inbound.FirstKnownIndex(),
		ForwardedCount:    len(session.ForwardedBy),
		IsVerified:        !session.Exported,
		SessionData:       data,
	}, nil
}
