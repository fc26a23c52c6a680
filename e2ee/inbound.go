// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
	"github.com/bureau-foundation/matrixcrypto/olm"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// Provenance describes where a decrypted event's key came from, so
// callers can weigh how far to trust it.
type Provenance struct {
	// SenderKey is the curve25519 key of the device that created the
	// session.
	SenderKey string

	// ClaimedKeys are the creator's other keys as asserted by the
	// channel the session arrived through.
	ClaimedKeys map[string]string

	ForwardingChain []store.ForwardingStep

	// SenderDevice is the directory entry matching SenderKey, or nil
	// if the device is not known.
	SenderDevice *store.DeviceKeys
	Trust        store.TrustLevel

	// Verified is set when the sender device is verified and the key
	// reached this device directly from it.
	Verified bool

	SessionID    string
	MessageIndex uint32
}

// DecryptedEvent is a successfully decrypted event.
type DecryptedEvent struct {
	Type       ref.EventType
	Content    json.RawMessage
	RoomID     ref.RoomID
	Sender     ref.UserID
	EventID    string
	Provenance Provenance
}

// DecryptResult is exactly one of a decrypted event or a failure.
// Err is always a *DecryptionError.
type DecryptResult struct {
	Event *DecryptedEvent
	Err   error
}

func failed(code DecryptionCode, sessionID string, err error) DecryptResult {
	return DecryptResult{Err: decryptionError(code, sessionID, err)}
}

// DecryptorConfig configures a Decryptor.
type DecryptorConfig struct {
	Account   *AccountManager
	Store     *store.Store
	Server    KeyServer
	Channel   *PairwiseChannel
	PickleKey *secret.Buffer

	// OnRoomKey is called with every group session stored or improved
	// from a to-device key.
	OnRoomKey func(ctx context.Context, session *store.InboundGroupSession)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Decryptor decrypts group and pairwise ciphertext.
type Decryptor struct {
	account   *AccountManager
	store     *store.Store
	server    KeyServer
	channel   *PairwiseChannel
	pickleKey *secret.Buffer
	onRoomKey func(context.Context, *store.InboundGroupSession)
	clock     clock.Clock
	logger    *slog.Logger

	// sessions serializes work on one inbound group session, keyed by
	// room and session ID.
	sessions *keyedMutex
}

// NewDecryptor returns a Decryptor for config.Account's device.
func NewDecryptor(config DecryptorConfig) *Decryptor {
	if config.OnRoomKey == nil {
		config.OnRoomKey = func(context.Context, *store.InboundGroupSession) {}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Decryptor{
		account:   config.Account,
		store:     config.Store,
		server:    config.Server,
		channel:   config.Channel,
		pickleKey: config.PickleKey,
		onRoomKey: config.OnRoomKey,
		clock:     config.Clock,
		logger:    config.Logger,
		sessions:  newKeyedMutex(),
	}
}

func sessionLockKey(roomID ref.RoomID, sessionID string) string {
	return roomID.String() + "|" + sessionID
}

// DecryptBatch decrypts events in order. A failure affects only its
// own result.
func (d *Decryptor) DecryptBatch(ctx context.Context, events []event.Event) []DecryptResult {
	results := make([]DecryptResult, len(events))
	for i, ev := range events {
		results[i] = d.DecryptRoomEvent(ctx, ev)
	}
	return results
}

// DecryptRoomEvent decrypts an m.room.encrypted room event.
//
// Each consumed message index is recorded with a digest of its
// ciphertext. Redelivery of the same ciphertext at a recorded index
// decrypts again to the same plaintext; different ciphertext at a
// recorded index, or an unrecorded index below the highest consumed
// one, is a ReplayAttack.
func (d *Decryptor) DecryptRoomEvent(ctx context.Context, ev event.Event) DecryptResult {
	content, err := event.Parse(ev)
	if err != nil {
		return failed(CipherFailure, "", err)
	}
	encrypted, ok := content.(*event.Encrypted)
	if !ok || encrypted.Algorithm != event.AlgorithmMegolm {
		return failed(CipherFailure, "", fmt.Errorf("not a group-encrypted event: %s", ev.Type))
	}
	if ev.RoomID.IsZero() || encrypted.SessionID == "" {
		return failed(CipherFailure, encrypted.SessionID, errors.New("event lacks room or session ID"))
	}

	unlock := d.sessions.Lock(sessionLockKey(ev.RoomID, encrypted.SessionID))
	defer unlock()

	for range commitAttempts {
		result, retry := d.decryptGroup(ctx, ev, encrypted)
		if !retry {
			return result
		}
	}
	return failed(CipherFailure, encrypted.SessionID, store.ErrConflict)
}

// decryptGroup makes one attempt; retry is set when the commit lost a
// race with another writer of the session record.
func (d *Decryptor) decryptGroup(ctx context.Context, ev event.Event, encrypted *event.Encrypted) (result DecryptResult, retry bool) {
	sessionID := encrypted.SessionID
	record, err := d.store.GetInboundGroupSession(ctx, ev.RoomID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		d.requestKey(ctx, ev.RoomID, sessionID, encrypted.SenderKey, ev.Sender)
		return failed(UnknownSession, sessionID, nil), false
	}
	if err != nil {
		return failed(CipherFailure, sessionID, err), false
	}
	if encrypted.SenderKey != "" && encrypted.SenderKey != record.SenderKey {
		return failed(CipherFailure, sessionID, errors.New("sender key does not match the session")), false
	}

	session, err := olm.UnpickleInboundGroupSession(d.pickleKey.Bytes(), record.Pickle)
	if err != nil {
		return failed(CipherFailure, sessionID, err), false
	}
	// Decryption does not advance the session, so it can run before
	// the replay checks; running it first keeps forged ciphertext a
	// CipherFailure rather than a ReplayAttack.
	plaintext, index, err := session.Decrypt(encrypted.GroupCiphertext)
	if errors.Is(err, olm.ErrUnknownMessageIndex) {
		d.requestKey(ctx, ev.RoomID, sessionID, record.SenderKey, ev.Sender)
		return failed(UnknownSession, sessionID, fmt.Errorf("index %d precedes first known index %d", index, record.FirstKnownIndex)), false
	}
	if err != nil {
		return failed(CipherFailure, sessionID, err), false
	}

	digest := blake3.Sum256([]byte(encrypted.GroupCiphertext))
	seen, err := d.store.GetGroupMessageIndex(ctx, ev.RoomID, sessionID, index)
	switch {
	case err == nil:
		if seen.Digest != digest {
			return failed(ReplayAttack, sessionID, fmt.Errorf("index %d already used by another ciphertext", index)), false
		}
	case errors.Is(err, store.ErrNotFound):
		seen = nil
		if record.HasIndex && index < record.HighestIndex {
			return failed(ReplayAttack, sessionID, fmt.Errorf("index %d is below consumed index %d", index, record.HighestIndex)), false
		}
	default:
		return failed(CipherFailure, sessionID, err), false
	}

	var payload megolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return failed(CipherFailure, sessionID, fmt.Errorf("decoding payload: %w", err)), false
	}
	if payload.RoomID != ev.RoomID {
		return failed(CipherFailure, sessionID, fmt.Errorf("payload belongs to room %s", payload.RoomID)), false
	}

	if seen == nil {
		if !record.HasIndex || index > record.HighestIndex {
			record.HighestIndex = index
		}
		record.HasIndex = true
		err := d.store.CommitGroupMessageIndex(ctx, record, &store.GroupMessageIndex{
			RoomID:    ev.RoomID,
			SessionID: sessionID,
			Index:     index,
			Digest:    digest,
			EventID:   ev.EventID,
			Timestamp: d.clock.Now(),
		})
		if errors.Is(err, store.ErrConflict) {
			return DecryptResult{}, true
		}
		if err != nil {
			return failed(CipherFailure, sessionID, err), false
		}
	}

	provenance := d.groupProvenance(ctx, ev.Sender, encrypted.DeviceID, record)
	provenance.MessageIndex = index
	return DecryptResult{Event: &DecryptedEvent{
		Type:       payload.Type,
		Content:    payload.Content,
		RoomID:     ev.RoomID,
		Sender:     ev.Sender,
		EventID:    ev.EventID,
		Provenance: provenance,
	}}, false
}

// groupProvenance describes record's origin, resolving the sending
// device when its identity key matches the session's creator.
func (d *Decryptor) groupProvenance(ctx context.Context, sender ref.UserID, rawDeviceID string, record *store.InboundGroupSession) Provenance {
	provenance := Provenance{
		SenderKey:       record.SenderKey,
		ClaimedKeys:     record.ClaimedKeys,
		ForwardingChain: record.ForwardingChain,
		SessionID:       record.SessionID,
	}
	deviceID, err := ref.ParseDeviceID(rawDeviceID)
	if err != nil {
		return provenance
	}
	device, err := d.store.GetDevice(ctx, sender, deviceID)
	if err != nil || device.Curve25519() != record.SenderKey {
		return provenance
	}
	if claimed := record.ClaimedKeys["ed25519"]; claimed != "" && claimed != device.Ed25519() {
		return provenance
	}
	provenance.SenderDevice = device
	provenance.Trust = device.Trust
	provenance.Verified = device.Trust.Verified() && !record.Exported
	return provenance
}

// importSession stores candidate unless an existing session for the
// same ID is at least as good. A session is better when it reaches an
// earlier index, or reaches the same index through a live share rather
// than an export. It reports whether candidate was stored.
func (d *Decryptor) importSession(ctx context.Context, candidate *store.InboundGroupSession) (bool, error) {
	unlock := d.sessions.Lock(sessionLockKey(candidate.RoomID, candidate.SessionID))
	defer unlock()

	var err error
	for range commitAttempts {
		var existing *store.InboundGroupSession
		existing, err = d.store.GetInboundGroupSession(ctx, candidate.RoomID, candidate.SessionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			candidate.Version = 0
		case err != nil:
			return false, err
		default:
			if existing.SenderKey != candidate.SenderKey {
				return false, fmt.Errorf("e2ee: session %s already belongs to another sender", candidate.SessionID)
			}
			better := candidate.FirstKnownIndex < existing.FirstKnownIndex ||
				(candidate.FirstKnownIndex == existing.FirstKnownIndex && existing.Exported && !candidate.Exported)
			if !better {
				return false, nil
			}
			candidate.Version = existing.Version
			candidate.HighestIndex = existing.HighestIndex
			candidate.HasIndex = existing.HasIndex
		}
		candidate.Backup = store.BackupNotBackedUp
		candidate.BackupVersion = ""

		err = d.store.PutInboundGroupSession(ctx, candidate)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			return false, err
		}
	}
	if err != nil {
		return false, err
	}

	d.logger.Info("stored room key",
		"room_id", candidate.RoomID.String(),
		"session_id", candidate.SessionID,
		"first_known_index", candidate.FirstKnownIndex,
		"exported", candidate.Exported,
	)
	d.cancelKeyRequest(ctx, candidate.RoomID, candidate.SessionID)
	d.onRoomKey(ctx, candidate)
	return true, nil
}

// ImportSession imports an exported session key, as restored from a
// backup or a key export file.
func (d *Decryptor) ImportSession(ctx context.Context, roomID ref.RoomID, senderKey string, claimedKeys map[string]string, exportedKey string, step store.ForwardingStep) (bool, error) {
	session, err := olm.ImportInboundGroupSession(exportedKey)
	if err != nil {
		return false, err
	}
	pickled, err := session.Pickle(d.pickleKey.Bytes())
	if err != nil {
		return false, err
	}
	return d.importSession(ctx, &store.InboundGroupSession{
		RoomID:          roomID,
		SessionID:       session.ID(),
		SenderKey:       senderKey,
		ClaimedKeys:     claimedKeys,
		FirstKnownIndex: session.FirstKnownIndex(),
		ForwardingChain: []store.ForwardingStep{step},
		Exported:        true,
		Pickle:          pickled,
	})
}
