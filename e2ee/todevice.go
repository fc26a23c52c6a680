// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/olm"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// DecryptToDevice decrypts a pairwise-encrypted to-device event. The
// payload must name this device as recipient and the event's sender as
// sender; when the sending device is known, its keys must match the
// ones the payload claims.
func (d *Decryptor) DecryptToDevice(ctx context.Context, ev event.Event) DecryptResult {
	content, err := event.Parse(ev)
	if err != nil {
		return failed(CipherFailure, "", err)
	}
	encrypted, ok := content.(*event.Encrypted)
	if !ok || encrypted.Algorithm != event.AlgorithmOlm {
		return failed(CipherFailure, "", fmt.Errorf("not a pairwise-encrypted event: %s", ev.Type))
	}
	if encrypted.SenderKey == "" {
		return failed(CipherFailure, "", errors.New("event lacks a sender key"))
	}

	identity := d.account.IdentityKeys()
	ciphertext, ok := encrypted.OlmCiphertext[identity.Curve25519]
	if !ok {
		return failed(CipherFailure, "", errors.New("event is not addressed to this device"))
	}

	plaintext, sessionID, decryptErr := d.decryptPairwise(ctx, encrypted.SenderKey, ciphertext)
	if decryptErr != nil {
		return DecryptResult{Err: decryptErr}
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return failed(CipherFailure, sessionID, fmt.Errorf("decoding payload: %w", err))
	}
	if payload.Sender != ev.Sender {
		return failed(CipherFailure, sessionID, fmt.Errorf("payload sender %s does not match event sender %s", payload.Sender, ev.Sender))
	}
	if payload.Recipient != d.account.userID {
		return failed(CipherFailure, sessionID, fmt.Errorf("payload addressed to %s", payload.Recipient))
	}
	if payload.RecipientKeys["ed25519"] != identity.Ed25519 {
		return failed(CipherFailure, sessionID, errors.New("payload addressed to another signing key"))
	}

	provenance := Provenance{
		SenderKey:       encrypted.SenderKey,
		ClaimedKeys:     payload.Keys,
		ForwardingChain: []store.ForwardingStep{store.ForwardingDirect},
		SessionID:       sessionID,
	}
	if !payload.SenderDevice.IsZero() {
		device, err := d.store.GetDevice(ctx, ev.Sender, payload.SenderDevice)
		switch {
		case err == nil:
			if device.Curve25519() != encrypted.SenderKey || device.Ed25519() != payload.Keys["ed25519"] {
				return failed(CipherFailure, sessionID, fmt.Errorf("keys do not match device %s", device.Ref()))
			}
			provenance.SenderDevice = device
			provenance.Trust = device.Trust
			provenance.Verified = device.Trust.Verified()
		case !errors.Is(err, store.ErrNotFound):
			return failed(CipherFailure, sessionID, err)
		}
	}

	return DecryptResult{Event: &DecryptedEvent{
		Type:       payload.Type,
		Content:    payload.Content,
		Sender:     ev.Sender,
		Provenance: provenance,
	}}
}

// decryptPairwise decrypts ciphertext from senderKey with an existing
// session, or with a new one if it is a pre-key message no existing
// session matches. It holds senderKey's lock throughout, the same lock
// the sending side takes.
func (d *Decryptor) decryptPairwise(ctx context.Context, senderKey string, ciphertext event.OlmCiphertext) ([]byte, string, *DecryptionError) {
	unlock := d.channel.locks.Lock(senderKey)
	defer unlock()

	messageType := olm.MessageType(ciphertext.Type)
	if messageType != olm.MessageTypePreKey && messageType != olm.MessageTypeNormal {
		return nil, "", decryptionError(CipherFailure, "", fmt.Errorf("unknown message type %d", ciphertext.Type))
	}

	sessions, err := d.store.ListPairwiseSessions(ctx, senderKey)
	if err != nil {
		return nil, "", decryptionError(CipherFailure, "", err)
	}
	replayed := false
	for _, record := range sessions {
		session, err := olm.UnpickleSession(d.pickleKey.Bytes(), record.Pickle)
		if err != nil {
			d.logger.Error("cannot open pairwise session",
				"sender_key", senderKey,
				"session_id", record.SessionID,
				"error", err,
			)
			continue
		}
		if messageType == olm.MessageTypePreKey && !session.MatchesInboundSession(ciphertext.Body) {
			continue
		}
		plaintext, err := session.Decrypt(messageType, ciphertext.Body)
		if err != nil {
			if errors.Is(err, olm.ErrMessageKeyConsumed) {
				replayed = true
			}
			if messageType == olm.MessageTypePreKey {
				break
			}
			continue
		}
		if record.Pickle, err = session.Pickle(d.pickleKey.Bytes()); err != nil {
			return nil, "", decryptionError(CipherFailure, record.SessionID, err)
		}
		record.LastUsed = d.clock.Now()
		if err := d.store.PutPairwiseSession(ctx, record); err != nil {
			return nil, "", decryptionError(CipherFailure, record.SessionID, err)
		}
		return plaintext, record.SessionID, nil
	}

	if replayed {
		return nil, "", decryptionError(ReplayAttack, "", olm.ErrMessageKeyConsumed)
	}
	if messageType == olm.MessageTypeNormal {
		return nil, "", decryptionError(CipherFailure, "", errors.New("no session decrypts the message"))
	}

	if sessionID, err := olm.PreKeySessionID(ciphertext.Body); err == nil {
		for _, record := range sessions {
			if record.SessionID == sessionID {
				// The session exists but rejected its own pre-key
				// message.
				return nil, "", decryptionError(CipherFailure, sessionID, errors.New("pre-key message rejected by its session"))
			}
		}
	}

	plaintext, record, err := d.account.EstablishInboundSession(ctx, senderKey, ciphertext.Body)
	if err != nil {
		return nil, "", decryptionError(CipherFailure, "", err)
	}
	return plaintext, record.SessionID, nil
}

// HandleRoomKey stores the group session carried by a decrypted
// m.room_key event. The key arrived directly from its creator, so the
// session's sender key is the pairwise sender's.
func (d *Decryptor) HandleRoomKey(ctx context.Context, decrypted *DecryptedEvent) error {
	var content event.RoomKey
	if err := json.Unmarshal(decrypted.Content, &content); err != nil {
		return fmt.Errorf("e2ee: decoding room key: %w", err)
	}
	if content.Algorithm != event.AlgorithmMegolm {
		d.logger.Debug("ignoring room key with unsupported algorithm", "algorithm", content.Algorithm)
		return nil
	}
	session, err := olm.NewInboundGroupSession(content.SessionKey)
	if err != nil {
		return fmt.Errorf("e2ee: room key for %s: %w", content.RoomID, err)
	}
	if session.ID() != content.SessionID {
		return fmt.Errorf("e2ee: room key claims session %s but carries %s", content.SessionID, session.ID())
	}
	pickled, err := session.Pickle(d.pickleKey.Bytes())
	if err != nil {
		return err
	}

	claimed := map[string]string{}
	if key := decrypted.Provenance.ClaimedKeys["ed25519"]; key != "" {
		claimed["ed25519"] = key
	}
	_, err = d.importSession(ctx, &store.InboundGroupSession{
		RoomID:          content.RoomID,
		SessionID:       content.SessionID,
		SenderKey:       decrypted.Provenance.SenderKey,
		ClaimedKeys:     claimed,
		FirstKnownIndex: session.FirstKnownIndex(),
		ForwardingChain: []store.ForwardingStep{store.ForwardingDirect},
		Pickle:          pickled,
	})
	return err
}

// HandleForwardedRoomKey stores a session forwarded in answer to a key
// request. Only the session's creator or one of this account's own
// verified devices may forward; anything else is a
// ForwardingTrustIssue.
func (d *Decryptor) HandleForwardedRoomKey(ctx context.Context, decrypted *DecryptedEvent) error {
	var content event.ForwardedRoomKey
	if err := json.Unmarshal(decrypted.Content, &content); err != nil {
		return fmt.Errorf("e2ee: decoding forwarded room key: %w", err)
	}
	if content.Algorithm != event.AlgorithmMegolm {
		d.logger.Debug("ignoring forwarded key with unsupported algorithm", "algorithm", content.Algorithm)
		return nil
	}

	forwarder := decrypted.Provenance.SenderKey
	if forwarder != content.SenderKey && !d.ownVerifiedDevice(decrypted) {
		d.logger.Warn("rejected forwarded room key from untrusted device",
			"room_id", content.RoomID.String(),
			"session_id", content.SessionID,
			"sender", decrypted.Sender.String(),
		)
		return decryptionError(ForwardingTrustIssue, content.SessionID, nil)
	}

	session, err := olm.ImportInboundGroupSession(content.SessionKey)
	if err != nil {
		return fmt.Errorf("e2ee: forwarded key for %s: %w", content.RoomID, err)
	}
	if session.ID() != content.SessionID {
		return fmt.Errorf("e2ee: forwarded key claims session %s but carries %s", content.SessionID, session.ID())
	}
	pickled, err := session.Pickle(d.pickleKey.Bytes())
	if err != nil {
		return err
	}

	chain := append(append([]string(nil), content.ForwardingCurve25519KeyChain...), forwarder)
	claimed := map[string]string{}
	if content.SenderClaimedEd25519Key != "" {
		claimed["ed25519"] = content.SenderClaimedEd25519Key
	}
	_, err = d.importSession(ctx, &store.InboundGroupSession{
		RoomID:          content.RoomID,
		SessionID:       content.SessionID,
		SenderKey:       content.SenderKey,
		ClaimedKeys:     claimed,
		FirstKnownIndex: session.FirstKnownIndex(),
		ForwardingChain: []store.ForwardingStep{store.ForwardingForwarded},
		ForwardedBy:     chain,
		Exported:        true,
		Pickle:          pickled,
	})
	return err
}

func (d *Decryptor) ownVerifiedDevice(decrypted *DecryptedEvent) bool {
	device := decrypted.Provenance.SenderDevice
	return device != nil &&
		device.UserID == d.account.userID &&
		device.Trust.Verified() &&
		!device.Blocked &&
		device.Curve25519() == decrypted.Provenance.SenderKey
}
