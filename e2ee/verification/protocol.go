// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// keyIDsMAC is the key ID under which the MAC over the list of MACed
// key IDs is derived.
const keyIDsMAC = "KEY_IDS"

// HandleToDevice processes a verification event received as a
// to-device message. Olm-encrypted to-device events are decrypted by
// the caller first.
func (m *Manager) HandleToDevice(ctx context.Context, ev event.Event) {
	m.handle(ctx, ev, ref.RoomID{})
}

// HandleRoomEvent processes a verification event from a room timeline,
// including this account's own events.
func (m *Manager) HandleRoomEvent(ctx context.Context, ev event.Event) {
	m.handle(ctx, ev, ev.RoomID)
}

func (m *Manager) handle(ctx context.Context, ev event.Event, roomID ref.RoomID) {
	if m.isClosed() {
		return
	}
	content, err := event.Parse(ev)
	if err != nil {
		m.logger.Debug("ignoring undecodable verification event", "type", ev.Type, "sender", ev.Sender.String(), "error", err)
		return
	}
	vc, ok := content.(event.VerificationContent)
	if !ok {
		return
	}
	if !m.withinWindow(ev, vc) {
		m.logger.Debug("dropping verification event outside the validity window",
			"type", ev.Type,
			"sender", ev.Sender.String(),
		)
		return
	}

	inRoom := !roomID.IsZero()
	id := vc.Transaction()
	if _, isRequest := vc.(*event.VerificationRequest); isRequest && inRoom {
		id = ev.EventID
	}
	if id == "" {
		m.logger.Debug("ignoring verification event without a transaction", "type", ev.Type, "sender", ev.Sender.String())
		return
	}

	if inRoom && ev.Sender == m.local.UserID {
		m.handleOwnRoomEvent(ctx, ev, vc, id)
		return
	}

	t := m.get(id)
	switch c := vc.(type) {
	case *event.VerificationRequest:
		if t == nil {
			m.receiveRequest(ctx, ev, c, id, roomID)
		}
		return
	case *event.VerificationStart:
		if t == nil && !inRoom {
			m.receiveDirectStart(ctx, ev, c, id)
			return
		}
	}

	if t == nil || t.roomID != roomID {
		if _, isCancel := vc.(*event.VerificationCancel); !isCancel {
			m.replyUnknown(ctx, ev, vc, id, roomID)
		}
		return
	}
	if ev.Sender != t.otherUser {
		m.logger.Warn("verification event from a user outside the transaction",
			"transaction_id", id,
			"sender", ev.Sender.String(),
			"expected", t.otherUser.String(),
		)
		if !inRoom {
			m.replyTo(ctx, ev.Sender, ref.DeviceID{}, id, CancelUserMismatch, "not a party to this transaction")
		}
		return
	}
	m.withTransaction(t, func() { m.apply(ctx, t, vc) })
}

// withinWindow drops events stamped more than maxFutureSkew ahead or
// maxEventAge behind. Events without a timestamp pass.
func (m *Manager) withinWindow(ev event.Event, vc event.VerificationContent) bool {
	stamp := ev.Timestamp()
	if request, ok := vc.(*event.VerificationRequest); ok && stamp.IsZero() && request.Timestamp != 0 {
		stamp = time.UnixMilli(request.Timestamp)
	}
	if stamp.IsZero() {
		return true
	}
	now := m.clock.Now()
	return !stamp.After(now.Add(maxFutureSkew)) && !stamp.Before(now.Add(-maxEventAge))
}

// handleOwnRoomEvent follows the account's other devices answering an
// in-room request, so only one of them carries it on.
func (m *Manager) handleOwnRoomEvent(ctx context.Context, ev event.Event, vc event.VerificationContent, id string) {
	if m.takeSent(ev.EventID) {
		return
	}
	var from ref.DeviceID
	switch c := vc.(type) {
	case *event.VerificationReady:
		from = c.FromDevice
	case *event.VerificationStart:
		from = c.FromDevice
	default:
		return
	}
	if from.IsZero() || from == m.local.DeviceID {
		return
	}
	owner := m.ownership.claim(id, from)
	if owner == m.local.DeviceID {
		return
	}
	t := m.get(id)
	if t == nil {
		return
	}
	m.withTransaction(t, func() {
		if t.state.Terminal() {
			return
		}
		m.finish(ctx, t, Cancelled, &CancelledError{Code: CancelAccepted, Reason: "handled by device " + owner.String()})
	})
}

func (m *Manager) receiveRequest(ctx context.Context, ev event.Event, c *event.VerificationRequest, id string, roomID ref.RoomID) {
	if !roomID.IsZero() && c.To != m.local.UserID {
		return
	}
	if ev.Sender == m.local.UserID && c.FromDevice == m.local.DeviceID {
		return
	}
	if c.FromDevice.IsZero() {
		m.logger.Debug("ignoring verification request without a device", "sender", ev.Sender.String())
		return
	}
	initiator := store.DeviceRef{UserID: ev.Sender, DeviceID: c.FromDevice}
	t, err := m.newTransaction(id, roomID, ev.Sender, c.FromDevice, initiator)
	if err != nil {
		m.logger.Debug("ignoring verification request", "transaction_id", id, "error", err)
		return
	}
	m.withTransaction(t, func() {
		if !slices.Contains(c.Methods, event.MethodSAS) {
			m.cancelWith(ctx, t, CancelInvalidMessage, "no supported verification method")
			return
		}
		if !m.resolveConcurrent(ctx, t) {
			return
		}
		t.state = Requested
		m.persist(ctx, t)
		m.logger.Info("verification requested",
			"transaction_id", id,
			"user_id", ev.Sender.String(),
			"device_id", c.FromDevice.String(),
		)
	})
}

func (m *Manager) receiveDirectStart(ctx context.Context, ev event.Event, c *event.VerificationStart, id string) {
	if ev.Sender == m.local.UserID && c.FromDevice == m.local.DeviceID {
		return
	}
	if c.FromDevice.IsZero() {
		m.logger.Debug("ignoring verification start without a device", "sender", ev.Sender.String())
		return
	}
	initiator := store.DeviceRef{UserID: ev.Sender, DeviceID: c.FromDevice}
	t, err := m.newTransaction(id, ref.RoomID{}, ev.Sender, c.FromDevice, initiator)
	if err != nil {
		m.logger.Debug("ignoring verification start", "transaction_id", id, "error", err)
		return
	}
	m.withTransaction(t, func() {
		if !m.resolveConcurrent(ctx, t) {
			return
		}
		t.state = Started
		m.acceptStart(ctx, t, c)
	})
}

// resolveConcurrent settles a transaction opened by the peer against
// transactions this device opened with the same device. The one whose
// initiator sorts first proceeds and the others are cancelled on both
// sides; each side computes the same outcome. Caller holds t.mu.
func (m *Manager) resolveConcurrent(ctx context.Context, t *Transaction) bool {
	var rivals []*Transaction
	for _, other := range m.snapshot() {
		if other == t || !other.weInitiated {
			continue
		}
		other.mu.Lock()
		live := !other.state.Terminal() && other.involves(t.otherUser, t.otherDevice)
		other.mu.Unlock()
		if live {
			rivals = append(rivals, other)
		}
	}
	if len(rivals) == 0 {
		return true
	}

	if t.initiator.Key() < m.local.Key() {
		for _, rival := range rivals {
			m.withTransaction(rival, func() {
				m.cancelWith(ctx, rival, CancelTieBreak, "concurrent transaction "+t.id+" takes precedence")
			})
		}
		return true
	}
	m.cancelWith(ctx, t, CancelTieBreak, "concurrent transaction takes precedence")
	return false
}

// replyUnknown answers a to-device event for a transaction this device
// does not hold. Rooms carry other users' transactions, so unknown
// in-room events are ignored.
func (m *Manager) replyUnknown(ctx context.Context, ev event.Event, vc event.VerificationContent, id string, roomID ref.RoomID) {
	if !roomID.IsZero() {
		return
	}
	var device ref.DeviceID
	switch c := vc.(type) {
	case *event.VerificationReady:
		device = c.FromDevice
	case *event.VerificationStart:
		device = c.FromDevice
	}
	m.replyTo(ctx, ev.Sender, device, id, CancelUnknownTransaction, "unknown transaction")
}

// replyTo sends a to-device cancel for id without touching any
// transaction state.
func (m *Manager) replyTo(ctx context.Context, user ref.UserID, device ref.DeviceID, id string, code CancelCode, reason string) {
	reply := &Transaction{id: id, otherUser: user, otherDevice: device}
	if err := m.send(ctx, reply, &event.VerificationCancel{Code: string(code), Reason: reason}); err != nil {
		m.logger.Warn("cannot send verification cancel",
			"transaction_id", id,
			"user_id", user.String(),
			"code", string(code),
			"error", err,
		)
	}
}

// apply advances t by one event from its peer. Caller holds t.mu.
func (m *Manager) apply(ctx context.Context, t *Transaction, vc event.VerificationContent) {
	if t.state.Terminal() {
		return
	}
	switch c := vc.(type) {
	case *event.VerificationCancel:
		m.finish(ctx, t, Cancelled, &CancelledError{Code: CancelCode(c.Code), Reason: c.Reason, ByPeer: true})
	case *event.VerificationRequest:
		m.logger.Debug("ignoring repeated verification request", "transaction_id", t.id)
	case *event.VerificationReady:
		m.onReady(ctx, t, c)
	case *event.VerificationStart:
		m.onStart(ctx, t, c)
	case *event.VerificationAccept:
		m.onAccept(ctx, t, c)
	case *event.VerificationKey:
		m.onKey(ctx, t, c)
	case *event.VerificationMAC:
		m.onMAC(ctx, t, c)
	case *event.VerificationDone:
		m.onDone(ctx, t)
	}
}

func (m *Manager) unexpected(ctx context.Context, t *Transaction, what ref.EventType) {
	m.cancelWith(ctx, t, CancelUnexpectedMessage, fmt.Sprintf("unexpected %s in state %s", what, t.state))
}

func (m *Manager) onReady(ctx context.Context, t *Transaction, c *event.VerificationReady) {
	if t.state != Requested || !t.weInitiated {
		m.unexpected(ctx, t, c.EventType())
		return
	}
	if !t.otherDevice.IsZero() && c.FromDevice != t.otherDevice {
		m.logger.Debug("ignoring ready from a second device",
			"transaction_id", t.id,
			"device_id", c.FromDevice.String(),
			"answered_by", t.otherDevice.String(),
		)
		return
	}
	if c.FromDevice.IsZero() || !slices.Contains(c.Methods, event.MethodSAS) {
		m.cancelWith(ctx, t, CancelInvalidMessage, "ready names no device or no supported method")
		return
	}
	t.otherDevice = c.FromDevice
	t.state = Ready
	m.persist(ctx, t)
	if err := m.sendStart(ctx, t); err != nil {
		m.logger.Warn("cannot start verification", "transaction_id", t.id, "error", err)
	}
}

// sendStart proposes SAS parameters. Caller holds t.mu.
func (m *Manager) sendStart(ctx context.Context, t *Transaction) error {
	if t.InRoom() && !m.claim(ctx, t) {
		return ErrInvalidState
	}
	start := &event.VerificationStart{
		FromDevice:                 m.local.DeviceID,
		Method:                     event.MethodSAS,
		KeyAgreementProtocols:      []string{event.KeyAgreementCurve25519},
		Hashes:                     []string{event.HashSHA256},
		MessageAuthenticationCodes: []string{event.MACBlake3},
		ShortAuthenticationString:  supportedSAS,
	}
	if err := m.send(ctx, t, start); err != nil {
		return fmt.Errorf("verification: sending start: %w", err)
	}
	t.start = start
	t.weStarted = true
	t.state = Started
	m.persist(ctx, t)
	return nil
}

func (m *Manager) onStart(ctx context.Context, t *Transaction, c *event.VerificationStart) {
	if !t.otherDevice.IsZero() && c.FromDevice != t.otherDevice {
		m.cancelWith(ctx, t, CancelUserMismatch, "start from a device outside the transaction")
		return
	}
	switch {
	case t.state == Ready:
	case t.state == Started && t.weStarted:
		// Both sides started. The start from the device that sorts
		// first is the one both adopt.
		theirs := store.DeviceRef{UserID: t.otherUser, DeviceID: c.FromDevice}
		if theirs.Key() >= m.local.Key() {
			m.logger.Debug("ignoring concurrent start", "transaction_id", t.id)
			return
		}
		m.logger.Debug("adopting concurrent start", "transaction_id", t.id)
	default:
		m.unexpected(ctx, t, c.EventType())
		return
	}
	m.acceptStart(ctx, t, c)
}

// acceptStart answers a start with a commitment to a fresh ephemeral
// key. Caller holds t.mu.
func (m *Manager) acceptStart(ctx context.Context, t *Transaction, c *event.VerificationStart) {
	if reason := unsupported(c); reason != "" {
		m.cancelWith(ctx, t, CancelInvalidMessage, reason)
		return
	}
	if t.InRoom() && !m.claim(ctx, t) {
		return
	}
	s, err := newSAS()
	if err != nil {
		m.cancelWith(ctx, t, CancelUser, err.Error())
		return
	}
	commit, err := commitment(s.public, c)
	if err != nil {
		m.cancelWith(ctx, t, CancelInvalidMessage, err.Error())
		return
	}
	accept := &event.VerificationAccept{
		Method:                    event.MethodSAS,
		KeyAgreementProtocol:      event.KeyAgreementCurve25519,
		Hash:                      event.HashSHA256,
		MessageAuthenticationCode: event.MACBlake3,
		ShortAuthenticationString: intersect(c.ShortAuthenticationString, supportedSAS),
		Commitment:                commit,
	}
	if err := m.send(ctx, t, accept); err != nil {
		m.logger.Warn("cannot accept verification", "transaction_id", t.id, "error", err)
		return
	}
	t.start = c
	t.weStarted = false
	t.sas = s
	t.state = Accepted
	m.persist(ctx, t)
}

func unsupported(c *event.VerificationStart) string {
	switch {
	case c.Method != event.MethodSAS:
		return "unsupported method " + c.Method
	case !slices.Contains(c.KeyAgreementProtocols, event.KeyAgreementCurve25519):
		return "no supported key agreement protocol"
	case !slices.Contains(c.Hashes, event.HashSHA256):
		return "no supported hash"
	case !slices.Contains(c.MessageAuthenticationCodes, event.MACBlake3):
		return "no supported message authentication code"
	case len(intersect(c.ShortAuthenticationString, supportedSAS)) == 0:
		return "no supported short authentication string"
	}
	return ""
}

func intersect(offered, supported []string) []string {
	var common []string
	for _, value := range offered {
		if slices.Contains(supported, value) {
			common = append(common, value)
		}
	}
	return common
}

func (m *Manager) onAccept(ctx context.Context, t *Transaction, c *event.VerificationAccept) {
	if t.state != Started || !t.weStarted {
		m.unexpected(ctx, t, c.EventType())
		return
	}
	if c.KeyAgreementProtocol != event.KeyAgreementCurve25519 ||
		c.Hash != event.HashSHA256 ||
		c.MessageAuthenticationCode != event.MACBlake3 ||
		c.Commitment == "" {
		m.cancelWith(ctx, t, CancelInvalidMessage, "accept names unsupported parameters")
		return
	}
	s, err := newSAS()
	if err != nil {
		m.cancelWith(ctx, t, CancelUser, err.Error())
		return
	}
	if err := m.send(ctx, t, &event.VerificationKey{Key: s.public}); err != nil {
		m.logger.Warn("cannot send verification key", "transaction_id", t.id, "error", err)
		return
	}
	t.theirCommitment = c.Commitment
	t.sas = s
	t.state = Accepted
	m.persist(ctx, t)
}

func (m *Manager) onKey(ctx context.Context, t *Transaction, c *event.VerificationKey) {
	if t.state != Accepted || t.sas.theirPublic != "" {
		m.unexpected(ctx, t, c.EventType())
		return
	}
	if t.weStarted {
		expected, err := commitment(c.Key, t.start)
		if err != nil || subtle.ConstantTimeCompare([]byte(expected), []byte(t.theirCommitment)) != 1 {
			m.cancelWith(ctx, t, CancelKeyMismatch, "key does not match the accepted commitment")
			return
		}
	}
	if err := t.sas.agree(c.Key); err != nil {
		m.cancelWith(ctx, t, CancelInvalidMessage, err.Error())
		return
	}
	if !t.weStarted {
		if err := m.send(ctx, t, &event.VerificationKey{Key: t.sas.public}); err != nil {
			m.logger.Warn("cannot send verification key", "transaction_id", t.id, "error", err)
			return
		}
	}

	us, them := t.parties(m.local)
	starter, accepter := us, them
	if !t.weStarted {
		starter, accepter = them, us
	}
	sasBytes, err := t.sas.derive(sasInfo(starter, accepter, t.id), sasLength)
	if err != nil {
		m.cancelWith(ctx, t, CancelUser, err.Error())
		return
	}
	t.sasBytes = sasBytes
	t.state = KeyExchanged
	m.persist(ctx, t)
}

// sendMAC proves this device's signing key to the peer. Caller holds
// t.mu.
func (m *Manager) sendMAC(ctx context.Context, t *Transaction) error {
	us, them := t.parties(m.local)
	keyID := "ed25519:" + m.local.DeviceID.String()
	keyMAC, err := t.sas.mac(macInfo(us, them, t.id, keyID), m.signingKey())
	if err != nil {
		return err
	}
	idsMAC, err := t.sas.mac(macInfo(us, them, t.id, keyIDsMAC), keyID)
	if err != nil {
		return err
	}
	content := &event.VerificationMAC{Keys: idsMAC, MAC: map[string]string{keyID: keyMAC}}
	if err := m.send(ctx, t, content); err != nil {
		return fmt.Errorf("verification: sending mac: %w", err)
	}
	return nil
}

func (m *Manager) onMAC(ctx context.Context, t *Transaction, c *event.VerificationMAC) {
	if t.state != KeyExchanged || t.theirMACValid {
		m.unexpected(ctx, t, c.EventType())
		return
	}
	us, them := t.parties(m.local)

	keyIDs := make([]string, 0, len(c.MAC))
	for keyID := range c.MAC {
		keyIDs = append(keyIDs, keyID)
	}
	slices.Sort(keyIDs)
	expectedIDs, err := t.sas.mac(macInfo(them, us, t.id, keyIDsMAC), strings.Join(keyIDs, ","))
	if err != nil || !macEqual(expectedIDs, c.Keys) {
		m.cancelWith(ctx, t, CancelKeyMismatch, "key list MAC does not match")
		return
	}

	keyID := "ed25519:" + t.otherDevice.String()
	got, ok := c.MAC[keyID]
	if !ok {
		m.cancelWith(ctx, t, CancelKeyMismatch, "MAC does not cover the device's signing key")
		return
	}
	device, err := m.lookup(ctx, t.otherUser, t.otherDevice)
	if err != nil {
		m.cancelWith(ctx, t, CancelKeyMismatch, "device is not in the directory")
		return
	}
	expected, err := t.sas.mac(macInfo(them, us, t.id, keyID), device.Ed25519())
	if err != nil || !macEqual(expected, got) {
		m.cancelWith(ctx, t, CancelKeyMismatch, "signing key MAC does not match")
		return
	}
	t.theirMACValid = true
	t.verifiedKey = device.Ed25519()
	if t.macSent {
		m.macExchanged(ctx, t)
	}
	m.persist(ctx, t)
}

func macEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// macExchanged runs once both MACs are sent and checked. Caller holds
// t.mu.
func (m *Manager) macExchanged(ctx context.Context, t *Transaction) {
	t.state = MacExchanged
	if err := m.send(ctx, t, &event.VerificationDone{}); err != nil {
		m.logger.Warn("cannot send verification done", "transaction_id", t.id, "error", err)
	}
}

func (m *Manager) onDone(ctx context.Context, t *Transaction) {
	if t.state != MacExchanged {
		m.unexpected(ctx, t, event.TypeVerificationDone)
		return
	}
	device, err := m.lookup(ctx, t.otherUser, t.otherDevice)
	if err != nil || device.Ed25519() != t.verifiedKey {
		m.cancelWith(ctx, t, CancelKeyMismatch, "device keys changed during verification")
		return
	}
	if _, err := m.store.PromoteTrust(ctx, t.otherUser, t.otherDevice, store.TrustLocallyVerified); err != nil {
		m.logger.Error("cannot record verified device",
			"user_id", t.otherUser.String(),
			"device_id", t.otherDevice.String(),
			"error", err,
		)
	}
	m.finish(ctx, t, Done, nil)
}
