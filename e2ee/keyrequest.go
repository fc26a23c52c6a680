// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/olm"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// keyRequestBackoff spaces re-sends of a request that has gone
// unanswered.
var keyRequestBackoff = backoff{initial: time.Minute, maximum: time.Hour}

// requestKey asks the session creator's devices and this account's
// other devices for a session this device cannot decrypt. At most one
// request per session is outstanding. An unanswered request is re-sent
// under the same request ID by a later undecryptable event once
// keyRequestBackoff allows.
func (d *Decryptor) requestKey(ctx context.Context, roomID ref.RoomID, sessionID, senderKey string, sender ref.UserID) {
	now := d.clock.Now()
	request, err := d.store.GetKeyRequest(ctx, roomID, sessionID)
	switch {
	case err == nil:
		if now.Before(request.SentAt.Add(keyRequestBackoff.delay(request.Attempts))) {
			return
		}
		request.SentAt = now
		request.Attempts++
		err = d.store.PutKeyRequest(ctx, request)
	case errors.Is(err, store.ErrNotFound):
		recipients := []ref.UserID{d.account.userID}
		if sender != d.account.userID && !sender.IsZero() {
			recipients = append(recipients, sender)
		}
		request = &store.OutgoingKeyRequest{
			RequestID:  uuid.NewString(),
			RoomID:     roomID,
			SessionID:  sessionID,
			SenderKey:  senderKey,
			CreatedAt:  now,
			SentAt:     now,
			Attempts:   1,
			Recipients: recipients,
		}
		err = d.store.AddKeyRequest(ctx, request)
	}
	// A conflict means another decrypt is sending this request.
	if errors.Is(err, store.ErrConflict) {
		return
	}
	if err != nil {
		d.logger.Warn("cannot record key request", "room_id", roomID.String(), "session_id", sessionID, "error", err)
		return
	}

	content := event.RoomKeyRequest{
		Action: event.KeyRequestActionRequest,
		Body: &event.RequestedKeyInfo{
			Algorithm: event.AlgorithmMegolm,
			RoomID:    roomID,
			SenderKey: request.SenderKey,
			SessionID: sessionID,
		},
		RequestingDeviceID: d.account.deviceID,
		RequestID:          request.RequestID,
	}
	if err := d.sendToAllDevices(ctx, request.Recipients, event.TypeRoomKeyRequest, content); err != nil {
		d.logger.Warn("key request not sent",
			"room_id", roomID.String(),
			"session_id", sessionID,
			"attempts", request.Attempts,
			"error", err,
		)
		if request.Attempts > 1 {
			return
		}
		if err := d.store.DeleteKeyRequest(ctx, roomID, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			d.logger.Error("cannot drop unsent key request", "session_id", sessionID, "error", err)
		}
		return
	}
	d.logger.Info("requested room key",
		"room_id", roomID.String(),
		"session_id", sessionID,
		"request_id", request.RequestID,
		"attempts", request.Attempts,
	)
}

// cancelKeyRequest withdraws the outstanding request for a session, if
// any, once the key has arrived.
func (d *Decryptor) cancelKeyRequest(ctx context.Context, roomID ref.RoomID, sessionID string) {
	request, err := d.store.GetKeyRequest(ctx, roomID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		d.logger.Warn("cannot load key request", "session_id", sessionID, "error", err)
		return
	}

	content := event.RoomKeyRequest{
		Action:             event.KeyRequestActionCancellation,
		RequestingDeviceID: d.account.deviceID,
		RequestID:          request.RequestID,
	}
	if err := d.sendToAllDevices(ctx, request.Recipients, event.TypeRoomKeyRequest, content); err != nil {
		// Recipients that never see the cancellation answer with a
		// key this device no longer needs, which is harmless.
		d.logger.Warn("key request cancellation not sent", "request_id", request.RequestID, "error", err)
	}
	if err := d.store.DeleteKeyRequest(ctx, roomID, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error("cannot drop key request", "request_id", request.RequestID, "error", err)
	}
}

// sendToAllDevices sends an unencrypted to-device event to every
// device of users.
func (d *Decryptor) sendToAllDevices(ctx context.Context, users []ref.UserID, eventType ref.EventType, content any) error {
	if len(users) == 0 {
		return nil
	}
	messages := make(map[ref.UserID]map[string]any, len(users))
	for _, user := range users {
		messages[user] = map[string]any{"*": content}
	}
	return retryTransient(ctx, d.clock, d.logger, networkBackoff, networkAttempts, "send key request", func() error {
		return d.server.SendToDevice(ctx, eventType, messages)
	})
}

// HandleKeyRequest answers another device's request for a group
// session this device holds.
//
// This account's own verified devices are sent any session held. Other
// users' devices are sent only sessions this device created, only while
// the user is a member of the room, and only when the device is
// verified or policy shares with unverified devices. Blocked devices
// are never answered. The forwarded key starts at the first index this
// device knows.
func (m *OutboundManager) HandleKeyRequest(ctx context.Context, sender ref.UserID, request *event.RoomKeyRequest) error {
	if request.Action != event.KeyRequestActionRequest {
		return nil
	}
	if request.Body == nil || request.Body.Algorithm != event.AlgorithmMegolm {
		return nil
	}
	if sender == m.account.userID && request.RequestingDeviceID == m.account.deviceID {
		return nil
	}
	body := request.Body
	logger := m.logger.With(
		"requester", sender.String(),
		"requesting_device", request.RequestingDeviceID.String(),
		"room_id", body.RoomID.String(),
		"session_id", body.SessionID,
	)

	device, err := m.requestingDevice(ctx, sender, request.RequestingDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("ignoring key request from unknown device")
		return nil
	}
	if err != nil {
		return err
	}

	session, err := m.store.GetInboundGroupSession(ctx, body.RoomID, body.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug("key request for a session not held")
		return nil
	}
	if err != nil {
		return err
	}
	if session.SenderKey != body.SenderKey {
		logger.Warn("key request names the wrong sender key")
		return nil
	}

	if reason, err := m.keyRequestRefusal(ctx, device, session); err != nil {
		return err
	} else if reason != "" {
		logger.Info("refused key request", "reason", reason)
		return nil
	}

	inbound, err := olm.UnpickleInboundGroupSession(m.pickleKey.Bytes(), session.Pickle)
	if err != nil {
		return fmt.Errorf("e2ee: opening session %s: %w", session.SessionID, err)
	}
	exported, err := inbound.Export(session.FirstKnownIndex)
	if err != nil {
		return fmt.Errorf("e2ee: exporting session %s: %w", session.SessionID, err)
	}
	chain := append([]string{}, session.ForwardedBy...)
	content := event.ForwardedRoomKey{
		Algorithm:                    event.AlgorithmMegolm,
		RoomID:                       session.RoomID,
		SenderKey:                    session.SenderKey,
		SessionID:                    session.SessionID,
		SessionKey:                   exported,
		SenderClaimedEd25519Key:      session.ClaimedKeys["ed25519"],
		ForwardingCurve25519KeyChain: chain,
	}
	sent, err := m.channel.Send(ctx, []*store.DeviceKeys{device}, event.TypeForwardedRoomKey, content)
	if err != nil {
		return err
	}
	if len(sent) == 0 {
		return fmt.Errorf("e2ee: no session with %s to forward the key over", device.Ref())
	}
	logger.Info("forwarded room key", "first_known_index", session.FirstKnownIndex)
	return nil
}

// requestingDevice looks up the device behind a key request, refreshing
// the user's directory once if the device is not yet known.
func (m *OutboundManager) requestingDevice(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID) (*store.DeviceKeys, error) {
	device, err := m.store.GetDevice(ctx, userID, deviceID)
	if !errors.Is(err, store.ErrNotFound) {
		return device, err
	}
	if err := m.devices.Refresh(ctx, userID); err != nil {
		return nil, err
	}
	return m.store.GetDevice(ctx, userID, deviceID)
}

// keyRequestRefusal returns why device may not receive session, or ""
// if it may.
func (m *OutboundManager) keyRequestRefusal(ctx context.Context, device *store.DeviceKeys, session *store.InboundGroupSession) (string, error) {
	if device.Blocked {
		return "device is blocked", nil
	}
	if device.UserID == m.account.userID {
		if !device.Trust.Verified() {
			return "own device is not verified", nil
		}
		return "", nil
	}

	if session.SenderKey != m.account.IdentityKeys().Curve25519 {
		return "session was not created by this device", nil
	}
	if !device.Trust.Verified() && !m.policy.ShareWithUnverified {
		return "device is not verified", nil
	}
	room, err := m.store.GetRoom(ctx, session.RoomID)
	if err != nil {
		return "", err
	}
	if !room.Members[device.UserID.String()] {
		return "requester is not a room member", nil
	}
	return "", nil
}
