// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
	"github.com/bureau-foundation/matrixcrypto/olm"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// olmPayload is the plaintext of a pairwise message. The sender and
// recipient fields bind the ciphertext to both ends, so a message
// cannot be replayed to another device or attributed to another
// sender.
type olmPayload struct {
	Type          ref.EventType     `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        ref.UserID        `json:"sender"`
	SenderDevice  ref.DeviceID      `json:"sender_device"`
	Keys          map[string]string `json:"keys"`
	Recipient     ref.UserID        `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
}

// PairwiseConfig configures a PairwiseChannel.
type PairwiseConfig struct {
	Account   *AccountManager
	Store     *store.Store
	Server    KeyServer
	PickleKey *secret.Buffer
	Clock     clock.Clock
	Logger    *slog.Logger
}

// PairwiseChannel sends to-device events encrypted over pairwise
// sessions, establishing sessions on demand. Every mutation of a
// device's sessions, sending or receiving, holds that device's lock.
type PairwiseChannel struct {
	account   *AccountManager
	store     *store.Store
	server    KeyServer
	pickleKey *secret.Buffer
	clock     clock.Clock
	logger    *slog.Logger

	// locks is keyed by the remote device's curve25519 key.
	locks *keyedMutex
}

// NewPairwiseChannel returns a channel sending as config.Account.
func NewPairwiseChannel(config PairwiseConfig) *PairwiseChannel {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &PairwiseChannel{
		account:   config.Account,
		store:     config.Store,
		server:    config.Server,
		pickleKey: config.PickleKey,
		clock:     config.Clock,
		logger:    config.Logger,
		locks:     newKeyedMutex(),
	}
}

// Send encrypts content for each device and delivers all of them in
// one to-device request, retrying transient failures. It returns the
// devices the event was sent to; a device without a usable session is
// skipped and logged.
func (c *PairwiseChannel) Send(ctx context.Context, devices []*store.DeviceKeys, eventType ref.EventType, content any) ([]*store.DeviceKeys, error) {
	return c.send(ctx, devices, eventType, content, networkAttempts)
}

// sendOnce is Send with a single delivery attempt, for callers that
// queue their own retries.
func (c *PairwiseChannel) sendOnce(ctx context.Context, devices []*store.DeviceKeys, eventType ref.EventType, content any) ([]*store.DeviceKeys, error) {
	return c.send(ctx, devices, eventType, content, 1)
}

func (c *PairwiseChannel) send(ctx context.Context, devices []*store.DeviceKeys, eventType ref.EventType, content any, attempts int) ([]*store.DeviceKeys, error) {
	messages := make(map[ref.UserID]map[string]any)
	var sent []*store.DeviceKeys
	for _, device := range devices {
		encrypted, err := c.Encrypt(ctx, device, eventType, content)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("cannot encrypt for device",
				"user_id", device.UserID.String(),
				"device_id", device.DeviceID.String(),
				"event_type", eventType.String(),
				"error", err,
			)
			continue
		}
		if messages[device.UserID] == nil {
			messages[device.UserID] = make(map[string]any)
		}
		messages[device.UserID][device.DeviceID.String()] = encrypted
		sent = append(sent, device)
	}
	if len(sent) == 0 {
		return nil, nil
	}

	err := retryTransient(ctx, c.clock, c.logger, networkBackoff, attempts, "send to-device", func() error {
		return c.server.SendToDevice(ctx, event.TypeEncrypted, messages)
	})
	if err != nil {
		return nil, fmt.Errorf("e2ee: sending %s: %w", eventType, err)
	}
	return sent, nil
}

// Encrypt returns m.room.encrypted content carrying eventType and
// content for device. The advanced ratchet is persisted before the
// ciphertext is returned, so a ciphertext that exists was produced by
// a committed state.
func (c *PairwiseChannel) Encrypt(ctx context.Context, device *store.DeviceKeys, eventType ref.EventType, content any) (*event.Encrypted, error) {
	theirKey := device.Curve25519()
	if theirKey == "" || device.Ed25519() == "" {
		return nil, fmt.Errorf("e2ee: device %s has no identity keys", device.Ref())
	}
	if err := c.ensureSession(ctx, device); err != nil {
		return nil, err
	}

	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encoding %s: %w", eventType, err)
	}
	identity := c.account.IdentityKeys()
	plaintext, err := json.Marshal(olmPayload{
		Type:          eventType,
		Content:       rawContent,
		Sender:        c.account.userID,
		SenderDevice:  c.account.deviceID,
		Keys:          map[string]string{"ed25519": identity.Ed25519},
		Recipient:     device.UserID,
		RecipientKeys: map[string]string{"ed25519": device.Ed25519()},
	})
	if err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(theirKey)
	defer unlock()

	record, err := c.latestSession(ctx, theirKey)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("e2ee: session with %s vanished", device.Ref())
	}
	session, err := olm.UnpickleSession(c.pickleKey.Bytes(), record.Pickle)
	if err != nil {
		return nil, fmt.Errorf("e2ee: opening session %s: %w", record.SessionID, err)
	}
	messageType, body, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encrypting for %s: %w", device.Ref(), err)
	}
	if record.Pickle, err = session.Pickle(c.pickleKey.Bytes()); err != nil {
		return nil, err
	}
	record.LastUsed = c.clock.Now()
	if err := c.store.PutPairwiseSession(ctx, record); err != nil {
		return nil, fmt.Errorf("e2ee: storing session %s: %w", record.SessionID, err)
	}

	return &event.Encrypted{
		Algorithm: event.AlgorithmOlm,
		SenderKey: identity.Curve25519,
		OlmCiphertext: map[string]event.OlmCiphertext{
			theirKey: {Type: int(messageType), Body: body},
		},
	}, nil
}

// ensureSession establishes a session with device if none exists. The
// claim is a network round trip and runs without the device's lock; a
// session established concurrently in the meantime wins and the claimed
// key is left unused.
func (c *PairwiseChannel) ensureSession(ctx context.Context, device *store.DeviceKeys) error {
	theirKey := device.Curve25519()
	existing, err := c.latestSession(ctx, theirKey)
	if err != nil || existing != nil {
		return err
	}

	oneTimeKey, err := c.account.ClaimOneTimeKey(ctx, device)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(theirKey)
	defer unlock()
	if existing, err = c.latestSession(ctx, theirKey); err != nil || existing != nil {
		return err
	}
	_, _, err = c.account.EstablishOutboundSession(ctx, device, oneTimeKey)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

// latestSession returns the most recently used session with theirKey,
// or nil if there is none.
func (c *PairwiseChannel) latestSession(ctx context.Context, theirKey string) (*store.PairwiseSession, error) {
	sessions, err := c.store.ListPairwiseSessions(ctx, theirKey)
	if err != nil {
		return nil, fmt.Errorf("e2ee: listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].LastUsed.Equal(sessions[j].LastUsed) {
			return sessions[i].LastUsed.After(sessions[j].LastUsed)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	return sessions[0], nil
}
