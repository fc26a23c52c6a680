// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/olm"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// signedCurve25519 is the algorithm of uploaded one-time keys.
const signedCurve25519 = "signed_curve25519"

// commitAttempts bounds compare-and-swap retries against records that
// are only contended within this process.
const commitAttempts = 8

// IdentityKeys are a device's long-term public keys.
type IdentityKeys struct {
	Ed25519    string
	Curve25519 string
}

// AccountConfig configures an AccountManager.
type AccountConfig struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID
	Store    *store.Store
	Server   KeyServer

	// PickleKey encrypts the account and every session at rest. The
	// manager reads it but does not close it.
	PickleKey *secret.Buffer

	// OneTimeKeyTarget is the number of one-time keys kept on the
	// server.
	OneTimeKeyTarget int

	Clock  clock.Clock
	Logger *slog.Logger
}

// AccountManager owns this device's identity keys and its one-time key
// pool.
type AccountManager struct {
	userID    ref.UserID
	deviceID  ref.DeviceID
	store     *store.Store
	server    KeyServer
	pickleKey *secret.Buffer
	target    int
	clock     clock.Clock
	logger    *slog.Logger

	// publishMu admits one publisher at a time. A publish uploads
	// every key not yet marked published, so two overlapping publishes
	// would upload the same keys twice.
	publishMu sync.Mutex

	identityMu sync.RWMutex
	identity   IdentityKeys
}

// NewAccountManager validates config. Call Init before any other
// method.
func NewAccountManager(config AccountConfig) (*AccountManager, error) {
	if config.UserID.IsZero() || config.DeviceID.IsZero() {
		return nil, errors.New("e2ee: account requires a user ID and a device ID")
	}
	if config.Store == nil || config.Server == nil {
		return nil, errors.New("e2ee: account requires a store and a key server")
	}
	if config.PickleKey == nil {
		return nil, errors.New("e2ee: account requires a pickle key")
	}
	if config.OneTimeKeyTarget <= 0 || config.OneTimeKeyTarget > olm.MaxOneTimeKeys {
		return nil, fmt.Errorf("e2ee: one-time key target must be between 1 and %d", olm.MaxOneTimeKeys)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &AccountManager{
		userID:    config.UserID,
		deviceID:  config.DeviceID,
		store:     config.Store,
		server:    config.Server,
		pickleKey: config.PickleKey,
		target:    config.OneTimeKeyTarget,
		clock:     config.Clock,
		logger:    config.Logger,
	}, nil
}

// Init loads the account, creating and persisting fresh identity keys
// the first time. A stored account belonging to another user or device
// is an error: the store is bound to one device for its whole life.
func (m *AccountManager) Init(ctx context.Context) error {
	record, err := m.store.GetAccount(ctx)
	if errors.Is(err, store.ErrNotFound) {
		record, err = m.create(ctx)
	}
	if err != nil {
		return fmt.Errorf("e2ee: loading account: %w", err)
	}
	if record.UserID != m.userID || record.DeviceID != m.deviceID {
		return fmt.Errorf("e2ee: store holds the account of %s/%s, not %s/%s",
			record.UserID, record.DeviceID, m.userID, m.deviceID)
	}

	account, err := olm.UnpickleAccount(m.pickleKey.Bytes(), record.Pickle)
	if err != nil {
		return fmt.Errorf("e2ee: opening account: %w", err)
	}
	m.identityMu.Lock()
	m.identity = IdentityKeys{Ed25519: account.Ed25519Key(), Curve25519: account.Curve25519Key()}
	m.identityMu.Unlock()
	return nil
}

func (m *AccountManager) create(ctx context.Context) (*store.Account, error) {
	account, err := olm.NewAccount()
	if err != nil {
		return nil, err
	}
	pickled, err := account.Pickle(m.pickleKey.Bytes())
	if err != nil {
		return nil, err
	}
	record := &store.Account{UserID: m.userID, DeviceID: m.deviceID, Pickle: pickled}
	err = m.store.PutAccount(ctx, record)
	if errors.Is(err, store.ErrConflict) {
		// Created concurrently; use the winner's keys.
		return m.store.GetAccount(ctx)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("created device account",
		"user_id", m.userID.String(),
		"device_id", m.deviceID.String(),
	)
	return record, nil
}

// IdentityKeys returns the device's public identity keys.
func (m *AccountManager) IdentityKeys() IdentityKeys {
	m.identityMu.RLock()
	defer m.identityMu.RUnlock()
	return m.identity
}

// load reads the account record and opens its pickle.
func (m *AccountManager) load(ctx context.Context) (*store.Account, *olm.Account, error) {
	record, err := m.store.GetAccount(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("e2ee: loading account: %w", err)
	}
	account, err := olm.UnpickleAccount(m.pickleKey.Bytes(), record.Pickle)
	if err != nil {
		return nil, nil, fmt.Errorf("e2ee: opening account: %w", err)
	}
	return record, account, nil
}

// update applies change to a fresh snapshot of the account and commits
// it, retrying when another writer got there first.
func (m *AccountManager) update(ctx context.Context, change func(record *store.Account, account *olm.Account) error) error {
	var err error
	for range commitAttempts {
		var record *store.Account
		var account *olm.Account
		record, account, err = m.load(ctx)
		if err != nil {
			return err
		}
		if err = change(record, account); err != nil {
			return err
		}
		if record.Pickle, err = account.Pickle(m.pickleKey.Bytes()); err != nil {
			return err
		}
		err = m.store.PutAccount(ctx, record)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return err
}

func (m *AccountManager) keyID() string { return "ed25519:" + m.deviceID.String() }

// sign returns v's signatures block signed by account.
func (m *AccountManager) sign(account *olm.Account, v any) (messaging.Signatures, error) {
	signable, err := event.SignableJSON(v)
	if err != nil {
		return nil, err
	}
	return messaging.Signatures{
		m.userID.String(): {m.keyID(): account.Sign(signable)},
	}, nil
}

// SignJSON returns this device's signature over the canonical JSON of
// v, excluding any signatures and unsigned members.
func (m *AccountManager) SignJSON(ctx context.Context, v any) (string, error) {
	_, account, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	signatures, err := m.sign(account, v)
	if err != nil {
		return "", err
	}
	return signatures[m.userID.String()][m.keyID()], nil
}

// DeviceKeys returns this device's signed directory entry.
func (m *AccountManager) DeviceKeys(ctx context.Context) (*messaging.DeviceKeys, error) {
	_, account, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	return m.deviceKeys(account)
}

func (m *AccountManager) deviceKeys(account *olm.Account) (*messaging.DeviceKeys, error) {
	keys := &messaging.DeviceKeys{
		UserID:     m.userID,
		DeviceID:   m.deviceID,
		Algorithms: []string{event.AlgorithmOlm, event.AlgorithmMegolm},
		Keys: map[string]string{
			"ed25519:" + m.deviceID.String():    account.Ed25519Key(),
			"curve25519:" + m.deviceID.String(): account.Curve25519Key(),
		},
	}
	signatures, err := m.sign(account, keys)
	if err != nil {
		return nil, fmt.Errorf("e2ee: signing device keys: %w", err)
	}
	keys.Signatures = signatures
	return keys, nil
}

// PublishKeys uploads the device keys (once) and enough one-time keys
// to bring the server's pool up to the target. It is safe to retry:
// keys are persisted before upload and marked published only after the
// server acknowledges them, so a failed attempt re-uploads the same
// keys.
func (m *AccountManager) PublishKeys(ctx context.Context) error {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	record, account, err := m.load(ctx)
	if err != nil {
		return err
	}

	missing := m.target - record.ServerOneTimeKeyCount - len(account.UnpublishedOneTimeKeys())
	if missing > 0 {
		if err := m.update(ctx, func(_ *store.Account, latest *olm.Account) error {
			return latest.GenerateOneTimeKeys(missing)
		}); err != nil {
			return fmt.Errorf("e2ee: generating one-time keys: %w", err)
		}
		if record, account, err = m.load(ctx); err != nil {
			return err
		}
	}

	request := messaging.KeysUploadRequest{}
	if !record.DeviceKeysPublished {
		if request.DeviceKeys, err = m.deviceKeys(account); err != nil {
			return err
		}
	}
	if unpublished := account.UnpublishedOneTimeKeys(); len(unpublished) > 0 {
		request.OneTimeKeys = make(map[string]messaging.OneTimeKey, len(unpublished))
		for id, key := range unpublished {
			oneTimeKey := messaging.OneTimeKey{Key: key}
			if oneTimeKey.Signatures, err = m.sign(account, oneTimeKey); err != nil {
				return fmt.Errorf("e2ee: signing one-time key: %w", err)
			}
			request.OneTimeKeys[signedCurve25519+":"+id] = oneTimeKey
		}
	}
	if request.DeviceKeys == nil && len(request.OneTimeKeys) == 0 {
		return nil
	}

	var response *messaging.KeysUploadResponse
	err = retryTransient(ctx, m.clock, m.logger, networkBackoff, networkAttempts, "upload keys", func() error {
		var uploadErr error
		response, uploadErr = m.server.UploadKeys(ctx, request)
		return uploadErr
	})
	if err != nil {
		return fmt.Errorf("e2ee: uploading keys: %w", err)
	}

	// Only publishers generate keys, and publishers are serialized, so
	// every key in the reloaded pool was part of this upload.
	err = m.update(ctx, func(latest *store.Account, latestAccount *olm.Account) error {
		latestAccount.MarkKeysAsPublished()
		if request.DeviceKeys != nil {
			latest.DeviceKeysPublished = true
		}
		latest.ServerOneTimeKeyCount = response.OneTimeKeyCounts[signedCurve25519]
		return nil
	})
	if err != nil {
		return fmt.Errorf("e2ee: recording published keys: %w", err)
	}

	m.logger.Info("published keys",
		"device_keys", request.DeviceKeys != nil,
		"one_time_keys", len(request.OneTimeKeys),
		"server_count", response.OneTimeKeyCounts[signedCurve25519],
	)
	return nil
}

// HandleOneTimeKeyCounts records the count the server reported in sync
// and replenishes the pool once it falls below half the target.
func (m *AccountManager) HandleOneTimeKeyCounts(ctx context.Context, counts map[string]int) error {
	count, ok := counts[signedCurve25519]
	if !ok {
		return nil
	}
	err := m.update(ctx, func(record *store.Account, _ *olm.Account) error {
		record.ServerOneTimeKeyCount = count
		return nil
	})
	if err != nil {
		return err
	}
	if count >= m.target/2 {
		return nil
	}
	m.logger.Info("replenishing one-time keys", "server_count", count, "target", m.target)
	return m.PublishKeys(ctx)
}

// ClaimOneTimeKey claims one of device's one-time keys and checks its
// signature against the device's signing key.
func (m *AccountManager) ClaimOneTimeKey(ctx context.Context, device *store.DeviceKeys) (string, error) {
	response, err := m.server.ClaimKeys(ctx, messaging.KeysClaimRequest{
		OneTimeKeys: map[ref.UserID]map[string]string{
			device.UserID: {device.DeviceID.String(): signedCurve25519},
		},
	})
	if err != nil {
		return "", fmt.Errorf("e2ee: claiming one-time key for %s: %w", device.Ref(), err)
	}

	for keyID, oneTimeKey := range response.OneTimeKeys[device.UserID][device.DeviceID.String()] {
		if !strings.HasPrefix(keyID, signedCurve25519+":") {
			continue
		}
		if err := verifySignature(oneTimeKey, oneTimeKey.Signatures, device.UserID, device.DeviceID, device.Ed25519()); err != nil {
			return "", fmt.Errorf("%w: one-time key %s of %s: %v", ErrSignatureInvalid, keyID, device.Ref(), err)
		}
		return oneTimeKey.Key, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoOneTimeKeyAvailable, device.Ref())
}

// EstablishOutboundSession starts a pairwise session toward device
// using a claimed one-time key and persists it.
func (m *AccountManager) EstablishOutboundSession(ctx context.Context, device *store.DeviceKeys, oneTimeKey string) (*olm.Session, *store.PairwiseSession, error) {
	_, account, err := m.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	session, err := olm.NewOutboundSession(account, device.Curve25519(), oneTimeKey)
	if err != nil {
		return nil, nil, fmt.Errorf("e2ee: starting session with %s: %w", device.Ref(), err)
	}
	pickled, err := session.Pickle(m.pickleKey.Bytes())
	if err != nil {
		return nil, nil, err
	}
	now := m.clock.Now()
	record := &store.PairwiseSession{
		SenderKey: device.Curve25519(),
		SessionID: session.ID(),
		Pickle:    pickled,
		CreatedAt: now,
		LastUsed:  now,
	}
	if err := m.store.PutPairwiseSession(ctx, record); err != nil {
		return nil, nil, fmt.Errorf("e2ee: storing session with %s: %w", device.Ref(), err)
	}
	m.logger.Debug("established outbound pairwise session",
		"user_id", device.UserID.String(),
		"device_id", device.DeviceID.String(),
		"session_id", record.SessionID,
	)
	return session, record, nil
}

// EstablishInboundSession creates a pairwise session from a pre-key
// message sent by senderKey and decrypts the message. The consumed
// one-time key and the new session are committed together, and only
// after decryption succeeded: a forged pre-key message consumes
// nothing.
func (m *AccountManager) EstablishInboundSession(ctx context.Context, senderKey, body string) ([]byte, *store.PairwiseSession, error) {
	var err error
	for range commitAttempts {
		var accountRecord *store.Account
		var account *olm.Account
		accountRecord, account, err = m.load(ctx)
		if err != nil {
			return nil, nil, err
		}
		var session *olm.Session
		session, err = olm.NewInboundSession(account, senderKey, body)
		if err != nil {
			return nil, nil, err
		}
		var plaintext []byte
		plaintext, err = session.Decrypt(olm.MessageTypePreKey, body)
		if err != nil {
			return nil, nil, err
		}

		if accountRecord.Pickle, err = account.Pickle(m.pickleKey.Bytes()); err != nil {
			return nil, nil, err
		}
		var pickled []byte
		if pickled, err = session.Pickle(m.pickleKey.Bytes()); err != nil {
			return nil, nil, err
		}
		now := m.clock.Now()
		record := &store.PairwiseSession{
			SenderKey: senderKey,
			SessionID: session.ID(),
			Pickle:    pickled,
			CreatedAt: now,
			LastUsed:  now,
		}
		err = m.store.CommitInboundSession(ctx, accountRecord, record)
		if err == nil {
			m.logger.Debug("established inbound pairwise session",
				"sender_key", senderKey,
				"session_id", record.SessionID,
			)
			return plaintext, record, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, nil, err
		}
	}
	return nil, nil, err
}

// verifySignature checks the signature userID's deviceID made over v
// with signingKey.
func verifySignature(v any, signatures messaging.Signatures, userID ref.UserID, deviceID ref.DeviceID, signingKey string) error {
	if signingKey == "" {
		return errors.New("no signing key")
	}
	signature := signatures[userID.String()]["ed25519:"+deviceID.String()]
	if signature == "" {
		return errors.New("no signature")
	}
	signable, err := event.SignableJSON(v)
	if err != nil {
		return err
	}
	return olm.VerifySignature(signingKey, signable, signature)
}
