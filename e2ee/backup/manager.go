// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/config"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/sealed"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/olm"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// Server is the homeserver's key backup API. messaging.DirectSession
// satisfies it.
type Server interface {
	CreateRoomKeysVersion(ctx context.Context, request messaging.RoomKeysVersionRequest) (string, error)
	GetRoomKeysVersion(ctx context.Context) (*messaging.RoomKeysVersion, error)
	PutRoomKeys(ctx context.Context, version string, keys messaging.RoomKeys) (*messaging.RoomKeysUpdateResponse, error)
	GetRoomKeys(ctx context.Context, version string) (*messaging.RoomKeys, error)
}

// ImportFunc stores a session key recovered from backup. It reports
// whether the key was stored, which it is not when a better copy of the
// session is already held.
type ImportFunc func(ctx context.Context, roomID ref.RoomID, senderKey string, claimedKeys map[string]string, sessionKey string) (bool, error)

// Config configures a Manager.
type Config struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID

	Store     *store.Store
	Server    Server
	PickleKey *secret.Buffer

	// SignJSON signs v with this device's ed25519 key.
	SignJSON func(ctx context.Context, v any) (string, error)

	// SigningKey returns this device's ed25519 key.
	SigningKey func() string

	// Import stores restored sessions.
	Import ImportFunc

	Settings config.BackupConfig
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Manager keeps this device's room keys backed up on the server.
type Manager struct {
	userID     ref.UserID
	deviceID   ref.DeviceID
	store      *store.Store
	server     Server
	pickleKey  *secret.Buffer
	signJSON   func(context.Context, any) (string, error)
	signingKey func() string
	importKey  ImportFunc
	settings   config.BackupConfig
	clock      clock.Clock
	logger     *slog.Logger

	// uploading serializes upload passes.
	uploading sync.Mutex

	// wake is signalled when a session becomes pending.
	wake chan struct{}
}

// maxVersionRestarts bounds how often one upload pass follows a
// version change before giving up.
const maxVersionRestarts = 3

// New returns a manager. Settings fields left zero take the values of
// config.Default.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Server == nil || cfg.PickleKey == nil {
		return nil, errors.New("backup: manager requires a store, a server, and a pickle key")
	}
	if cfg.SignJSON == nil || cfg.SigningKey == nil || cfg.Import == nil {
		return nil, errors.New("backup: manager requires signing and import functions")
	}
	defaults := config.Default().Backup
	if cfg.Settings.BatchSize <= 0 {
		cfg.Settings.BatchSize = defaults.BatchSize
	}
	if cfg.Settings.InitialBackoff <= 0 {
		cfg.Settings.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.Settings.MaxBackoff < cfg.Settings.InitialBackoff {
		cfg.Settings.MaxBackoff = max(defaults.MaxBackoff, cfg.Settings.InitialBackoff)
	}
	if cfg.Settings.Interval <= 0 {
		cfg.Settings.Interval = defaults.Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		userID:     cfg.UserID,
		deviceID:   cfg.DeviceID,
		store:      cfg.Store,
		server:     cfg.Server,
		pickleKey:  cfg.PickleKey,
		signJSON:   cfg.SignJSON,
		signingKey: cfg.SigningKey,
		importKey:  cfg.Import,
		settings:   cfg.Settings,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		wake:       make(chan struct{}, 1),
	}, nil
}

// CreateVersion starts a new backup version bound to a fresh recovery
// key and marks every session for upload to it. The caller must show
// the returned key to the user and Close it.
func (m *Manager) CreateVersion(ctx context.Context) (*sealed.RecoveryKey, error) {
	recovery, err := sealed.GenerateRecoveryKey()
	if err != nil {
		return nil, err
	}
	auth := authData{PublicKey: recovery.PublicKey}
	signature, err := m.signJSON(ctx, auth)
	if err != nil {
		recovery.Close()
		return nil, fmt.Errorf("backup: signing auth data: %w", err)
	}
	auth.Signatures = messaging.Signatures{
		m.userID.String(): {"ed25519:" + m.deviceID.String(): signature},
	}
	raw, err := json.Marshal(auth)
	if err != nil {
		recovery.Close()
		return nil, err
	}

	var version string
	err = m.retry(ctx, "create backup version", func() error {
		var err error
		version, err = m.server.CreateRoomKeysVersion(ctx, messaging.RoomKeysVersionRequest{
			Algorithm: Algorithm,
			AuthData:  raw,
		})
		return err
	})
	if err != nil {
		recovery.Close()
		return nil, err
	}

	record := &store.BackupVersion{
		Version:    version,
		Algorithm:  Algorithm,
		PublicKey:  recovery.PublicKey,
		Signatures: auth.Signatures,
		Trusted:    true,
	}
	if err := m.adopt(ctx, record); err != nil {
		recovery.Close()
		return nil, err
	}
	m.logger.Info("created backup version", "version", version)
	return recovery, nil
}

// CheckVersion fetches the server's current backup version and adopts
// it if its auth data is signed by this device or by a verified,
// unblocked device of this account. A version that fails the check is
// not used.
func (m *Manager) CheckVersion(ctx context.Context) (*store.BackupVersion, error) {
	current, err := m.fetchVersion(ctx)
	if err != nil {
		if errors.Is(err, ErrNoBackup) {
			if err := m.store.DeleteBackupVersion(ctx); err != nil {
				return nil, err
			}
		}
		return nil, err
	}
	auth, err := parseAuthData(current)
	if err != nil {
		return nil, err
	}
	if err := m.verifyAuthData(ctx, auth); err != nil {
		m.logger.Warn("rejecting backup version", "version", current.Version, "error", err)
		return nil, err
	}

	record := &store.BackupVersion{
		Version:    current.Version,
		Algorithm:  current.Algorithm,
		PublicKey:  auth.PublicKey,
		Signatures: auth.Signatures,
		Trusted:    true,
	}
	if err := m.adopt(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// fetchVersion returns the server's current version, mapping a missing
// backup to ErrNoBackup.
func (m *Manager) fetchVersion(ctx context.Context) (*messaging.RoomKeysVersion, error) {
	var current *messaging.RoomKeysVersion
	err := m.retry(ctx, "fetch backup version", func() error {
		var err error
		current, err = m.server.GetRoomKeysVersion(ctx)
		return err
	})
	if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
		return nil, ErrNoBackup
	}
	if err != nil {
		return nil, err
	}
	if current.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrAuthDataInvalid, current.Algorithm)
	}
	return current, nil
}

func parseAuthData(current *messaging.RoomKeysVersion) (*authData, error) {
	var auth authData
	if err := json.Unmarshal(current.AuthData, &auth); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthDataInvalid, err)
	}
	if err := sealed.ValidatePublicKey(auth.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthDataInvalid, err)
	}
	return &auth, nil
}

func (m *Manager) verifyAuthData(ctx context.Context, auth *authData) error {
	signable, err := event.SignableJSON(auth)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthDataInvalid, err)
	}
	for keyID, signature := range auth.Signatures[m.userID.String()] {
		deviceID, err := ref.ParseDeviceID(trimKeyAlgorithm(keyID))
		if err != nil {
			continue
		}
		var signingKey string
		if deviceID == m.deviceID {
			signingKey = m.signingKey()
		} else {
			device, err := m.store.GetDevice(ctx, m.userID, deviceID)
			if err != nil || !device.Trust.Verified() || device.Blocked {
				continue
			}
			signingKey = device.Ed25519()
		}
		if signingKey != "" && olm.VerifySignature(signingKey, signable, signature) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no valid signature from a trusted device", ErrAuthDataInvalid)
}

func trimKeyAlgorithm(keyID string) string {
	const prefix = "ed25519:"
	if len(keyID) <= len(prefix) || keyID[:len(prefix)] != prefix {
		return ""
	}
	return keyID[len(prefix):]
}

// adopt makes record the current version. A version different from
// the stored one puts every session back to pending.
func (m *Manager) adopt(ctx context.Context, record *store.BackupVersion) error {
	previous, err := m.store.GetBackupVersion(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := m.store.PutBackupVersion(ctx, record); err != nil {
		return err
	}
	if previous != nil && previous.Version == record.Version && previous.PublicKey == record.PublicKey {
		return nil
	}
	if previous != nil {
		m.logger.Info("backup version changed", "previous", previous.Version, "version", record.Version)
	}
	sessions, err := m.store.ListInboundGroupSessions(ctx, ref.RoomID{})
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if err := m.markPending(ctx, session.RoomID, session.SessionID); err != nil {
			return err
		}
	}
	m.signal()
	return nil
}

// retry calls operation with bounded exponential backoff while it fails
// transiently. Exhausted retries return ErrTransportFailure.
func (m *Manager) retry(ctx context.Context, name string, operation func() error) error {
	delay := m.settings.InitialBackoff
	var err error
	for attempt := 0; ; attempt++ {
		if err = operation(); err == nil || !messaging.IsTransient(err) {
			return err
		}
		if attempt >= m.settings.MaxRetries {
			break
		}
		m.logger.Warn("backup request failed, retrying",
			"operation", name,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(delay):
		}
		delay = min(delay*2, m.settings.MaxBackoff)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransportFailure, name, err)
}

// Run uploads pending sessions whenever one is queued and on every
// interval tick, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.settings.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		}
		if _, err := m.UploadPending(ctx); err != nil && !errors.Is(err, ErrNoBackup) && ctx.Err() == nil {
			m.logger.Warn("backup upload failed", "error", err)
		}
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) since(start time.Time) time.Duration {
	return m.clock.Now().Sub(start)
}
