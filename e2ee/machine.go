// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/matrixcrypto/e2ee/backup"
	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/e2ee/verification"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/config"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// MachineConfig configures a Machine.
type MachineConfig struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID

	Store  *store.Store
	Server KeyServer

	// BackupServer enables key backup when set and Settings.Backup is
	// enabled. *messaging.DirectSession implements both server
	// interfaces.
	BackupServer backup.Server

	// PickleKey encrypts all stored ratchet state. The machine reads
	// it but does not close it.
	PickleKey *secret.Buffer

	// Settings supplies the crypto, verification, and backup sections.
	// Nil means config.Default().
	Settings *config.Config

	Verification verification.Callbacks

	Clock  clock.Clock
	Logger *slog.Logger
}

// Machine is the encryption engine of one device. Construct it with
// NewMachine, call Start, feed it every sync response through
// ProcessSync, and Close it on shutdown.
type Machine struct {
	userID   ref.UserID
	deviceID ref.DeviceID
	store    *store.Store
	clock    clock.Clock
	logger   *slog.Logger

	account      *AccountManager
	devices      *DeviceListTracker
	channel      *PairwiseChannel
	outbound     *OutboundManager
	decryptor    *Decryptor
	verification *verification.Manager

	// backup is nil when backup is disabled.
	backup *backup.Manager

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewMachine constructs every component and wires them together. It
// does not touch the store or the network; Start does.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.Store == nil || cfg.Server == nil || cfg.PickleKey == nil {
		return nil, errors.New("e2ee: machine requires a store, a key server, and a pickle key")
	}
	if cfg.Settings == nil {
		cfg.Settings = config.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("user_id", cfg.UserID.String(), "device_id", cfg.DeviceID.String())
	settings := cfg.Settings

	m := &Machine{
		userID:   cfg.UserID,
		deviceID: cfg.DeviceID,
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   logger,
	}

	account, err := NewAccountManager(AccountConfig{
		UserID:           cfg.UserID,
		DeviceID:         cfg.DeviceID,
		Store:            cfg.Store,
		Server:           cfg.Server,
		PickleKey:        cfg.PickleKey,
		OneTimeKeyTarget: settings.Crypto.OneTimeKeyTarget,
		Clock:            cfg.Clock,
		Logger:           logger.With("component", "account"),
	})
	if err != nil {
		return nil, err
	}
	m.account = account

	m.devices = NewDeviceListTracker(DeviceListConfig{
		Store:      cfg.Store,
		Server:     cfg.Server,
		Backoff:    settings.Crypto.DeviceRefreshBackoff,
		MaxBackoff: settings.Crypto.DeviceRefreshMaxBackoff,
		Clock:      cfg.Clock,
		Logger:     logger.With("component", "devices"),
	})
	m.channel = NewPairwiseChannel(PairwiseConfig{
		Account:   account,
		Store:     cfg.Store,
		Server:    cfg.Server,
		PickleKey: cfg.PickleKey,
		Clock:     cfg.Clock,
		Logger:    logger.With("component", "pairwise"),
	})
	m.outbound = NewOutboundManager(OutboundConfig{
		Account:   account,
		Store:     cfg.Store,
		Devices:   m.devices,
		Channel:   m.channel,
		PickleKey: cfg.PickleKey,
		Policy: Policy{
			RotationPeriod:      settings.Crypto.RotationPeriod,
			RotationMessages:    settings.Crypto.RotationMessages,
			OnlyVerifiedDevices: settings.Crypto.OnlyVerifiedDevices,
			ShareWithUnverified: settings.Crypto.ShareWithUnverified,
		},
		OnNewSession: m.queueBackup,
		Clock:        cfg.Clock,
		Logger:       logger.With("component", "outbound"),
	})
	m.decryptor = NewDecryptor(DecryptorConfig{
		Account:   account,
		Store:     cfg.Store,
		Server:    cfg.Server,
		Channel:   m.channel,
		PickleKey: cfg.PickleKey,
		OnRoomKey: m.queueBackup,
		Clock:     cfg.Clock,
		Logger:    logger.With("component", "decryptor"),
	})

	m.verification, err = verification.NewManager(verification.Config{
		UserID:     cfg.UserID,
		DeviceID:   cfg.DeviceID,
		SigningKey: func() string { return account.IdentityKeys().Ed25519 },
		Store:      cfg.Store,
		Sender:     cfg.Server,
		Timeout:    settings.Verification.Timeout,
		Callbacks:  cfg.Verification,
		Clock:      cfg.Clock,
		Logger:     logger.With("component", "verification"),
	})
	if err != nil {
		return nil, err
	}

	if settings.Backup.Enabled && cfg.BackupServer != nil {
		m.backup, err = backup.New(backup.Config{
			UserID:     cfg.UserID,
			DeviceID:   cfg.DeviceID,
			Store:      cfg.Store,
			Server:     cfg.BackupServer,
			PickleKey:  cfg.PickleKey,
			SignJSON:   account.SignJSON,
			SigningKey: func() string { return account.IdentityKeys().Ed25519 },
			Import: func(ctx context.Context, roomID ref.RoomID, senderKey string, claimedKeys map[string]string, sessionKey string) (bool, error) {
				return m.decryptor.ImportSession(ctx, roomID, senderKey, claimedKeys, sessionKey, store.ForwardingBackup)
			},
			Settings: settings.Backup,
			Clock:    cfg.Clock,
			Logger:   logger.With("component", "backup"),
		})
		if err != nil {
			return nil, err
		}
	}

	m.devices.AddListener(m.outbound.HandleDeviceChange)
	m.devices.AddListener(func(ctx context.Context, change DeviceChange) {
		if change.Kind == DeviceRemoved || change.Kind == DeviceKeyChanged {
			m.verification.DeviceInvalidated(ctx, change.Device.UserID, change.Device.DeviceID)
		}
	})
	return m, nil
}

// queueBackup hands every new or improved inbound session to the
// backup manager.
func (m *Machine) queueBackup(ctx context.Context, session *store.InboundGroupSession) {
	if m.backup == nil {
		return
	}
	if err := m.backup.BackupSession(ctx, session); err != nil {
		m.logger.Warn("cannot queue session for backup",
			"room_id", session.RoomID.String(),
			"session_id", session.SessionID,
			"error", err,
		)
	}
}

// Start loads or creates the account, publishes keys, resumes
// persisted state, and launches the background workers. The workers
// run until Close.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("e2ee: machine already started")
	}

	if err := m.account.Init(ctx); err != nil {
		return err
	}
	if err := m.account.PublishKeys(ctx); err != nil {
		return fmt.Errorf("e2ee: publishing keys: %w", err)
	}

	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("e2ee: listing rooms: %w", err)
	}
	m.devices.Track(m.userID)
	for _, room := range rooms {
		if room.Encrypted {
			m.devices.Track(room.MemberIDs()...)
		}
	}

	if err := m.verification.Resume(ctx); err != nil {
		return err
	}
	if m.backup != nil {
		if _, err := m.backup.CheckVersion(ctx); err != nil && !errors.Is(err, backup.ErrNoBackup) {
			m.logger.Warn("backup version not usable", "error", err)
		}
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.started = true
	m.spawn(func() { m.devices.Run(workerCtx) })
	m.spawn(func() { m.outbound.RunRetries(workerCtx) })
	if m.backup != nil {
		m.spawn(func() { m.backup.Run(workerCtx) })
	}

	identity := m.account.IdentityKeys()
	m.logger.Info("encryption engine started",
		"ed25519", identity.Ed25519,
		"curve25519", identity.Curve25519,
		"rooms", len(rooms),
		"backup", m.backup != nil,
	)
	return nil
}

func (m *Machine) spawn(worker func()) {
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		worker()
	}()
}

// Close stops the background workers and cancels live verification
// transactions. It does not close the store.
func (m *Machine) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.started = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.workers.Wait()
	m.verification.Close()
}

// Logout stops the machine and deletes all of this device's
// cryptographic state. The account cannot be used again.
func (m *Machine) Logout(ctx context.Context) error {
	m.Close()
	if err := m.store.Wipe(ctx); err != nil {
		return err
	}
	m.logger.Info("encryption state wiped on logout")
	return nil
}

// SyncResult carries the outcome of every encrypted timeline event of
// one sync response, per room, in timeline order.
type SyncResult struct {
	Rooms map[ref.RoomID][]TimelineResult
}

// TimelineResult pairs an encrypted timeline event with its decryption.
type TimelineResult struct {
	EventID string
	DecryptResult
}

// ProcessSync applies one sync response. Device list changes and
// one-time key counts are applied first, then room state, then
// to-device events (which may carry the keys the timeline needs), and
// finally each room's timeline. A failure handling one event is logged
// and does not affect the others.
func (m *Machine) ProcessSync(ctx context.Context, response *messaging.SyncResponse) *SyncResult {
	if len(response.DeviceLists.Changed) > 0 {
		m.devices.MarkDirty(response.DeviceLists.Changed...)
	}
	if len(response.DeviceLists.Left) > 0 {
		m.devices.StopTracking(response.DeviceLists.Left...)
	}
	if len(response.DeviceOneTimeKeysCount) > 0 {
		if err := m.account.HandleOneTimeKeyCounts(ctx, response.DeviceOneTimeKeysCount); err != nil {
			m.logger.Warn("cannot replenish one-time keys", "error", err)
		}
	}

	for roomID, room := range response.Rooms.Join {
		m.applyState(ctx, roomID, room.State.Events)
		m.applyState(ctx, roomID, room.Timeline.Events)
	}
	for roomID, room := range response.Rooms.Leave {
		m.applyState(ctx, roomID, room.State.Events)
		m.applyState(ctx, roomID, room.Timeline.Events)
	}

	for _, ev := range response.ToDevice.Events {
		m.handleToDevice(ctx, ev)
	}

	result := &SyncResult{Rooms: make(map[ref.RoomID][]TimelineResult)}
	for roomID, room := range response.Rooms.Join {
		if results := m.processTimeline(ctx, roomID, room.Timeline.Events); len(results) > 0 {
			result.Rooms[roomID] = results
		}
	}
	return result
}

// applyState handles the m.room.encryption and m.room.member state
// events of a room.
func (m *Machine) applyState(ctx context.Context, roomID ref.RoomID, events []event.Event) {
	for _, ev := range events {
		if ev.StateKey == nil {
			continue
		}
		if ev.Type != event.TypeEncryption && ev.Type != event.TypeMember {
			continue
		}
		ev.RoomID = roomID
		content, err := event.Parse(ev)
		if err != nil {
			m.logger.Warn("cannot decode state event", "room_id", roomID.String(), "type", string(ev.Type), "error", err)
			continue
		}
		switch content := content.(type) {
		case *event.Encryption:
			if err := m.outbound.HandleEncryptionState(ctx, roomID, content); err != nil {
				m.logger.Error("cannot record room encryption", "room_id", roomID.String(), "error", err)
				continue
			}
			m.trackRoom(ctx, roomID)
		case *event.Member:
			userID, err := ref.ParseUserID(*ev.StateKey)
			if err != nil {
				m.logger.Debug("ignoring member event with malformed state key", "state_key", *ev.StateKey)
				continue
			}
			if err := m.outbound.HandleMembershipChange(ctx, roomID, userID, content.Membership); err != nil {
				m.logger.Error("cannot apply membership change",
					"room_id", roomID.String(),
					"user_id", userID.String(),
					"error", err,
				)
			}
		}
	}
}

// trackRoom starts tracking the devices of every member of a room that
// just became encrypted.
func (m *Machine) trackRoom(ctx context.Context, roomID ref.RoomID) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		m.logger.Warn("cannot load room", "room_id", roomID.String(), "error", err)
		return
	}
	m.devices.Track(room.MemberIDs()...)
}

func (m *Machine) handleToDevice(ctx context.Context, ev event.Event) {
	switch {
	case ev.Type == event.TypeEncrypted:
		result := m.decryptor.DecryptToDevice(ctx, ev)
		if result.Err != nil {
			m.logger.Warn("cannot decrypt to-device event", "sender", ev.Sender.String(), "error", result.Err)
			return
		}
		m.handleDecryptedToDevice(ctx, ev, result.Event)
	case ev.Type == event.TypeRoomKeyRequest:
		content, err := event.Parse(ev)
		if err != nil {
			m.logger.Debug("malformed key request", "sender", ev.Sender.String(), "error", err)
			return
		}
		if err := m.outbound.HandleKeyRequest(ctx, ev.Sender, content.(*event.RoomKeyRequest)); err != nil {
			m.logger.Warn("cannot answer key request", "sender", ev.Sender.String(), "error", err)
		}
	case event.IsVerification(ev.Type):
		m.verification.HandleToDevice(ctx, ev)
	case ev.Type == event.TypeRoomKey || ev.Type == event.TypeForwardedRoomKey:
		m.logger.Warn("dropping unencrypted room key", "sender", ev.Sender.String(), "type", string(ev.Type))
	}
}

func (m *Machine) handleDecryptedToDevice(ctx context.Context, envelope event.Event, decrypted *DecryptedEvent) {
	var err error
	switch decrypted.Type {
	case event.TypeRoomKey:
		err = m.decryptor.HandleRoomKey(ctx, decrypted)
	case event.TypeForwardedRoomKey:
		err = m.decryptor.HandleForwardedRoomKey(ctx, decrypted)
	case event.TypeDummy:
	default:
		if event.IsVerification(decrypted.Type) {
			m.verification.HandleToDevice(ctx, event.Event{
				Type:    decrypted.Type,
				Sender:  decrypted.Sender,
				Content: decrypted.Content,
			})
			return
		}
		m.logger.Debug("ignoring decrypted to-device event", "type", string(decrypted.Type))
	}
	if err != nil {
		m.logger.Warn("cannot handle decrypted to-device event",
			"type", string(decrypted.Type),
			"sender", envelope.Sender.String(),
			"error", err,
		)
	}
}

// processTimeline decrypts a room's encrypted timeline events and
// routes in-room verification events, plain or decrypted.
func (m *Machine) processTimeline(ctx context.Context, roomID ref.RoomID, events []event.Event) []TimelineResult {
	var results []TimelineResult
	for _, ev := range events {
		ev.RoomID = roomID
		switch {
		case ev.Type == event.TypeEncrypted:
			result := m.decryptor.DecryptRoomEvent(ctx, ev)
			results = append(results, TimelineResult{EventID: ev.EventID, DecryptResult: result})
			if result.Err != nil {
				m.logger.Debug("cannot decrypt timeline event",
					"room_id", roomID.String(),
					"event_id", ev.EventID,
					"error", result.Err,
				)
				continue
			}
			if isRoomVerification(result.Event.Type) {
				m.verification.HandleRoomEvent(ctx, event.Event{
					Type:           result.Event.Type,
					Sender:         ev.Sender,
					EventID:        ev.EventID,
					RoomID:         roomID,
					OriginServerTS: ev.OriginServerTS,
					Content:        result.Event.Content,
				})
			}
		case isRoomVerification(ev.Type):
			m.verification.HandleRoomEvent(ctx, ev)
		}
	}
	return results
}

// isRoomVerification reports whether an in-room event type may carry
// verification: the m.key.verification.* types and m.room.message, which
// carries requests.
func isRoomVerification(t ref.EventType) bool {
	return t == event.TypeMessage || event.IsVerification(t)
}

// IdentityKeys returns this device's public identity keys.
func (m *Machine) IdentityKeys() IdentityKeys { return m.account.IdentityKeys() }

// IsRoomEncrypted reports whether roomID has encryption enabled.
func (m *Machine) IsRoomEncrypted(ctx context.Context, roomID ref.RoomID) (bool, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return room.Encrypted, nil
}

// DeviceInfo returns the stored directory entry of a device.
func (m *Machine) DeviceInfo(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID) (*store.DeviceKeys, error) {
	return m.store.GetDevice(ctx, userID, deviceID)
}

// Devices returns a user's directory; see DeviceListTracker.Devices.
func (m *Machine) Devices(ctx context.Context, userID ref.UserID) (DeviceList, error) {
	return m.devices.Devices(ctx, userID)
}

// SetDeviceBlocked blocks or unblocks a device. Blocking flags every
// encrypted room shared with the device's user for rotation so the
// device receives no further keys.
func (m *Machine) SetDeviceBlocked(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID, blocked bool) error {
	device, err := m.store.SetBlocked(ctx, userID, deviceID, blocked)
	if err != nil {
		return err
	}
	if !blocked {
		return nil
	}
	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if !room.Encrypted || !room.Members[userID.String()] {
			continue
		}
		if err := m.outbound.MarkRotationPending(ctx, room.RoomID, "device blocked"); err != nil {
			return err
		}
	}
	m.logger.Info("device blocked", "device", device.Ref().Key())
	return nil
}

// EncryptRoomEvent encrypts content for roomID; see
// OutboundManager.Encrypt.
func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (*event.Encrypted, error) {
	return m.outbound.Encrypt(ctx, roomID, eventType, content)
}

// Decrypt decrypts one m.room.encrypted room event, for callers
// retrying an event that failed with UnknownSession.
func (m *Machine) Decrypt(ctx context.Context, ev event.Event) DecryptResult {
	return m.decryptor.DecryptRoomEvent(ctx, ev)
}

// VerifyDevice asks a device to verify. Use Verification to answer,
// confirm, or cancel the returned transaction.
func (m *Machine) VerifyDevice(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID) (*verification.Transaction, error) {
	return m.verification.RequestVerification(ctx, userID, deviceID)
}

// Verification returns the verification manager.
func (m *Machine) Verification() *verification.Manager { return m.verification }

// Backup returns the backup manager, or nil when backup is disabled.
func (m *Machine) Backup() *backup.Manager { return m.backup }

// BackupState reports the backup state of roomID's sessions.
func (m *Machine) BackupState(ctx context.Context, roomID ref.RoomID) (store.BackupStatus, error) {
	if m.backup == nil {
		return store.BackupNotBackedUp, nil
	}
	return m.backup.State(ctx, roomID)
}
