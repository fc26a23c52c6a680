// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

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
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
	"github.com/bureau-foundation/matrixcrypto/olm"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// Policy governs group session rotation and key sharing.
type Policy struct {
	// RotationPeriod and RotationMessages apply to rooms whose
	// encryption state does not set its own limits.
	RotationPeriod   time.Duration
	RotationMessages int

	// OnlyVerifiedDevices withholds room keys from unverified devices.
	OnlyVerifiedDevices bool

	// ShareWithUnverified answers key requests from other users'
	// unverified devices. Blocked devices are never answered.
	ShareWithUnverified bool
}

// megolmPayload is the plaintext of a group message.
type megolmPayload struct {
	Type    ref.EventType   `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  ref.RoomID      `json:"room_id"`
}

// distributionAttempts bounds background retries of one device's key
// share. A device still missing the key afterwards can request it.
const distributionAttempts = 8

// OutboundConfig configures an OutboundManager.
type OutboundConfig struct {
	Account   *AccountManager
	Store     *store.Store
	Devices   *DeviceListTracker
	Channel   *PairwiseChannel
	PickleKey *secret.Buffer
	Policy    Policy

	// OnNewSession is called with the inbound half of every group
	// session this device creates.
	OnNewSession func(ctx context.Context, session *store.InboundGroupSession)

	Clock  clock.Clock
	Logger *slog.Logger
}

// OutboundManager encrypts room events and distributes group session
// keys.
type OutboundManager struct {
	account      *AccountManager
	store        *store.Store
	devices      *DeviceListTracker
	channel      *PairwiseChannel
	pickleKey    *secret.Buffer
	policy       Policy
	onNewSession func(context.Context, *store.InboundGroupSession)
	clock        clock.Clock
	logger       *slog.Logger

	// rooms serializes session mutation per room.
	rooms *keyedMutex

	retryMu sync.Mutex
	retries map[string]*pendingShare
	wake    chan struct{}
}

// roomKeyShare is a group session key as exported at one ratchet
// index. A device given it can read every message from that index on.
type roomKeyShare struct {
	key   string
	index uint32
}

// pendingShare is a device still owed a session key. The key is the one
// exported when the first share failed, so a retry covers every message
// sent since.
type pendingShare struct {
	roomID    ref.RoomID
	sessionID string
	device    *store.DeviceKeys
	share     roomKeyShare
	attempts  int
	next      time.Time
}

func (p *pendingShare) key() string {
	return p.roomID.String() + "|" + p.sessionID + "|" + p.device.Ref().Key()
}

// NewOutboundManager returns a manager with an empty retry queue.
func NewOutboundManager(config OutboundConfig) *OutboundManager {
	if config.Policy.RotationPeriod <= 0 {
		config.Policy.RotationPeriod = 7 * 24 * time.Hour
	}
	if config.Policy.RotationMessages <= 0 {
		config.Policy.RotationMessages = 100
	}
	if config.OnNewSession == nil {
		config.OnNewSession = func(context.Context, *store.InboundGroupSession) {}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &OutboundManager{
		account:      config.Account,
		store:        config.Store,
		devices:      config.Devices,
		channel:      config.Channel,
		pickleKey:    config.PickleKey,
		policy:       config.Policy,
		onNewSession: config.OnNewSession,
		clock:        config.Clock,
		logger:       config.Logger,
		rooms:        newKeyedMutex(),
		retries:      make(map[string]*pendingShare),
		wake:         make(chan struct{}, 1),
	}
}

// Encrypt encrypts content as eventType for roomID. It makes one
// synchronous attempt to share the session key with every authorized
// device that lacks it, queues the devices that failed for background
// retry, and encrypts regardless. A failing share never delays the
// message.
func (m *OutboundManager) Encrypt(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (*event.Encrypted, error) {
	plaintext, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encoding %s: %w", eventType, err)
	}

	for range commitAttempts {
		room, err := m.store.GetRoom(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("e2ee: loading room %s: %w", roomID, err)
		}
		if !room.Encrypted {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotEncrypted, roomID)
		}

		session, share, err := m.prepareSession(ctx, room)
		if err != nil {
			return nil, err
		}

		targets, err := m.authorizedDevices(ctx, room)
		if err != nil {
			return nil, err
		}
		var unshared []*store.DeviceKeys
		for _, device := range targets {
			if !session.SharedWithDevice(device.Ref()) {
				unshared = append(unshared, device)
			}
		}
		delivered := m.distribute(ctx, roomID, session.SessionID, share.key, unshared)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, device := range unshared {
			if !delivered[device.Ref().Key()] {
				m.queueRetry(&pendingShare{roomID: roomID, sessionID: session.SessionID, device: device, share: share})
			}
		}

		encrypted, err := m.encryptAndCommit(ctx, roomID, session.SessionID, delivered, megolmPayload{
			Type:    eventType,
			Content: plaintext,
			RoomID:  roomID,
		})
		if errors.Is(err, errSessionChanged) || errors.Is(err, store.ErrConflict) {
			m.logger.Debug("outbound session changed during encrypt, retrying", "room_id", roomID.String())
			continue
		}
		return encrypted, err
	}
	return nil, fmt.Errorf("e2ee: encrypting for %s: %w", roomID, store.ErrConflict)
}

// errSessionChanged signals that the session rotated or was flagged for
// rotation between preparing and committing.
var errSessionChanged = errors.New("e2ee: outbound session changed")

// prepareSession returns the room's current outbound session, rotating
// first if policy requires, together with its key at the index the next
// message will use.
func (m *OutboundManager) prepareSession(ctx context.Context, room *store.Room) (*store.OutboundGroupSession, roomKeyShare, error) {
	unlock := m.rooms.Lock(room.RoomID.String())
	defer unlock()

	current, err := m.store.GetOutboundGroupSession(ctx, room.RoomID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, roomKeyShare{}, fmt.Errorf("e2ee: loading outbound session for %s: %w", room.RoomID, err)
	}
	if errors.Is(err, store.ErrNotFound) {
		current = nil
	}

	if reason := m.rotationReason(room, current); reason != "" {
		if current, err = m.rotate(ctx, room.RoomID, current, reason); err != nil {
			return nil, roomKeyShare{}, err
		}
	}

	group, err := olm.UnpickleOutboundGroupSession(m.pickleKey.Bytes(), current.Pickle)
	if err != nil {
		return nil, roomKeyShare{}, fmt.Errorf("e2ee: opening outbound session %s: %w", current.SessionID, err)
	}
	sessionKey, err := group.SessionKey()
	if err != nil {
		return nil, roomKeyShare{}, err
	}
	return current, roomKeyShare{key: sessionKey, index: group.MessageIndex()}, nil
}

// rotationReason returns why session must be replaced, or "" if it can
// keep encrypting.
func (m *OutboundManager) rotationReason(room *store.Room, session *store.OutboundGroupSession) string {
	if session == nil {
		return "no session"
	}
	if session.RotationPending {
		return "membership or device change"
	}
	messages := room.RotationMessages
	if messages <= 0 {
		messages = m.policy.RotationMessages
	}
	if session.MessageCount >= messages {
		return "message limit"
	}
	period := room.RotationPeriod
	if period <= 0 {
		period = m.policy.RotationPeriod
	}
	if m.clock.Now().Sub(session.CreatedAt) >= period {
		return "age limit"
	}
	return ""
}

// rotate creates a new group session for roomID replacing previous, and
// stores its inbound half so this device can read its own messages.
func (m *OutboundManager) rotate(ctx context.Context, roomID ref.RoomID, previous *store.OutboundGroupSession, reason string) (*store.OutboundGroupSession, error) {
	group, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, err
	}
	sessionKey, err := group.SessionKey()
	if err != nil {
		return nil, err
	}
	inbound, err := olm.NewInboundGroupSession(sessionKey)
	if err != nil {
		return nil, err
	}
	outboundPickle, err := group.Pickle(m.pickleKey.Bytes())
	if err != nil {
		return nil, err
	}
	inboundPickle, err := inbound.Pickle(m.pickleKey.Bytes())
	if err != nil {
		return nil, err
	}

	identity := m.account.IdentityKeys()
	now := m.clock.Now()
	outboundRecord := &store.OutboundGroupSession{
		RoomID:     roomID,
		SessionID:  group.ID(),
		CreatedAt:  now,
		SharedWith: map[string]bool{},
		Pickle:     outboundPickle,
	}
	if previous != nil {
		outboundRecord.Version = previous.Version
	}
	inboundRecord := &store.InboundGroupSession{
		RoomID:          roomID,
		SessionID:       inbound.ID(),
		SenderKey:       identity.Curve25519,
		ClaimedKeys:     map[string]string{"ed25519": identity.Ed25519},
		FirstKnownIndex: inbound.FirstKnownIndex(),
		ForwardingChain: []store.ForwardingStep{store.ForwardingDirect},
		Pickle:          inboundPickle,
	}
	if err := m.store.CommitOutboundSession(ctx, outboundRecord, inboundRecord); err != nil {
		return nil, fmt.Errorf("e2ee: storing new outbound session for %s: %w", roomID, err)
	}

	m.logger.Info("rotated outbound group session",
		"room_id", roomID.String(),
		"session_id", outboundRecord.SessionID,
		"reason", reason,
	)
	m.onNewSession(ctx, inboundRecord)
	return outboundRecord, nil
}

// authorizedDevices returns the devices of the room's members that may
// receive its keys: not blocked, verified when policy requires, and not
// this device.
func (m *OutboundManager) authorizedDevices(ctx context.Context, room *store.Room) ([]*store.DeviceKeys, error) {
	var devices []*store.DeviceKeys
	for _, member := range room.MemberIDs() {
		list, err := m.devices.Devices(ctx, member)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The member's devices will request the key once they see
			// a message they cannot read.
			m.logger.Warn("device list unavailable, not sharing with member",
				"room_id", room.RoomID.String(),
				"user_id", member.String(),
				"error", err,
			)
			continue
		}
		for _, device := range list.Devices {
			if m.authorized(device) {
				devices = append(devices, device)
			}
		}
	}
	return devices, nil
}

func (m *OutboundManager) authorized(device *store.DeviceKeys) bool {
	if device.UserID == m.account.userID && device.DeviceID == m.account.deviceID {
		return false
	}
	if device.Blocked {
		return false
	}
	if m.policy.OnlyVerifiedDevices && !device.Trust.Verified() {
		return false
	}
	return device.Curve25519() != ""
}

// distribute makes one attempt to send the session key to devices and
// returns the set of devices it reached.
func (m *OutboundManager) distribute(ctx context.Context, roomID ref.RoomID, sessionID, sessionKey string, devices []*store.DeviceKeys) map[string]bool {
	delivered := make(map[string]bool)
	if len(devices) == 0 {
		return delivered
	}
	content := event.RoomKey{
		Algorithm:  event.AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  sessionID,
		SessionKey: sessionKey,
	}
	sent, err := m.channel.sendOnce(ctx, devices, event.TypeRoomKey, content)
	if err != nil {
		m.logger.Warn("room key distribution failed",
			"room_id", roomID.String(),
			"session_id", sessionID,
			"devices", len(devices),
			"error", err,
		)
	}
	for _, device := range sent {
		delivered[device.Ref().Key()] = true
	}
	return delivered
}

// encryptAndCommit records delivered in SharedWith, encrypts payload,
// and commits the advanced session. It returns errSessionChanged if the
// session was replaced or flagged for rotation since it was prepared.
func (m *OutboundManager) encryptAndCommit(ctx context.Context, roomID ref.RoomID, sessionID string, delivered map[string]bool, payload megolmPayload) (*event.Encrypted, error) {
	unlock := m.rooms.Lock(roomID.String())
	defer unlock()

	current, err := m.store.GetOutboundGroupSession(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errSessionChanged
	}
	if err != nil {
		return nil, fmt.Errorf("e2ee: loading outbound session for %s: %w", roomID, err)
	}
	if current.SessionID != sessionID || current.RotationPending {
		return nil, errSessionChanged
	}

	group, err := olm.UnpickleOutboundGroupSession(m.pickleKey.Bytes(), current.Pickle)
	if err != nil {
		return nil, fmt.Errorf("e2ee: opening outbound session %s: %w", sessionID, err)
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ciphertext, err := group.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("e2ee: encrypting for %s: %w", roomID, err)
	}

	if current.SharedWith == nil {
		current.SharedWith = make(map[string]bool)
	}
	for key := range delivered {
		current.SharedWith[key] = true
	}
	current.MessageCount++
	if current.Pickle, err = group.Pickle(m.pickleKey.Bytes()); err != nil {
		return nil, err
	}
	if err := m.store.PutOutboundGroupSession(ctx, current); err != nil {
		return nil, err
	}

	identity := m.account.IdentityKeys()
	return &event.Encrypted{
		Algorithm:       event.AlgorithmMegolm,
		SenderKey:       identity.Curve25519,
		DeviceID:        m.account.deviceID.String(),
		SessionID:       sessionID,
		GroupCiphertext: ciphertext,
	}, nil
}

// MarkRotationPending forces the next encrypt in roomID onto a new
// session.
func (m *OutboundManager) MarkRotationPending(ctx context.Context, roomID ref.RoomID, reason string) error {
	unlock := m.rooms.Lock(roomID.String())
	defer unlock()

	for range commitAttempts {
		current, err := m.store.GetOutboundGroupSession(ctx, roomID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.RotationPending {
			return nil
		}
		current.RotationPending = true
		err = m.store.PutOutboundGroupSession(ctx, current)
		if err == nil {
			m.logger.Info("outbound session rotation pending",
				"room_id", roomID.String(),
				"session_id", current.SessionID,
				"reason", reason,
			)
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return store.ErrConflict
}

// HandleDeviceChange flags every room shared with the changed device's
// user for rotation, so the next message goes out under a session the
// current device set was given.
func (m *OutboundManager) HandleDeviceChange(ctx context.Context, change DeviceChange) {
	if change.Initial {
		// No session was shared from a directory that was never
		// fetched; the next encrypt shares with these devices.
		return
	}
	user := change.Device.UserID
	rooms, err := m.store.ListRooms(ctx)
	if err != nil {
		m.logger.Error("listing rooms after device change", "error", err)
		return
	}
	for _, room := range rooms {
		if !room.Encrypted || !room.Members[user.String()] {
			continue
		}
		if err := m.MarkRotationPending(ctx, room.RoomID, "device "+change.Kind.String()); err != nil {
			m.logger.Error("flagging rotation after device change",
				"room_id", room.RoomID.String(),
				"error", err,
			)
		}
	}
	if change.Kind == DeviceRemoved {
		m.dropDeviceRetries(change.Device.Ref())
	}
}

// HandleMembershipChange applies a membership event for userID to the
// room and flags the room for rotation when the member set changed.
func (m *OutboundManager) HandleMembershipChange(ctx context.Context, roomID ref.RoomID, userID ref.UserID, membership string) error {
	member := membership == event.MembershipJoin || membership == event.MembershipInvite
	changed := false
	err := m.updateRoom(ctx, roomID, func(room *store.Room) bool {
		if room.Members[userID.String()] == member {
			return false
		}
		if member {
			room.Members[userID.String()] = true
		} else {
			delete(room.Members, userID.String())
		}
		changed = true
		return true
	})
	if err != nil {
		return fmt.Errorf("e2ee: updating members of %s: %w", roomID, err)
	}
	if !changed {
		return nil
	}
	if member {
		m.devices.Track(userID)
	}
	return m.MarkRotationPending(ctx, roomID, "member "+membership)
}

// HandleEncryptionState records a room's m.room.encryption settings.
// Encryption cannot be switched off once on.
func (m *OutboundManager) HandleEncryptionState(ctx context.Context, roomID ref.RoomID, content *event.Encryption) error {
	if content.Algorithm != event.AlgorithmMegolm {
		m.logger.Warn("ignoring unsupported room encryption algorithm",
			"room_id", roomID.String(),
			"algorithm", content.Algorithm,
		)
		return nil
	}
	return m.updateRoom(ctx, roomID, func(room *store.Room) bool {
		period := content.RotationPeriod()
		if room.Encrypted && room.Algorithm == content.Algorithm &&
			room.RotationPeriod == period && room.RotationMessages == content.RotationPeriodMsgs {
			return false
		}
		room.Encrypted = true
		room.Algorithm = content.Algorithm
		room.RotationPeriod = period
		room.RotationMessages = content.RotationPeriodMsgs
		return true
	})
}

// updateRoom applies change to a fresh snapshot of the room and commits
// it if change reports a modification.
func (m *OutboundManager) updateRoom(ctx context.Context, roomID ref.RoomID, change func(*store.Room) bool) error {
	for range commitAttempts {
		room, err := m.store.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if !change(room) {
			return nil
		}
		err = m.store.PutRoom(ctx, room)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return store.ErrConflict
}

// queueRetry schedules share's next attempt, or gives up once the
// attempts are exhausted. When the device is already owed the same
// session, the share with the lower index is kept.
func (m *OutboundManager) queueRetry(share *pendingShare) {
	share.attempts++
	m.retryMu.Lock()
	if queued, ok := m.retries[share.key()]; ok && queued != share && queued.share.index <= share.share.index {
		m.retryMu.Unlock()
		return
	}
	if share.attempts > distributionAttempts {
		delete(m.retries, share.key())
		m.retryMu.Unlock()
		m.logger.Warn("giving up sharing room key with device",
			"room_id", share.roomID.String(),
			"session_id", share.sessionID,
			"user_id", share.device.UserID.String(),
			"device_id", share.device.DeviceID.String(),
		)
		return
	}
	share.next = m.clock.Now().Add(networkBackoff.delay(share.attempts))
	m.retries[share.key()] = share
	m.retryMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *OutboundManager) dropDeviceRetries(device store.DeviceRef) {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	for key, share := range m.retries {
		if share.device.Ref() == device {
			delete(m.retries, key)
		}
	}
}

// pendingShares returns the number of devices queued for a retry.
func (m *OutboundManager) pendingShares() int {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	return len(m.retries)
}

// RunRetries retries queued key shares until ctx is cancelled.
func (m *OutboundManager) RunRetries(ctx context.Context) {
	for {
		wait := m.retryDue(ctx)

		var timer <-chan time.Time
		if wait > 0 {
			timer = m.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-timer:
		}
	}
}

// retryDue attempts every share whose backoff expired and returns the
// wait until the next one, or zero if the queue is empty.
func (m *OutboundManager) retryDue(ctx context.Context) time.Duration {
	now := m.clock.Now()
	var due []*pendingShare
	m.retryMu.Lock()
	for key, share := range m.retries {
		if !share.next.After(now) {
			due = append(due, share)
			delete(m.retries, key)
		}
	}
	m.retryMu.Unlock()

	for _, share := range due {
		if ctx.Err() != nil {
			return 0
		}
		m.retryShare(ctx, share)
	}

	now = m.clock.Now()
	var next time.Duration
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	for _, share := range m.retries {
		wait := max(share.next.Sub(now), time.Millisecond)
		if next == 0 || wait < next {
			next = wait
		}
	}
	return next
}

// retryShare re-sends the key recorded in share while the device is
// still an authorized member. The session need not be current: the
// device is owed the messages already sent under it.
func (m *OutboundManager) retryShare(ctx context.Context, share *pendingShare) {
	room, err := m.store.GetRoom(ctx, share.roomID)
	if err != nil || !room.Members[share.device.UserID.String()] {
		return
	}
	device, err := m.store.GetDevice(ctx, share.device.UserID, share.device.DeviceID)
	if err != nil || !m.authorized(device) || !device.SameKeys(share.device) {
		return
	}

	delivered := m.distribute(ctx, share.roomID, share.sessionID, share.share.key, []*store.DeviceKeys{device})
	if len(delivered) == 0 {
		if ctx.Err() == nil {
			m.queueRetry(share)
		}
		return
	}
	m.logger.Info("retried room key share",
		"room_id", share.roomID.String(),
		"session_id", share.sessionID,
		"device_id", device.DeviceID.String(),
		"attempts", share.attempts,
	)

	if err := m.recordShared(ctx, share.roomID, share.sessionID, delivered); err != nil {
		m.logger.Warn("recording retried key share", "room_id", share.roomID.String(), "error", err)
	}
}

// recordShared merges delivered into the session's SharedWith if the
// session is still current.
func (m *OutboundManager) recordShared(ctx context.Context, roomID ref.RoomID, sessionID string, delivered map[string]bool) error {
	unlock := m.rooms.Lock(roomID.String())
	defer unlock()
	for range commitAttempts {
		current, err := m.store.GetOutboundGroupSession(ctx, roomID)
		if err != nil {
			return err
		}
		if current.SessionID != sessionID {
			return nil
		}
		if current.SharedWith == nil {
			current.SharedWith = make(map[string]bool)
		}
		for key := range delivered {
			current.SharedWith[key] = true
		}
		err = m.store.PutOutboundGroupSession(ctx, current)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return store.ErrConflict
}
