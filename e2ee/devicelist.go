// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// DeviceChangeKind says what happened to a device.
type DeviceChangeKind int

const (
	DeviceAdded DeviceChangeKind = iota + 1
	DeviceRemoved

	// DeviceKeyChanged means the server now lists different keys under
	// an existing device ID. The stored entry is left as it was.
	DeviceKeyChanged
)

func (k DeviceChangeKind) String() string {
	switch k {
	case DeviceAdded:
		return "added"
	case DeviceRemoved:
		return "removed"
	case DeviceKeyChanged:
		return "key-changed"
	default:
		return fmt.Sprintf("device_change(%d)", int(k))
	}
}

// DeviceChange is one difference found by a directory refresh.
type DeviceChange struct {
	Kind DeviceChangeKind

	// Device is the entry as the server now lists it. For
	// DeviceRemoved it is the entry that was stored.
	Device *store.DeviceKeys

	// Previous is the stored entry a DeviceKeyChanged conflicts with.
	Previous *store.DeviceKeys

	// Initial marks a DeviceAdded found by the fetch that first stored
	// any device of the user.
	Initial bool
}

// DeviceListener is notified of every change after it is stored.
// Listeners run on the refreshing goroutine and must not block on the
// tracker.
type DeviceListener func(ctx context.Context, change DeviceChange)

// DeviceList is a user's directory as currently stored.
type DeviceList struct {
	Devices []*store.DeviceKeys

	// Stale is set while a refresh is pending, so the list may miss
	// devices added or removed since the last fetch.
	Stale bool
}

// DeviceListConfig configures a DeviceListTracker.
type DeviceListConfig struct {
	Store  *store.Store
	Server KeyServer

	// Backoff and MaxBackoff bound the delay between failed refreshes
	// of one user.
	Backoff    time.Duration
	MaxBackoff time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type trackedUser struct {
	dirty       bool
	fetched     bool
	failures    int
	nextAttempt time.Time
}

// DeviceListTracker keeps the device directories of tracked users
// fresh.
type DeviceListTracker struct {
	store  *store.Store
	server KeyServer
	policy backoff
	clock  clock.Clock
	logger *slog.Logger

	refreshes singleflight.Group

	// wake has capacity one: a pending signal already covers any
	// change made before Run drains it.
	wake chan struct{}

	mu        sync.Mutex
	users     map[ref.UserID]*trackedUser
	listeners []DeviceListener
}

// NewDeviceListTracker returns a tracker with no tracked users.
func NewDeviceListTracker(config DeviceListConfig) *DeviceListTracker {
	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}
	if config.MaxBackoff < config.Backoff {
		config.MaxBackoff = 5 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &DeviceListTracker{
		store:  config.Store,
		server: config.Server,
		policy: backoff{initial: config.Backoff, maximum: config.MaxBackoff},
		clock:  config.Clock,
		logger: config.Logger,
		wake:   make(chan struct{}, 1),
		users:  make(map[ref.UserID]*trackedUser),
	}
}

// AddListener registers listener for every future change.
func (t *DeviceListTracker) AddListener(listener DeviceListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

// Track starts tracking users. A newly tracked user is dirty until its
// first refresh.
func (t *DeviceListTracker) Track(users ...ref.UserID) {
	added := false
	t.mu.Lock()
	for _, user := range users {
		if _, ok := t.users[user]; !ok {
			t.users[user] = &trackedUser{dirty: true}
			added = true
		}
	}
	t.mu.Unlock()
	if added {
		t.signal()
	}
}

// MarkDirty records that the directories of users changed. Users not
// tracked are ignored.
func (t *DeviceListTracker) MarkDirty(users ...ref.UserID) {
	marked := false
	t.mu.Lock()
	for _, user := range users {
		if state, ok := t.users[user]; ok {
			state.dirty = true
			state.failures = 0
			state.nextAttempt = time.Time{}
			marked = true
		}
	}
	t.mu.Unlock()
	if marked {
		t.signal()
	}
}

// StopTracking forgets users. Their stored devices are kept but no
// longer refreshed.
func (t *DeviceListTracker) StopTracking(users ...ref.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, user := range users {
		delete(t.users, user)
	}
}

func (t *DeviceListTracker) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Devices returns user's stored directory without waiting for a
// pending refresh. Only a user whose directory has never been fetched
// and has nothing stored is fetched synchronously. Devices also starts
// tracking user.
func (t *DeviceListTracker) Devices(ctx context.Context, user ref.UserID) (DeviceList, error) {
	t.Track(user)

	t.mu.Lock()
	fetched := t.users[user] != nil && t.users[user].fetched
	t.mu.Unlock()

	if !fetched {
		stored, err := t.store.ListDevices(ctx, user)
		if err != nil {
			return DeviceList{}, fmt.Errorf("e2ee: listing devices of %s: %w", user, err)
		}
		if len(stored) == 0 {
			if err := t.Refresh(ctx, user); err != nil {
				return DeviceList{}, err
			}
		}
	}

	devices, err := t.store.ListDevices(ctx, user)
	if err != nil {
		return DeviceList{}, fmt.Errorf("e2ee: listing devices of %s: %w", user, err)
	}
	t.mu.Lock()
	stale := t.users[user] == nil || t.users[user].dirty
	t.mu.Unlock()
	return DeviceList{Devices: devices, Stale: stale}, nil
}

// Refresh fetches user's directory now. Concurrent refreshes of the
// same user share one fetch.
func (t *DeviceListTracker) Refresh(ctx context.Context, user ref.UserID) error {
	_, err, _ := t.refreshes.Do(user.String(), func() (any, error) {
		return nil, t.refreshUser(ctx, user)
	})
	return err
}

func (t *DeviceListTracker) refreshUser(ctx context.Context, user ref.UserID) error {
	// Clear dirty before fetching: a change signalled while the query
	// is in flight sets it again and schedules another refresh.
	t.mu.Lock()
	if state, ok := t.users[user]; ok {
		state.dirty = false
	}
	t.mu.Unlock()

	changes, err := t.fetchAndDiff(ctx, user)
	if err != nil {
		t.recordFailure(user)
		t.logger.Warn("device list refresh failed",
			"user_id", user.String(),
			"error", err,
		)
		return err
	}

	t.mu.Lock()
	if state, ok := t.users[user]; ok {
		state.fetched = true
		state.failures = 0
		state.nextAttempt = time.Time{}
	}
	listeners := append([]DeviceListener(nil), t.listeners...)
	t.mu.Unlock()

	for _, change := range changes {
		t.logger.Info("device list changed",
			"user_id", change.Device.UserID.String(),
			"device_id", change.Device.DeviceID.String(),
			"change", change.Kind.String(),
		)
		for _, listener := range listeners {
			listener(ctx, change)
		}
	}
	return nil
}

func (t *DeviceListTracker) recordFailure(user ref.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.users[user]
	if !ok {
		return
	}
	state.dirty = true
	state.failures++
	state.nextAttempt = t.clock.Now().Add(t.policy.delay(state.failures))
}

// fetchAndDiff queries user's directory, stores new devices, deletes
// vanished ones, and returns the differences.
func (t *DeviceListTracker) fetchAndDiff(ctx context.Context, user ref.UserID) ([]DeviceChange, error) {
	response, err := t.server.QueryKeys(ctx, messaging.KeysQueryRequest{
		DeviceKeys: map[ref.UserID][]string{user: {}},
	})
	if err != nil {
		return nil, fmt.Errorf("e2ee: querying devices of %s: %w", user, err)
	}
	listed, ok := response.DeviceKeys[user]
	if !ok && len(response.Failures) > 0 {
		return nil, fmt.Errorf("e2ee: querying devices of %s: server %s unreachable", user, user.Server())
	}

	stored, err := t.store.ListDevices(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("e2ee: listing devices of %s: %w", user, err)
	}
	storedByID := make(map[string]*store.DeviceKeys, len(stored))
	for _, device := range stored {
		storedByID[device.DeviceID.String()] = device
	}

	var changes []DeviceChange
	seen := make(map[string]bool, len(listed))
	for deviceID, keys := range listed {
		candidate, err := t.validate(user, deviceID, keys)
		if err != nil {
			t.logger.Warn("skipping invalid device",
				"user_id", user.String(),
				"device_id", deviceID,
				"error", err,
			)
			continue
		}
		seen[deviceID] = true

		existing, ok := storedByID[deviceID]
		if !ok {
			if err := t.store.PutDevice(ctx, candidate); err != nil && !errors.Is(err, store.ErrConflict) {
				return changes, fmt.Errorf("e2ee: storing device %s: %w", candidate.Ref(), err)
			}
			changes = append(changes, DeviceChange{Kind: DeviceAdded, Device: candidate, Initial: len(stored) == 0})
			continue
		}
		if !existing.SameKeys(candidate) {
			t.logger.Warn("device keys changed under an existing device ID",
				"user_id", user.String(),
				"device_id", deviceID,
			)
			changes = append(changes, DeviceChange{Kind: DeviceKeyChanged, Device: candidate, Previous: existing})
		}
	}

	for deviceID, existing := range storedByID {
		if seen[deviceID] {
			continue
		}
		if err := t.store.DeleteDevice(ctx, existing); err != nil && !errors.Is(err, store.ErrConflict) {
			return changes, fmt.Errorf("e2ee: deleting device %s: %w", existing.Ref(), err)
		}
		changes = append(changes, DeviceChange{Kind: DeviceRemoved, Device: existing})
	}
	return changes, nil
}

// validate checks a listed device's identity and self-signature and
// converts it to a store entry.
func (t *DeviceListTracker) validate(user ref.UserID, deviceID string, keys messaging.DeviceKeys) (*store.DeviceKeys, error) {
	if keys.UserID != user || keys.DeviceID.String() != deviceID {
		return nil, fmt.Errorf("entry names %s/%s", keys.UserID, keys.DeviceID)
	}
	signingKey := keys.Keys["ed25519:"+deviceID]
	if signingKey == "" || keys.Keys["curve25519:"+deviceID] == "" {
		return nil, errors.New("entry lacks identity keys")
	}
	if err := verifySignature(keys, keys.Signatures, user, keys.DeviceID, signingKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	device := &store.DeviceKeys{
		UserID:     keys.UserID,
		DeviceID:   keys.DeviceID,
		Algorithms: keys.Algorithms,
		Keys:       keys.Keys,
		Signatures: keys.Signatures,
		FirstSeen:  t.clock.Now(),
	}
	if keys.Unsigned != nil {
		device.DisplayName = keys.Unsigned.DeviceDisplayName
	}
	return device, nil
}

// Run refreshes dirty users until ctx is cancelled, waking on Track and
// MarkDirty and when a failed refresh's backoff expires.
func (t *DeviceListTracker) Run(ctx context.Context) {
	for {
		wait := t.refreshDue(ctx)
		if wait < 0 {
			continue
		}

		var retry <-chan time.Time
		if wait > 0 {
			retry = t.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		case <-retry:
		}
	}
}

// refreshDue refreshes every dirty user whose backoff has expired and
// returns how long until the next one becomes due: zero if none is
// waiting, negative if one is due already.
func (t *DeviceListTracker) refreshDue(ctx context.Context) time.Duration {
	now := t.clock.Now()
	var due []ref.UserID
	t.mu.Lock()
	for user, state := range t.users {
		if state.dirty && !state.nextAttempt.After(now) {
			due = append(due, user)
		}
	}
	t.mu.Unlock()

	for _, user := range due {
		if ctx.Err() != nil {
			return 0
		}
		_ = t.Refresh(ctx, user)
	}

	now = t.clock.Now()
	var next time.Duration
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, state := range t.users {
		if !state.dirty {
			continue
		}
		wait := state.nextAttempt.Sub(now)
		if wait <= 0 {
			// Dirtied again during this pass.
			return -1
		}
		if next == 0 || wait < next {
			next = wait
		}
	}
	return next
}
