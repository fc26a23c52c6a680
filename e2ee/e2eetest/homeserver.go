// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2eetest provides an in-memory homeserver for tests that run
// several devices against each other. It implements the key, to-device,
// room event, backup, and sync endpoints the engine uses; everything
// is delivered only when a device syncs, so tests control ordering.
package e2eetest

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/messaging"
)

// Operation names accepted by FailNext.
const (
	OpUploadKeys   = "upload_keys"
	OpQueryKeys    = "query_keys"
	OpClaimKeys    = "claim_keys"
	OpSendToDevice = "send_to_device"
	OpSendEvent    = "send_event"
	OpPutRoomKeys  = "put_room_keys"
	OpGetRoomKeys  = "get_room_keys"
	OpSync         = "sync"
)

// Homeserver is the shared server state. Devices talk to it through
// the Client returned by Client.
type Homeserver struct {
	clock clock.Clock

	mu sync.Mutex

	// devices holds uploaded device keys by user, then device ID.
	devices map[ref.UserID]map[string]messaging.DeviceKeys

	// oneTimeKeys holds unclaimed keys by device, then key ID.
	oneTimeKeys map[string]map[string]messaging.OneTimeKey

	// inbox holds undelivered to-device events by device.
	inbox map[string][]event.Event

	rooms       map[ref.RoomID]*room
	eventCount  int
	syncCount   int
	failures    map[string]int
	deviceLists map[string]map[ref.UserID]bool

	backup *backupState
}

type room struct {
	members  map[ref.UserID]bool
	timeline []event.Event
}

type backupState struct {
	count    int
	current  string
	versions map[string]*messaging.RoomKeysVersion
	keys     map[string]messaging.RoomKeys
}

// New returns an empty homeserver. Events are stamped with clk.
func New(clk clock.Clock) *Homeserver {
	if clk == nil {
		clk = clock.Real()
	}
	return &Homeserver{
		clock:       clk,
		devices:     make(map[ref.UserID]map[string]messaging.DeviceKeys),
		oneTimeKeys: make(map[string]map[string]messaging.OneTimeKey),
		inbox:       make(map[string][]event.Event),
		rooms:       make(map[ref.RoomID]*room),
		failures:    make(map[string]int),
		deviceLists: make(map[string]map[ref.UserID]bool),
		backup: &backupState{
			versions: make(map[string]*messaging.RoomKeysVersion),
			keys:     make(map[string]messaging.RoomKeys),
		},
	}
}

func deviceKey(userID ref.UserID, deviceID ref.DeviceID) string {
	return userID.String() + "|" + deviceID.String()
}

// Client returns the view of the server for one logged-in device.
func (h *Homeserver) Client(userID ref.UserID, deviceID ref.DeviceID) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := deviceKey(userID, deviceID)
	if _, ok := h.deviceLists[key]; !ok {
		h.deviceLists[key] = make(map[ref.UserID]bool)
	}
	return &Client{server: h, userID: userID, deviceID: deviceID, cursors: make(map[ref.RoomID]int)}
}

// FailNext makes the next n calls of operation fail with a 502, which
// the engine treats as transient.
func (h *Homeserver) FailNext(operation string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[operation] += n
}

func (h *Homeserver) injected(operation string) error {
	if h.failures[operation] == 0 {
		return nil
	}
	h.failures[operation]--
	return &messaging.MatrixError{Code: messaging.ErrCodeUnknown, Message: "injected failure: " + operation, StatusCode: 502}
}

// CreateRoom creates an encrypted room with members joined.
func (h *Homeserver) CreateRoom(roomID ref.RoomID, creator ref.UserID, members ...ref.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := &room{members: make(map[ref.UserID]bool)}
	h.rooms[roomID] = r
	h.appendState(roomID, r, creator, event.TypeEncryption, "", map[string]any{"algorithm": event.AlgorithmMegolm})
	for _, member := range append([]ref.UserID{creator}, members...) {
		r.members[member] = true
		h.appendState(roomID, r, member, event.TypeMember, member.String(), map[string]any{"membership": event.MembershipJoin})
	}
}

// SetMembership records a membership change of user in roomID.
func (h *Homeserver) SetMembership(roomID ref.RoomID, user ref.UserID, membership string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		panic(fmt.Sprintf("e2eetest: unknown room %s", roomID))
	}
	if membership == event.MembershipJoin || membership == event.MembershipInvite {
		r.members[user] = true
	}
	h.appendState(roomID, r, user, event.TypeMember, user.String(), map[string]any{"membership": membership})
	if membership != event.MembershipJoin && membership != event.MembershipInvite {
		// A departed member stays known so its devices receive the
		// room, leave event included, in the Leave section.
		r.members[user] = false
	}
}

// RemoveDevice deletes a device, as a logout does, and signals the
// change to every device.
func (h *Homeserver) RemoveDevice(userID ref.UserID, deviceID ref.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.devices[userID], deviceID.String())
	delete(h.oneTimeKeys, deviceKey(userID, deviceID))
	delete(h.inbox, deviceKey(userID, deviceID))
	delete(h.deviceLists, deviceKey(userID, deviceID))
	h.markDeviceListChanged(userID)
}

// ReplaceDeviceKeys overwrites a device's published keys, simulating a
// server that serves different keys under an existing device ID.
func (h *Homeserver) ReplaceDeviceKeys(keys messaging.DeviceKeys) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.devices[keys.UserID] == nil {
		h.devices[keys.UserID] = make(map[string]messaging.DeviceKeys)
	}
	h.devices[keys.UserID][keys.DeviceID.String()] = keys
	h.markDeviceListChanged(keys.UserID)
}

// PendingToDevice returns the number of undelivered to-device events
// for a device.
func (h *Homeserver) PendingToDevice(userID ref.UserID, deviceID ref.DeviceID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inbox[deviceKey(userID, deviceID)])
}

// OneTimeKeyCount returns how many unclaimed one-time keys a device
// has on the server.
func (h *Homeserver) OneTimeKeyCount(userID ref.UserID, deviceID ref.DeviceID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.oneTimeKeys[deviceKey(userID, deviceID)])
}

// Timeline returns a copy of a room's events.
func (h *Homeserver) Timeline(roomID ref.RoomID) []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	return slices.Clone(r.timeline)
}

// BackupSessionCount returns the number of sessions stored in a backup
// version.
func (h *Homeserver) BackupSessionCount(version string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, r := range h.backup.keys[version].Rooms {
		count += len(r.Sessions)
	}
	return count
}

// TamperBackup replaces the stored data of one backed-up session.
func (h *Homeserver) TamperBackup(version string, roomID ref.RoomID, sessionID string, change func(*messaging.KeyBackupData)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.backup.keys[version].Rooms[roomID]
	if !ok {
		return
	}
	data, ok := r.Sessions[sessionID]
	if !ok {
		return
	}
	change(&data)
	r.Sessions[sessionID] = data
}

func (h *Homeserver) markDeviceListChanged(userID ref.UserID) {
	for _, changed := range h.deviceLists {
		changed[userID] = true
	}
}

func (h *Homeserver) appendState(roomID ref.RoomID, r *room, sender ref.UserID, eventType ref.EventType, stateKey string, content any) {
	raw, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	h.eventCount++
	r.timeline = append(r.timeline, event.Event{
		Type:           eventType,
		Sender:         sender,
		EventID:        fmt.Sprintf("$event%d", h.eventCount),
		RoomID:         roomID,
		OriginServerTS: h.clock.Now().UnixMilli(),
		StateKey:       &stateKey,
		Content:        raw,
	})
}

// Client is one device's connection to the Homeserver. It implements
// e2ee.KeyServer, backup.Server, and e2ee.Syncer.
type Client struct {
	server   *Homeserver
	userID   ref.UserID
	deviceID ref.DeviceID

	// cursors is the number of timeline events of each room already
	// delivered. Guarded by server.mu.
	cursors map[ref.RoomID]int
}

func (c *Client) key() string { return deviceKey(c.userID, c.deviceID) }

// UploadKeys stores device keys and one-time keys.
func (c *Client) UploadKeys(ctx context.Context, request messaging.KeysUploadRequest) (*messaging.KeysUploadResponse, error) {
	h := c.server
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(OpUploadKeys); err != nil {
		return nil, err
	}
	if request.DeviceKeys != nil {
		if request.DeviceKeys.UserID != c.userID || request.DeviceKeys.DeviceID != c.deviceID {
			return nil, &messaging.MatrixError{Code: messaging.ErrCodeInvalidParam, Message: "device keys for another device", StatusCode: 400}
		}
		if h.devices[c.userID] == nil {
			h.devices[c.userID] = make(map[string]messaging.DeviceKeys)
		}
		h.devices[c.userID][c.deviceID.String()] = *request.DeviceKeys
		h.markDeviceListChanged(c.userID)
	}
	pool := h.oneTimeKeys[c.key()]
	if pool == nil {
		pool = make(map[string]messaging.OneTimeKey)
		h.oneTimeKeys[c.key()] = pool
	}
	maps.Copy(pool, request.OneTimeKeys)
	return &messaging.KeysUploadResponse{OneTimeKeyCounts: map[string]int{"signed_curve25519": len(pool)}}, nil
}

// QueryKeys returns the device keys of the requested users.
func (c *Client) QueryKeys(ctx context.Context, request messaging.KeysQueryRequest) (*messaging.KeysQueryResponse, error) {
	h := c.server
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(OpQueryKeys); err != nil {
		return nil, err
	}
	response := &messaging.KeysQueryResponse{DeviceKeys: make(map[ref.UserID]map[string]messaging.DeviceKeys)}
	for user, wanted := range request.DeviceKeys {
		listed := make(map[string]messaging.DeviceKeys)
		for deviceID, keys := range h.devices[user] {
			if len(wanted) == 0 || slices.Contains(wanted, deviceID) {
				listed[deviceID] = keys
			}
		}
		response.DeviceKeys[user] = listed
	}
	return response, nil
}

// ClaimKeys removes and returns one one-time key per requested device.
func (c *Client) ClaimKeys(ctx context.Context, request messaging.KeysClaimRequest) (*messaging.KeysClaimResponse, error) {
	h := c.server
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(OpClaimKeys); err != nil {
		return nil, err
	}
	response := &messaging.KeysClaimResponse{OneTimeKeys: make(map[ref.UserID]map[string]map[string]messaging.OneTimeKey)}
	for user, devices := range request.OneTimeKeys {
		for rawDevice, algorithm := range devices {
			deviceID, err := ref.ParseDeviceID(rawDevice)
			if err != nil {
				continue
			}
			pool := h.oneTimeKeys[deviceKey(user, deviceID)]
			ids := slices.Sorted(maps.Keys(pool))
			for _, id := range ids {
				if !strings.HasPrefix(id, algorithm+":") {
					continue
				}
				if response.OneTimeKeys[user] == nil {
					response.OneTimeKeys[user] = make(map[string]map[string]messaging.OneTimeKey)
				}
				response.OneTimeKeys[user][rawDevice] = map[string]messaging.OneTimeKey{id: pool[id]}
				delete(pool, id)
				break
			}
		}
	}
	return response, nil
}

// SendToDevice queues events for the addressed devices. The device key
// "*" addresses every device of the user.
func (c *Client) SendToDevice(ctx context.Context, eventType ref.EventType, messages map[ref.UserID]map[string]any) error {
	h := c.server
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(OpSendToDevice); err != nil {
		return err
	}
	for user, devices := range messages {
		for rawDevice, content := range devices {
			raw, err := json.Marshal(content)
			if err != nil {
				return err
			}
			ev := event.Event{Type: eventType, Sender: c.userID, Content: raw}
			if rawDevice == "*" {
				for target := range h.devices[user] {
					deviceID, err := ref.ParseDeviceID(target)
					if err != nil {
						continue
					}
					h.inbox[deviceKey(user, deviceID)] = append(h.inbox[deviceKey(user, deviceID)], ev)
				}
				continue
			}
			deviceID, err := ref.ParseDeviceID(rawDevice)
			if err != nil {
				continue
			}
			if _, ok := h.devices[user][rawDevice]; !ok {
				continue
			}
			h.inbox[deviceKey(user, deviceID)] = append(h.inbox[deviceKey(user, deviceID)], ev)
		}
	}
	return nil
}

// SendEvent appends an event to a room's timeline and returns its ID.
func (c *Client) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (string, error) {
	h := c.server
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(OpSendEvent); err != nil {
		return "", err
	}
	r, ok := h.rooms[roomID]
	if !ok || !r.members[c.userID] {
		return "", &messaging.MatrixError{Code: messaging.ErrCodeForbidden, Message: "not in room", StatusCode: 403}
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	h.eventCount++
	eventID := fmt.Sprintf("$event%d", h.eventCount)
	r.timeline = append(r.timeline, event.Event{
		Type:           eventType,
		Sender:         c.userID,
		EventID:        eventID,
		RoomID:         roomID,
		OriginServerTS: h.clock.Now().UnixMilli(),
		Content:        raw,
	})
	return eventID, nil
}

// Sync returns everything queued for this device since its previous
// sync. The since token and timeout are ignored; a sync never blocks.
func (c *Client) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	h := c.server
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(OpSync); err != nil {
		return nil, err
	}
	h.syncCount++
	response := &messaging.SyncResponse{
		NextBatch: fmt.Sprintf("s%d", h.syncCount),
		Rooms: messaging.RoomsSection{
			Join:  make(map[ref.RoomID]messaging.JoinedRoom),
			Leave: make(map[ref.RoomID]messaging.LeftRoom),
		},
		DeviceOneTimeKeysCount: map[string]int{"signed_curve25519": len(h.oneTimeKeys[c.key()])},
	}

	response.ToDevice.Events = h.inbox[c.key()]
	delete(h.inbox, c.key())

	for user := range h.deviceLists[c.key()] {
		response.DeviceLists.Changed = append(response.DeviceLists.Changed, user)
	}
	clear(h.deviceLists[c.key()])

	for roomID, r := range h.rooms {
		joined, known := r.members[c.userID]
		if !known {
			continue
		}
		cursor := c.cursors[roomID]
		if cursor >= len(r.timeline) {
			continue
		}
		events := slices.Clone(r.timeline[cursor:])
		c.cursors[roomID] = len(r.timeline)
		if joined {
			response.Rooms.Join[roomID] = messaging.JoinedRoom{Timeline: messaging.TimelineSection{Events: events}}
		} else {
			response.Rooms.Leave[roomID] = messaging.LeftRoom{Timeline: messaging.TimelineSection{Events: events}}
		}
	}
	return response, nil
}

// CreateRoomKeysVersion starts a new backup version, which becomes
// current.
func (c *Client) CreateRoomKeysVersion(ctx context.Context, request messaging.RoomKeysVersionRequest) (string, error) {
	h := c.server
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backup.count++
	version := fmt.Sprintf("%d", h.backup.count)
	h.backup.versions[version] = &messaging.RoomKeysVersion{
		Algorithm: request.Algorithm,
		AuthData:  request.AuthData,
		Version:   version,
	}
	h.backup.keys[version] = messaging.RoomKeys{Rooms: make(map[ref.RoomID]messaging.RoomKeyBackup)}
	h.backup.current = version
	return version, nil
}

// GetRoomKeysVersion returns the current backup version.
func (c *Client) GetRoomKeysVersion(ctx context.Context) (*messaging.RoomKeysVersion, error) {
	h := c.server
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.backup.versions[h.backup.current]
	if !ok {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, Message: "no current backup version", StatusCode: 404}
	}
	copied := *current
	for _, r := range h.backup.keys[current.Version].Rooms {
		copied.Count += len(r.Sessions)
	}
	return &copied, nil
}

// PutRoomKeys stores sessions in version, which must be current.
func (c *Client) PutRoomKeys(ctx context.Context, version string, keys messaging.RoomKeys) (*messaging.RoomKeysUpdateResponse, error) {
	h := c.server
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(OpPutRoomKeys); err != nil {
		return nil, err
	}
	if version != h.backup.current {
		return nil, &messaging.MatrixError{
			Code:           messaging.ErrCodeWrongRoomKeysVersion,
			Message:        "wrong backup version",
			CurrentVersion: h.backup.current,
			StatusCode:     403,
		}
	}
	stored := h.backup.keys[version]
	for roomID, r := range keys.Rooms {
		target, ok := stored.Rooms[roomID]
		if !ok {
			target = messaging.RoomKeyBackup{Sessions: make(map[string]messaging.KeyBackupData)}
			stored.Rooms[roomID] = target
		}
		maps.Copy(target.Sessions, r.Sessions)
	}
	count := 0
	for _, r := range stored.Rooms {
		count += len(r.Sessions)
	}
	return &messaging.RoomKeysUpdateResponse{Count: count}, nil
}

// GetRoomKeys returns every session stored in version.
func (c *Client) GetRoomKeys(ctx context.Context, version string) (*messaging.RoomKeys, error) {
	h := c.server
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(OpGetRoomKeys); err != nil {
		return nil, err
	}
	stored, ok := h.backup.keys[version]
	if !ok {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, Message: "unknown backup version", StatusCode: 404}
	}
	copied := messaging.RoomKeys{Rooms: make(map[ref.RoomID]messaging.RoomKeyBackup, len(stored.Rooms))}
	for roomID, r := range stored.Rooms {
		copied.Rooms[roomID] = messaging.RoomKeyBackup{Sessions: maps.Clone(r.Sessions)}
	}
	return &copied, nil
}
