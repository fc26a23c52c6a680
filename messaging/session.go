// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
)

// Session is the set of Matrix operations the encryption engine and the
// bureau-crypto binary perform. *DirectSession implements it over HTTP;
// tests substitute an in-memory homeserver.
type Session interface {
	// UserID returns the fully-qualified Matrix user ID.
	UserID() ref.UserID

	// DeviceID returns the device the session's token was issued for.
	DeviceID() ref.DeviceID

	// Sync performs an incremental sync with the homeserver.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	// SendEvent sends an event of any type to a room. Returns the event ID.
	SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (string, error)

	// SendToDevice delivers messages to specific devices.
	SendToDevice(ctx context.Context, eventType ref.EventType, messages map[ref.UserID]map[string]any) error

	// GetRoomMembers returns the members of a room.
	GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error)

	// UploadKeys publishes device keys and one-time keys.
	UploadKeys(ctx context.Context, request KeysUploadRequest) (*KeysUploadResponse, error)

	// QueryKeys fetches device directories.
	QueryKeys(ctx context.Context, request KeysQueryRequest) (*KeysQueryResponse, error)

	// ClaimKeys claims one-time keys.
	ClaimKeys(ctx context.Context, request KeysClaimRequest) (*KeysClaimResponse, error)

	// CreateRoomKeysVersion creates a key backup version.
	CreateRoomKeysVersion(ctx context.Context, request RoomKeysVersionRequest) (string, error)

	// GetRoomKeysVersion returns the current key backup version.
	GetRoomKeysVersion(ctx context.Context) (*RoomKeysVersion, error)

	// PutRoomKeys uploads backed-up sessions.
	PutRoomKeys(ctx context.Context, version string, keys RoomKeys) (*RoomKeysUpdateResponse, error)

	// GetRoomKeys downloads backed-up sessions.
	GetRoomKeys(ctx context.Context, version string) (*RoomKeys, error)
}

// Compile-time check: *DirectSession implements Session.
var _ Session = (*DirectSession)(nil)
