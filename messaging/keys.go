// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
)

// Signatures maps user ID to key ID ("ed25519:DEVICE") to an unpadded
// base64 signature.
type Signatures map[string]map[string]string

// DeviceKeys is a device's signed identity, as uploaded to and returned
// by the key endpoints. The signature covers the canonical JSON of the
// object without its signatures and unsigned members.
type DeviceKeys struct {
	UserID     ref.UserID        `json:"user_id"`
	DeviceID   ref.DeviceID      `json:"device_id"`
	Algorithms []string          `json:"algorithms"`
	Keys       map[string]string `json:"keys"`
	Signatures Signatures        `json:"signatures,omitempty"`
	Unsigned   *DeviceUnsigned   `json:"unsigned,omitempty"`
}

// DeviceUnsigned is server-added data that no signature covers.
type DeviceUnsigned struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

// OneTimeKey is a signed curve25519 one-time key. The signature covers
// the canonical JSON of {"key": Key}.
type OneTimeKey struct {
	Key        string     `json:"key"`
	Signatures Signatures `json:"signatures,omitempty"`
}

// KeysUploadRequest is the body of POST /keys/upload. OneTimeKeys is
// keyed by "signed_curve25519:KEYID".
type KeysUploadRequest struct {
	DeviceKeys  *DeviceKeys           `json:"device_keys,omitempty"`
	OneTimeKeys map[string]OneTimeKey `json:"one_time_keys,omitempty"`
}

// KeysUploadResponse reports how many one-time keys of each algorithm
// the server holds for this device after the upload.
type KeysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// KeysQueryRequest is the body of POST /keys/query. An empty device
// list requests every device of the user.
type KeysQueryRequest struct {
	DeviceKeys map[ref.UserID][]string `json:"device_keys"`
	Timeout    int                     `json:"timeout,omitempty"`
}

// KeysQueryResponse is returned by POST /keys/query.
type KeysQueryResponse struct {
	DeviceKeys map[ref.UserID]map[string]DeviceKeys `json:"device_keys"`
	Failures   map[string]json.RawMessage           `json:"failures,omitempty"`
}

// KeysClaimRequest is the body of POST /keys/claim. The innermost value
// is the key algorithm to claim.
type KeysClaimRequest struct {
	OneTimeKeys map[ref.UserID]map[string]string `json:"one_time_keys"`
	Timeout     int                              `json:"timeout,omitempty"`
}

// KeysClaimResponse is returned by POST /keys/claim: user, device, then
// "signed_curve25519:KEYID".
type KeysClaimResponse struct {
	OneTimeKeys map[ref.UserID]map[string]map[string]OneTimeKey `json:"one_time_keys"`
	Failures    map[string]json.RawMessage                      `json:"failures,omitempty"`
}

// ToDeviceRequest is the body of PUT /sendToDevice. The device key "*"
// addresses every device of the user.
type ToDeviceRequest struct {
	Messages map[ref.UserID]map[string]any `json:"messages"`
}

// RoomKeysVersionRequest creates a key backup version.
type RoomKeysVersionRequest struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
}

// RoomKeysVersion describes the server's current key backup.
type RoomKeysVersion struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
	Version   string          `json:"version"`
}

// RoomKeysVersionResponse is returned when a backup version is created.
type RoomKeysVersionResponse struct {
	Version string `json:"version"`
}

// RoomKeys is the body of PUT and GET /room_keys/keys.
type RoomKeys struct {
	Rooms map[ref.RoomID]RoomKeyBackup `json:"rooms"`
}

// RoomKeyBackup holds one room's backed-up sessions by session ID.
type RoomKeyBackup struct {
	Sessions map[string]KeyBackupData `json:"sessions"`
}

// KeyBackupData is one backed-up session. SessionData is opaque to the
// server.
type KeyBackupData struct {
	FirstMessageIndex uint32          `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// RoomKeysUpdateResponse is returned by PUT /room_keys/keys.
type RoomKeysUpdateResponse struct {
	Count int    `json:"count"`
	ETag  string `json:"etag"`
}
