// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"sort"
	"time"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
)

// Revision carries the version a record was read at. It is never
// persisted inside the record; the backend tracks it alongside.
type Revision struct {
	Version uint64 `cbor:"-"`
}

func (r *Revision) revision() *Revision { return r }

// TrustLevel is how far a device's identity has been confirmed. Levels
// only ever increase.
type TrustLevel int

const (
	TrustUnset TrustLevel = iota
	TrustLocallyVerified
	TrustCrossSigningVerified
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUnset:
		return "unset"
	case TrustLocallyVerified:
		return "locally-verified"
	case TrustCrossSigningVerified:
		return "cross-signing-verified"
	default:
		return "unknown"
	}
}

// Verified reports whether the device has been confirmed by any means.
func (t TrustLevel) Verified() bool { return t >= TrustLocallyVerified }

// DeviceRef names one device of one user.
type DeviceRef struct {
	UserID   ref.UserID   `cbor:"user_id"`
	DeviceID ref.DeviceID `cbor:"device_id"`
}

// Key is the canonical "user|device" form used for set membership and
// verification tie-breaks.
func (d DeviceRef) Key() string { return d.UserID.String() + "|" + d.DeviceID.String() }

func (d DeviceRef) String() string { return d.Key() }

// DeviceKeys is one entry of a user's device directory. Keys and
// Algorithms are immutable once stored; only Trust and Blocked change.
type DeviceKeys struct {
	Revision
	UserID      ref.UserID                   `cbor:"user_id"`
	DeviceID    ref.DeviceID                 `cbor:"device_id"`
	Algorithms  []string                     `cbor:"algorithms"`
	Keys        map[string]string            `cbor:"keys"`
	Signatures  map[string]map[string]string `cbor:"signatures,omitempty"`
	DisplayName string                       `cbor:"display_name,omitempty"`
	Blocked     bool                         `cbor:"blocked,omitempty"`
	Trust       TrustLevel                   `cbor:"trust"`
	FirstSeen   time.Time                    `cbor:"first_seen"`
}

// Ref returns the device's (user, device) identity.
func (d *DeviceKeys) Ref() DeviceRef { return DeviceRef{UserID: d.UserID, DeviceID: d.DeviceID} }

// Ed25519 returns the device's signing key, or "" if it has none.
func (d *DeviceKeys) Ed25519() string { return d.Keys["ed25519:"+d.DeviceID.String()] }

// Curve25519 returns the device's identity key, or "" if it has none.
func (d *DeviceKeys) Curve25519() string { return d.Keys["curve25519:"+d.DeviceID.String()] }

// SameKeys reports whether two directory entries carry identical keys.
func (d *DeviceKeys) SameKeys(other *DeviceKeys) bool {
	if len(d.Keys) != len(other.Keys) {
		return false
	}
	for id, key := range d.Keys {
		if other.Keys[id] != key {
			return false
		}
	}
	return true
}

// Account is this device's own olm account.
type Account struct {
	Revision
	UserID   ref.UserID   `cbor:"user_id"`
	DeviceID ref.DeviceID `cbor:"device_id"`
	Pickle   []byte       `cbor:"pickle"`

	// DeviceKeysPublished is set once the server has acknowledged the
	// signed device keys.
	DeviceKeysPublished bool `cbor:"device_keys_published"`

	// ServerOneTimeKeyCount is the last count the server reported.
	ServerOneTimeKeyCount int `cbor:"server_one_time_key_count"`
}

// PairwiseSession is the latest ratchet state of one pairwise session.
type PairwiseSession struct {
	Revision
	SenderKey string    `cbor:"sender_key"`
	SessionID string    `cbor:"session_id"`
	Pickle    []byte    `cbor:"pickle"`
	CreatedAt time.Time `cbor:"created_at"`
	LastUsed  time.Time `cbor:"last_used"`
}

// OutboundGroupSession is the room key this device currently encrypts
// a room's messages with.
type OutboundGroupSession struct {
	Revision
	RoomID       ref.RoomID `cbor:"room_id"`
	SessionID    string     `cbor:"session_id"`
	CreatedAt    time.Time  `cbor:"created_at"`
	MessageCount int        `cbor:"message_count"`

	// SharedWith holds DeviceRef.Key values of devices that have
	// received the key. It only grows until the session is rotated.
	SharedWith map[string]bool `cbor:"shared_with"`

	// RotationPending forces a new session on the next encrypt, set
	// when membership or a member's devices change.
	RotationPending bool   `cbor:"rotation_pending,omitempty"`
	Pickle          []byte `cbor:"pickle"`
}

// SharedWithDevice reports whether device has been given the key.
func (s *OutboundGroupSession) SharedWithDevice(device DeviceRef) bool {
	return s.SharedWith[device.Key()]
}

// ForwardingStep records one hop a room key took to reach this device.
type ForwardingStep string

const (
	ForwardingDirect    ForwardingStep = "direct"
	ForwardingForwarded ForwardingStep = "forwarded"
	ForwardingExport    ForwardingStep = "export"
	ForwardingBackup    ForwardingStep = "backup"
)

// BackupStatus is where a session stands relative to server backup.
type BackupStatus int

const (
	BackupNotBackedUp BackupStatus = iota
	BackupPending
	BackupUpToDate
)

func (b BackupStatus) String() string {
	switch b {
	case BackupNotBackedUp:
		return "not-backed-up"
	case BackupPending:
		return "pending"
	case BackupUpToDate:
		return "up-to-date"
	default:
		return "unknown"
	}
}

// InboundGroupSession is a room key this device can decrypt with.
type InboundGroupSession struct {
	Revision
	RoomID    ref.RoomID `cbor:"room_id"`
	SessionID string     `cbor:"session_id"`

	// SenderKey is the curve25519 identity key of the device that
	// created the session.
	SenderKey string `cbor:"sender_key"`

	// ClaimedKeys are the creator's other keys as asserted by the
	// channel the session arrived through (ed25519 in practice).
	ClaimedKeys map[string]string `cbor:"claimed_keys,omitempty"`

	// HighestIndex is the highest message index decrypted so far;
	// meaningful only when HasIndex is set.
	HighestIndex uint32 `cbor:"highest_index"`
	HasIndex     bool   `cbor:"has_index"`

	FirstKnownIndex uint32           `cbor:"first_known_index"`
	ForwardingChain []ForwardingStep `cbor:"forwarding_chain"`

	// ForwardedBy lists the curve25519 keys of devices that forwarded
	// the session, nearest last.
	ForwardedBy []string `cbor:"forwarded_by,omitempty"`

	// Exported is set when the key came from a forward, an export, or
	// a backup restore rather than a live share.
	Exported bool `cbor:"exported"`

	Backup        BackupStatus `cbor:"backup"`
	BackupVersion string       `cbor:"backup_version,omitempty"`

	Pickle []byte `cbor:"pickle"`
}

// GroupMessageIndex records one consumed (session, index) pair and a
// digest of the ciphertext seen there.
type GroupMessageIndex struct {
	Revision
	RoomID    ref.RoomID `cbor:"room_id"`
	SessionID string     `cbor:"session_id"`
	Index     uint32     `cbor:"index"`
	Digest    [32]byte   `cbor:"digest"`
	EventID   string     `cbor:"event_id,omitempty"`
	Timestamp time.Time  `cbor:"timestamp"`
}

// VerificationRecord is the persisted form of a live verification
// transaction. Records are deleted when the transaction ends.
type VerificationRecord struct {
	Revision
	TransactionID string       `cbor:"transaction_id"`
	OtherUser     ref.UserID   `cbor:"other_user"`
	OtherDevice   ref.DeviceID `cbor:"other_device"`
	State         string       `cbor:"state"`
	Method        string       `cbor:"method,omitempty"`
	StartedAt     time.Time    `cbor:"started_at"`
	Deadline      time.Time    `cbor:"deadline"`
	RoomID        ref.RoomID   `cbor:"room_id"`
	WeStarted     bool         `cbor:"we_started"`
}

// BackupVersion is the server backup this device uploads to.
type BackupVersion struct {
	Revision
	Version    string                       `cbor:"version"`
	Algorithm  string                       `cbor:"algorithm"`
	PublicKey  string                       `cbor:"public_key"`
	Signatures map[string]map[string]string `cbor:"signatures,omitempty"`

	// Trusted is set once the auth data signature has been checked
	// against one of this account's verified devices.
	Trusted bool `cbor:"trusted"`
}

// BackedUpSession is a local record of a session uploaded to a backup
// version.
type BackedUpSession struct {
	Revision
	Version    string     `cbor:"version"`
	RoomID     ref.RoomID `cbor:"room_id"`
	SessionID  string     `cbor:"session_id"`
	FirstIndex uint32     `cbor:"first_index"`
	Blob       string     `cbor:"blob"`
}

// Room is the encryption-relevant state of a room.
type Room struct {
	Revision
	RoomID    ref.RoomID `cbor:"room_id"`
	Encrypted bool       `cbor:"encrypted"`
	Algorithm string     `cbor:"algorithm,omitempty"`

	// Zero values mean "use the configured default".
	RotationPeriod   time.Duration `cbor:"rotation_period,omitempty"`
	RotationMessages int           `cbor:"rotation_messages,omitempty"`

	// Members holds joined and invited user IDs.
	Members map[string]bool `cbor:"members"`
}

// MemberIDs returns the room's members in sorted order.
func (r *Room) MemberIDs() []ref.UserID {
	members := make([]ref.UserID, 0, len(r.Members))
	for raw := range r.Members {
		userID, err := ref.ParseUserID(raw)
		if err != nil {
			continue
		}
		members = append(members, userID)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].String() < members[j].String() })
	return members
}

// OutgoingKeyRequest is a room key request this device has sent and
// not yet seen answered.
type OutgoingKeyRequest struct {
	Revision
	RequestID string     `cbor:"request_id"`
	RoomID    ref.RoomID `cbor:"room_id"`
	SessionID string     `cbor:"session_id"`
	SenderKey string     `cbor:"sender_key"`
	CreatedAt time.Time  `cbor:"created_at"`

	// SentAt is when the request was last sent and Attempts how many
	// times it has been sent. An unanswered request is re-sent once a
	// backoff computed from Attempts has passed since SentAt.
	SentAt   time.Time `cbor:"sent_at"`
	Attempts int       `cbor:"attempts,omitempty"`

	// Recipients are the users the request was sent to, so the
	// cancellation reaches the same devices.
	Recipients []ref.UserID `cbor:"recipients,omitempty"`
}
