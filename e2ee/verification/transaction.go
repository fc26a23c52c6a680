// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"sync"
	"time"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// Transaction is one verification between this device and another.
// Its methods are safe for concurrent use.
type Transaction struct {
	id     string
	roomID ref.RoomID

	// initiator is the device that opened the transaction, by request
	// or by a start without a request. Tie-breaks compare initiators.
	initiator   store.DeviceRef
	weInitiated bool
	createdAt   time.Time
	deadline    time.Time

	mu          sync.Mutex
	otherUser   ref.UserID
	otherDevice ref.DeviceID
	state       State
	cancelled   *CancelledError
	endedAt     time.Time
	timer       *clock.Timer
	record      *store.VerificationRecord

	// weStarted is set while the adopted start is ours.
	weStarted       bool
	start           *event.VerificationStart
	sas             *sas
	theirCommitment string
	sasBytes        []byte
	macSent         bool
	theirMACValid   bool

	// verifiedKey is the other device's signing key as confirmed by
	// its MAC.
	verifiedKey string
}

// ID returns the transaction ID: a random ID for to-device
// verification, or the request event's ID in a room.
func (t *Transaction) ID() string { return t.id }

// RoomID returns the room carrying the transaction, or the zero RoomID
// for to-device verification.
func (t *Transaction) RoomID() ref.RoomID { return t.roomID }

// InRoom reports whether the transaction runs over room events.
func (t *Transaction) InRoom() bool { return !t.roomID.IsZero() }

// WeInitiated reports whether this device opened the transaction.
func (t *Transaction) WeInitiated() bool { return t.weInitiated }

// Initiator returns the device that opened the transaction.
func (t *Transaction) Initiator() store.DeviceRef { return t.initiator }

// Other returns the device being verified. DeviceID is zero while a
// request sent to all of a user's devices is unanswered.
func (t *Transaction) Other() store.DeviceRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return store.DeviceRef{UserID: t.otherUser, DeviceID: t.otherDevice}
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns a *CancelledError once the transaction is cancelled, and
// nil otherwise.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled == nil {
		return nil
	}
	return t.cancelled
}

// CancelCode returns why the transaction was cancelled, or "" if it
// was not.
func (t *Transaction) CancelCode() CancelCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled == nil {
		return ""
	}
	return t.cancelled.Code
}

// Emoji returns the seven-emoji rendering of the short authentication
// string. It is available from KeyExchanged on.
func (t *Transaction) Emoji() ([]Emoji, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sasBytes == nil {
		return nil, ErrInvalidState
	}
	return emojiFromBytes(t.sasBytes), nil
}

// Decimal returns the three-number rendering of the short
// authentication string.
func (t *Transaction) Decimal() ([3]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sasBytes == nil {
		return [3]int{}, ErrInvalidState
	}
	return decimalFromBytes(t.sasBytes), nil
}

// involves reports whether the transaction is with the given device.
// A transaction whose other device is not yet known matches every
// device of the other user. Caller holds t.mu.
func (t *Transaction) involves(user ref.UserID, device ref.DeviceID) bool {
	return t.otherUser == user && (t.otherDevice.IsZero() || t.otherDevice == device)
}

// parties returns this side of the transaction and the peer, with
// ephemeral keys once known. Caller holds t.mu.
func (t *Transaction) parties(local store.DeviceRef) (us, them party) {
	us = party{user: local.UserID, device: local.DeviceID}
	them = party{user: t.otherUser, device: t.otherDevice}
	if t.sas != nil {
		us.key = t.sas.public
		them.key = t.sas.theirPublic
	}
	return us, them
}
