// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"sync"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
)

// ownershipRegistry records which device of this account handles each
// transaction, so that when several devices of one account answer the
// same request only one proceeds.
//
// The first device to claim a transaction keeps it, with one
// exception: when the local device and another device of the account
// both claim, the device with the lexicographically smaller ID keeps
// it. Both devices apply the same rule and agree without further
// messages.
type ownershipRegistry struct {
	local ref.DeviceID

	mu     sync.Mutex
	owners map[string]ref.DeviceID
}

func newOwnershipRegistry(local ref.DeviceID) *ownershipRegistry {
	return &ownershipRegistry{local: local, owners: make(map[string]ref.DeviceID)}
}

// claim records device as handling transactionID and returns the
// device that handles it after the claim.
func (r *ownershipRegistry) claim(transactionID string, device ref.DeviceID) ref.DeviceID {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[transactionID]
	if !ok || owner == device {
		r.owners[transactionID] = device
		return device
	}
	if (owner == r.local || device == r.local) && device.String() < owner.String() {
		r.owners[transactionID] = device
		return device
	}
	return owner
}

func (r *ownershipRegistry) release(transactionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, transactionID)
}

// clear forgets every transaction. Called on logout.
func (r *ownershipRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.owners)
}
