// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee is the end-to-end encryption engine of a Matrix client.
//
// A [Machine] owns one device's cryptographic state for one account. It
// is fed sync batches through [Machine.ProcessSync] and routes their
// parts to the components that act on them:
//
//   - [AccountManager] holds the device's identity keys and its pool of
//     one-time keys, and publishes both to the homeserver.
//   - [DeviceListTracker] keeps each tracked user's device directory
//     fresh, refreshing in the background when sync reports a change
//     and notifying listeners of added, removed, and changed devices.
//   - [OutboundManager] encrypts room events under a per-room group
//     session, rotating it on schedule or after a membership or device
//     change, and distributes the session key to every authorized
//     device over pairwise sessions.
//   - [Decryptor] decrypts group and pairwise ciphertext, reporting
//     failures as typed [DecryptionError] values and requesting keys it
//     does not hold.
//
// Interactive verification lives in package e2ee/verification and key
// backup in e2ee/backup; the Machine constructs both and wires them to
// the components above.
//
// All cryptographic state is persisted through package store. Every
// mutation follows the same shape: read a snapshot with its version,
// do any network round trip without holding locks, then commit with
// compare-and-swap so that concurrent or cancelled work is detected
// rather than silently overwritten. Mutations of a single pairwise or
// group session are additionally serialized in-process by a keyed
// mutex, since ratchet state is strictly sequential.
package e2ee
