// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backup keeps room keys recoverable through a server-side key
// backup.
//
// A backup version binds an age recovery key (see lib/sealed) to the
// account. Each session is exported at its first known index, encoded
// as CBOR, compressed with zstd and sealed to the version's public key;
// only the holder of the recovery secret can open it. Sessions move
// from not-backed-up to pending when queued and to up-to-date once the
// server has accepted them for the current version. A change of version
// puts every session back to pending.
package backup
