// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package olm is the ratchet primitive underneath the encryption
// engine. The engine treats everything here as opaque: it creates
// accounts and sessions, encrypts and decrypts with them, and stores
// their pickled state. It never reads ratchet internals.
//
// Three kinds of state live here:
//
//   - [Account]: a device's long-term Ed25519 signing key and
//     Curve25519 identity key, plus its pool of one-time keys.
//   - [Session]: a pairwise channel between two devices, bootstrapped
//     by a triple Diffie-Hellman over identity, ephemeral, and one-time
//     keys, then carried by one symmetric hash-ratchet chain per
//     direction. The initiator sends pre-key messages until it hears
//     back.
//   - [OutboundGroupSession] and [InboundGroupSession]: a one-to-many
//     hash ratchet. Each message is encrypted under a key derived from
//     the ratchet at its index and signed with the session's Ed25519
//     key. Receivers can derive forward from any index they hold but
//     never backward.
//
// Chain and ratchet advancement use BLAKE3 key derivation. Message
// encryption is ChaCha20-Poly1305. Pickles are sealed with
// XChaCha20-Poly1305 under a key derived from the caller's pickle key.
//
// All methods mutate the receiver only on success. A failed Decrypt
// leaves the session exactly as it was, so callers may snapshot state,
// attempt an operation, and discard the copy on error.
package olm
