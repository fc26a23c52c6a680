// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for key backup.
//
// A backup version is bound to an age X25519 recipient: the public half
// is published in the backup version's auth data, and the private half
// is the user's recovery secret. age encrypts each payload to the
// recipient with an ephemeral X25519 exchange and ChaCha20-Poly1305,
// so every backed-up session is both confidential and authenticated:
// a modified ciphertext fails to decrypt rather than yielding altered
// key material.
//
// Ciphertexts are returned base64-encoded because they travel inside
// JSON request bodies. Recovery secrets and decrypted plaintext are
// returned in *secret.Buffer values; callers close them.
package sealed
