// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/rand"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bureau-foundation/matrixcrypto/lib/codec"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
)

// Pickle kinds are bound into the seal as additional data, so a pickle
// of one kind can never be opened as another.
const (
	pickleAccount        = "account/1"
	pickleSession        = "session/1"
	pickleOutboundGroup  = "outbound-group/1"
	pickleInboundGroup   = "inbound-group/1"
	minimumPickleKeySize = 32
)

func pickleCipherKey(pickleKey []byte) ([]byte, error) {
	if len(pickleKey) < minimumPickleKeySize {
		return nil, fmt.Errorf("olm: pickle key must be at least %d bytes", minimumPickleKeySize)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(contextPickle, pickleKey, key)
	return key, nil
}

func sealPickle(pickleKey []byte, kind string, state any) ([]byte, error) {
	key, err := pickleCipherKey(pickleKey)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(key)

	plaintext, err := codec.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("olm: encoding %s pickle: %w", kind, err)
	}
	defer secret.Zero(plaintext)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("olm: pickle cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("olm: pickle nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(kind)), nil
}

func openPickle(pickleKey []byte, kind string, pickled []byte, state any) error {
	key, err := pickleCipherKey(pickleKey)
	if err != nil {
		return err
	}
	defer secret.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("olm: pickle cipher: %w", err)
	}
	if len(pickled) < aead.NonceSize()+aead.Overhead() {
		return fmt.Errorf("%w: %s pickle truncated", ErrBadPickle, kind)
	}
	nonce, ciphertext := pickled[:aead.NonceSize()], pickled[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(kind))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadPickle, kind)
	}
	defer secret.Zero(plaintext)

	if err := codec.Unmarshal(plaintext, state); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrBadPickle, kind, err)
	}
	return nil
}
