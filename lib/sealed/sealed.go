// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/bureau-foundation/matrixcrypto/lib/secret"
)

// RecoveryKey is an age X25519 keypair used as a backup recovery key.
// Secret holds the AGE-SECRET-KEY-1... encoding; PublicKey the age1...
// recipient published in backup auth data.
type RecoveryKey struct {
	Secret    *secret.Buffer
	PublicKey string
}

// Close releases the secret half.
func (k *RecoveryKey) Close() error {
	if k.Secret != nil {
		return k.Secret.Close()
	}
	return nil
}

// GenerateRecoveryKey creates a fresh recovery keypair. The caller must
// Close the result.
func GenerateRecoveryKey() (*RecoveryKey, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating recovery key: %w", err)
	}
	buffer, err := secret.NewFromString(identity.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting recovery key: %w", err)
	}
	return &RecoveryKey{
		Secret:    buffer,
		PublicKey: identity.Recipient().String(),
	}, nil
}

// PublicKeyFor derives the recipient string for a recovery secret.
// Restore uses it to confirm that a user-supplied secret belongs to the
// active backup version before downloading anything.
func PublicKeyFor(recoverySecret *secret.Buffer) (string, error) {
	identity, err := age.ParseX25519Identity(recoverySecret.String())
	if err != nil {
		return "", fmt.Errorf("sealed: invalid recovery secret: %w", err)
	}
	return identity.Recipient().String(), nil
}

// ValidatePublicKey reports whether publicKey is a well-formed age
// X25519 recipient.
func ValidatePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("sealed: invalid public key: %w", err)
	}
	return nil
}

// Encrypt seals plaintext to publicKey and returns base64 ciphertext.
func Encrypt(plaintext []byte, publicKey string) (string, error) {
	recipient, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return "", fmt.Errorf("sealed: parsing recipient %q: %w", publicKey, err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return "", fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("sealed: finalizing: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Decrypt opens a base64 ciphertext produced by Encrypt. The recovery
// secret is borrowed, not closed. The caller must Close the returned
// plaintext buffer.
func Decrypt(ciphertext string, recoverySecret *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(recoverySecret.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: invalid recovery secret: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("sealed: decoding base64: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: empty plaintext")
	}
	return secret.NewFromBytes(plaintext)
}
