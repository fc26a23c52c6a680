// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Errors returned by the primitive. Callers match them with errors.Is.
var (
	ErrBadSignature        = errors.New("olm: bad signature")
	ErrBadMessage          = errors.New("olm: malformed message")
	ErrBadMessageMAC       = errors.New("olm: message authentication failed")
	ErrUnknownMessageIndex = errors.New("olm: message index precedes the first known index")
	ErrMessageKeyConsumed  = errors.New("olm: message key already used")
	ErrTooManySkipped      = errors.New("olm: message is too far ahead of the chain")
	ErrUnknownOneTimeKey   = errors.New("olm: one-time key not found")
	ErrSessionMismatch     = errors.New("olm: pre-key message does not belong to this session")
	ErrBadPickle           = errors.New("olm: pickle cannot be opened with this key")
)

const (
	keyLength = 32

	// Distinct BLAKE3 derivation contexts keep each derived key bound
	// to a single purpose.
	contextChainAdvance   = "bureau olm 2026 pairwise chain advance"
	contextChainMessage   = "bureau olm 2026 pairwise message key"
	contextRatchetAdvance = "bureau olm 2026 group ratchet advance"
	contextRatchetMessage = "bureau olm 2026 group message key"
	contextPickle         = "bureau olm 2026 pickle key"
	contextSessionID      = "bureau olm 2026 pairwise session id"
)

var encoding = base64.RawStdEncoding

// EncodeKey renders key bytes as unpadded standard base64, the form
// used for every public key and signature on the wire.
func EncodeKey(key []byte) string { return encoding.EncodeToString(key) }

// DecodeKey parses unpadded base64 and checks the length.
func DecodeKey(encoded string, length int) ([]byte, error) {
	key, err := encoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("olm: decoding key: %w", err)
	}
	if len(key) != length {
		return nil, fmt.Errorf("olm: key is %d bytes, want %d", len(key), length)
	}
	return key, nil
}

type curveKeyPair struct {
	Private [keyLength]byte `cbor:"private"`
	Public  [keyLength]byte `cbor:"public"`
}

func newCurveKeyPair() (curveKeyPair, error) {
	var pair curveKeyPair
	if _, err := rand.Read(pair.Private[:]); err != nil {
		return pair, fmt.Errorf("olm: generating curve25519 key: %w", err)
	}
	public, err := curve25519.X25519(pair.Private[:], curve25519.Basepoint)
	if err != nil {
		return pair, fmt.Errorf("olm: deriving curve25519 public key: %w", err)
	}
	copy(pair.Public[:], public)
	return pair, nil
}

func decodeCurveKey(encoded string) ([keyLength]byte, error) {
	var key [keyLength]byte
	raw, err := DecodeKey(encoded, keyLength)
	if err != nil {
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}

func sharedSecret(private, public [keyLength]byte) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, fmt.Errorf("olm: key agreement: %w", err)
	}
	return shared, nil
}

// VerifySignature checks an Ed25519 signature made by the holder of
// signingKey (base64) over message.
func VerifySignature(signingKey string, message []byte, signature string) error {
	key, err := DecodeKey(signingKey, ed25519.PublicKeySize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	raw, err := DecodeKey(signature, ed25519.SignatureSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(key, message, raw) {
		return ErrBadSignature
	}
	return nil
}

func advance(context string, key [keyLength]byte) [keyLength]byte {
	var next [keyLength]byte
	blake3.DeriveKey(context, key[:], next[:])
	return next
}

// seal encrypts plaintext with a key and nonce derived from a single
// use message key, binding additional data.
func seal(context string, messageKey [keyLength]byte, plaintext, additional []byte) ([]byte, error) {
	aead, nonce, err := messageCipher(context, messageKey)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, additional), nil
}

func open(context string, messageKey [keyLength]byte, ciphertext, additional []byte) ([]byte, error) {
	aead, nonce, err := messageCipher(context, messageKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, ErrBadMessageMAC
	}
	return plaintext, nil
}

func messageCipher(context string, messageKey [keyLength]byte) (cipher.AEAD, []byte, error) {
	material := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	blake3.DeriveKey(context, messageKey[:], material)
	aead, err := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, fmt.Errorf("olm: message cipher: %w", err)
	}
	return aead, material[chacha20poly1305.KeySize:], nil
}
