// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/matrixcrypto/lib/codec"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/sealed"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
	"github.com/bureau-foundation/matrixcrypto/messaging"
)

// Algorithm identifies this backup scheme in version auth data.
const Algorithm = "org.bureau.backup.age-zstd.v1"

// maxPayloadSize bounds a decompressed payload. An exported session
// key is a few hundred bytes.
const maxPayloadSize = 64 << 10

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("backup: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
	if err != nil {
		panic("backup: zstd decoder initialization failed: " + err.Error())
	}
}

// Payload is the plaintext of one backed-up session.
type Payload struct {
	RoomID      ref.RoomID        `cbor:"room_id"`
	SessionID   string            `cbor:"session_id"`
	SenderKey   string            `cbor:"sender_key"`
	ClaimedKeys map[string]string `cbor:"claimed_keys,omitempty"`
	ForwardedBy []string          `cbor:"forwarded_by,omitempty"`

	// SessionKey is the session exported at its first known index.
	SessionKey string `cbor:"session_key"`
}

// Seal encodes, compresses and encrypts payload to publicKey. The
// result is base64 age ciphertext.
func Seal(payload *Payload, publicKey string) (string, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("backup: encoding payload: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(encoded, nil)
	secret.Zero(encoded)
	defer secret.Zero(compressed)
	return sealed.Encrypt(compressed, publicKey)
}

// Open reverses Seal. Decryption authenticates the ciphertext, so a
// tampered blob fails here rather than producing altered key material.
func Open(blob string, recoverySecret *secret.Buffer) (*Payload, error) {
	plaintext, err := sealed.Decrypt(blob, recoverySecret)
	if err != nil {
		return nil, err
	}
	defer plaintext.Close()

	decoded, err := zstdDecoder.DecodeAll(plaintext.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("backup: decompressing payload: %w", err)
	}
	defer secret.Zero(decoded)

	var payload Payload
	if err := codec.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("backup: decoding payload: %w", err)
	}
	return &payload, nil
}

// sessionData is the opaque session_data the server stores.
type sessionData struct {
	Ciphertext string `json:"ciphertext"`
}

func encodeSessionData(blob string) (json.RawMessage, error) {
	return json.Marshal(sessionData{Ciphertext: blob})
}

func decodeSessionData(raw json.RawMessage) (string, error) {
	var data sessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", err
	}
	if data.Ciphertext == "" {
		return "", fmt.Errorf("backup: session data has no ciphertext")
	}
	return data.Ciphertext, nil
}

// authData is published with a backup version. The signatures cover
// its canonical JSON without the signatures member.
type authData struct {
	PublicKey  string               `json:"public_key"`
	Signatures messaging.Signatures `json:"signatures,omitempty"`
}
