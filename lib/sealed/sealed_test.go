// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	defer key.Close()

	plaintext := []byte("session key material")
	ciphertext, err := Encrypt(plaintext, key.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	decrypted, err := Decrypt(ciphertext, key.Secret)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer decrypted.Close()
	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Fatalf("Decrypt = %q, want %q", decrypted.Bytes(), plaintext)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	owner, _ := GenerateRecoveryKey()
	other, _ := GenerateRecoveryKey()
	defer owner.Close()
	defer other.Close()

	ciphertext, err := Encrypt([]byte("x"), owner.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, other.Secret); err == nil {
		t.Fatal("decryption with the wrong recovery secret succeeded")
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	key, _ := GenerateRecoveryKey()
	defer key.Close()

	ciphertext, err := Encrypt([]byte("authenticated payload"), key.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(ciphertext)
	raw[len(raw)-1] ^= 0x01
	if _, err := Decrypt(base64.StdEncoding.EncodeToString(raw), key.Secret); err == nil {
		t.Fatal("tampered ciphertext decrypted")
	}
}

func TestPublicKeyFor(t *testing.T) {
	key, _ := GenerateRecoveryKey()
	defer key.Close()

	derived, err := PublicKeyFor(key.Secret)
	if err != nil {
		t.Fatalf("PublicKeyFor: %v", err)
	}
	if derived != key.PublicKey {
		t.Fatalf("PublicKeyFor = %q, want %q", derived, key.PublicKey)
	}
	if err := ValidatePublicKey(derived); err != nil {
		t.Fatalf("ValidatePublicKey: %v", err)
	}
	if err := ValidatePublicKey("age1notakey"); err == nil {
		t.Fatal("ValidatePublicKey accepted garbage")
	}
}
