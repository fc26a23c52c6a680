// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// MaxOneTimeKeys bounds the pool held by an Account. Generating past
// the bound discards the oldest keys first.
const MaxOneTimeKeys = 100

// Account is a device's long-term key material.
type Account struct {
	state accountState
}

type accountState struct {
	SigningSeed []byte       `cbor:"signing_seed"`
	Identity    curveKeyPair `cbor:"identity"`
	OneTimeKeys []oneTimeKey `cbor:"one_time_keys"`
	NextKeyID   uint32       `cbor:"next_key_id"`
}

type oneTimeKey struct {
	ID        uint32       `cbor:"id"`
	Pair      curveKeyPair `cbor:"pair"`
	Published bool         `cbor:"published"`
}

func (k oneTimeKey) keyID() string {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], k.ID)
	return encoding.EncodeToString(raw[:])
}

// NewAccount generates fresh identity keys and an empty key pool.
func NewAccount() (*Account, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("olm: generating signing seed: %w", err)
	}
	identity, err := newCurveKeyPair()
	if err != nil {
		return nil, err
	}
	return &Account{state: accountState{SigningSeed: seed, Identity: identity, NextKeyID: 1}}, nil
}

func (a *Account) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(a.state.SigningSeed)
}

// Ed25519Key returns the base64 public signing key.
func (a *Account) Ed25519Key() string {
	return EncodeKey(a.signingKey().Public().(ed25519.PublicKey))
}

// Curve25519Key returns the base64 public identity key. This is the
// "sender key" other devices know this device by.
func (a *Account) Curve25519Key() string {
	return EncodeKey(a.state.Identity.Public[:])
}

// Sign returns a base64 Ed25519 signature over message.
func (a *Account) Sign(message []byte) string {
	return EncodeKey(ed25519.Sign(a.signingKey(), message))
}

// GenerateOneTimeKeys adds count unpublished keys to the pool.
func (a *Account) GenerateOneTimeKeys(count int) error {
	keys := make([]oneTimeKey, 0, count)
	for range count {
		pair, err := newCurveKeyPair()
		if err != nil {
			return err
		}
		keys = append(keys, oneTimeKey{ID: a.state.NextKeyID + uint32(len(keys)), Pair: pair})
	}
	a.state.NextKeyID += uint32(len(keys))
	a.state.OneTimeKeys = append(a.state.OneTimeKeys, keys...)
	if excess := len(a.state.OneTimeKeys) - MaxOneTimeKeys; excess > 0 {
		a.state.OneTimeKeys = append([]oneTimeKey(nil), a.state.OneTimeKeys[excess:]...)
	}
	return nil
}

// UnpublishedOneTimeKeys maps key id to base64 public key for every key
// not yet marked published.
func (a *Account) UnpublishedOneTimeKeys() map[string]string {
	keys := make(map[string]string)
	for _, key := range a.state.OneTimeKeys {
		if !key.Published {
			keys[key.keyID()] = EncodeKey(key.Pair.Public[:])
		}
	}
	return keys
}

// MarkKeysAsPublished flags every current key as uploaded.
func (a *Account) MarkKeysAsPublished() {
	for i := range a.state.OneTimeKeys {
		a.state.OneTimeKeys[i].Published = true
	}
}

// OneTimeKeyCount returns the number of keys in the pool, published or
// not.
func (a *Account) OneTimeKeyCount() int {
	return len(a.state.OneTimeKeys)
}

// removeOneTimeKey drops the key whose public half is public. A key is
// used at most once: after removal the same pre-key message cannot
// start a second session.
func (a *Account) removeOneTimeKey(public [keyLength]byte) (curveKeyPair, error) {
	for i, key := range a.state.OneTimeKeys {
		if key.Pair.Public == public {
			a.state.OneTimeKeys = append(a.state.OneTimeKeys[:i:i], a.state.OneTimeKeys[i+1:]...)
			return key.Pair, nil
		}
	}
	return curveKeyPair{}, ErrUnknownOneTimeKey
}

func (a *Account) findOneTimeKey(public [keyLength]byte) (curveKeyPair, bool) {
	for _, key := range a.state.OneTimeKeys {
		if key.Pair.Public == public {
			return key.Pair, true
		}
	}
	return curveKeyPair{}, false
}

// Pickle seals the account under pickleKey.
func (a *Account) Pickle(pickleKey []byte) ([]byte, error) {
	return sealPickle(pickleKey, pickleAccount, &a.state)
}

// UnpickleAccount opens an account sealed by Pickle.
func UnpickleAccount(pickleKey, pickled []byte) (*Account, error) {
	account := &Account{}
	if err := openPickle(pickleKey, pickleAccount, pickled, &account.state); err != nil {
		return nil, err
	}
	if len(account.state.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: signing seed has wrong length", ErrBadPickle)
	}
	return account, nil
}

// Clone returns an independent copy, so a caller can consume a
// one-time key on the copy and discard it if persisting fails.
func (a *Account) Clone() *Account {
	clone := &Account{state: a.state}
	clone.state.SigningSeed = append([]byte(nil), a.state.SigningSeed...)
	clone.state.OneTimeKeys = append([]oneTimeKey(nil), a.state.OneTimeKeys...)
	return clone
}
