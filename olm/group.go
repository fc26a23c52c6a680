// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/matrixcrypto/lib/codec"
)

const (
	groupVersion = 3

	// maxRatchetAdvance bounds the work a single message or export can
	// demand from an inbound session.
	maxRatchetAdvance = 1 << 20
)

type groupMessage struct {
	Version    uint8  `cbor:"v"`
	Index      uint32 `cbor:"i"`
	Ciphertext []byte `cbor:"c"`
	Signature  []byte `cbor:"s,omitempty"`
}

// groupKey is the shape of both a signed session key (as shared over a
// pairwise session) and an unsigned export.
type groupKey struct {
	Version    uint8           `cbor:"v"`
	Index      uint32          `cbor:"i"`
	Ratchet    [keyLength]byte `cbor:"r"`
	SigningKey []byte          `cbor:"k"`
	Signature  []byte          `cbor:"s,omitempty"`
}

func signedBytes(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("olm: encoding signed data: %w", err)
	}
	return data, nil
}

func groupAdditionalData(signingKey []byte, index uint32) []byte {
	data := make([]byte, len(signingKey)+4)
	copy(data, signingKey)
	binary.BigEndian.PutUint32(data[len(signingKey):], index)
	return data
}

// OutboundGroupSession is the sending side of a room key.
type OutboundGroupSession struct {
	state outboundGroupState
}

type outboundGroupState struct {
	SigningSeed []byte          `cbor:"signing_seed"`
	Ratchet     [keyLength]byte `cbor:"ratchet"`
	Index       uint32          `cbor:"index"`
}

// NewOutboundGroupSession generates a fresh signing key and ratchet at
// index zero.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	session := &OutboundGroupSession{state: outboundGroupState{SigningSeed: make([]byte, ed25519.SeedSize)}}
	if _, err := rand.Read(session.state.SigningSeed); err != nil {
		return nil, fmt.Errorf("olm: generating group signing key: %w", err)
	}
	if _, err := rand.Read(session.state.Ratchet[:]); err != nil {
		return nil, fmt.Errorf("olm: generating group ratchet: %w", err)
	}
	return session, nil
}

func (s *OutboundGroupSession) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(s.state.SigningSeed)
}

func (s *OutboundGroupSession) publicKey() ed25519.PublicKey {
	return s.signingKey().Public().(ed25519.PublicKey)
}

// ID is the base64 public signing key. Receivers derive the same id
// from the session key, so it cannot be spoofed independently.
func (s *OutboundGroupSession) ID() string { return EncodeKey(s.publicKey()) }

// MessageIndex is the index the next Encrypt will use.
func (s *OutboundGroupSession) MessageIndex() uint32 { return s.state.Index }

// SessionKey returns the signed key at the current index, for sharing
// with recipients.
func (s *OutboundGroupSession) SessionKey() (string, error) {
	key := groupKey{
		Version:    groupVersion,
		Index:      s.state.Index,
		Ratchet:    s.state.Ratchet,
		SigningKey: s.publicKey(),
	}
	signed, err := signedBytes(key)
	if err != nil {
		return "", err
	}
	key.Signature = ed25519.Sign(s.signingKey(), signed)
	encoded, err := codec.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("olm: encoding session key: %w", err)
	}
	return encoding.EncodeToString(encoded), nil
}

// Encrypt encrypts and signs plaintext at the current index, then
// advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	public := s.publicKey()
	ciphertext, err := seal(contextRatchetMessage, s.state.Ratchet, plaintext, groupAdditionalData(public, s.state.Index))
	if err != nil {
		return "", err
	}
	message := groupMessage{Version: groupVersion, Index: s.state.Index, Ciphertext: ciphertext}
	signed, err := signedBytes(message)
	if err != nil {
		return "", err
	}
	message.Signature = ed25519.Sign(s.signingKey(), signed)
	encoded, err := codec.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("olm: encoding group message: %w", err)
	}

	s.state.Ratchet = advance(contextRatchetAdvance, s.state.Ratchet)
	s.state.Index++
	return encoding.EncodeToString(encoded), nil
}

// Pickle seals the session under pickleKey.
func (s *OutboundGroupSession) Pickle(pickleKey []byte) ([]byte, error) {
	return sealPickle(pickleKey, pickleOutboundGroup, &s.state)
}

// UnpickleOutboundGroupSession opens a session sealed by Pickle.
func UnpickleOutboundGroupSession(pickleKey, pickled []byte) (*OutboundGroupSession, error) {
	session := &OutboundGroupSession{}
	if err := openPickle(pickleKey, pickleOutboundGroup, pickled, &session.state); err != nil {
		return nil, err
	}
	if len(session.state.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: signing seed has wrong length", ErrBadPickle)
	}
	return session, nil
}

// InboundGroupSession is the receiving side of a room key. It holds
// the ratchet at its first known index and derives forward on demand;
// it can never decrypt a message older than that index.
type InboundGroupSession struct {
	state inboundGroupState
}

type inboundGroupState struct {
	SigningKey []byte          `cbor:"signing_key"`
	FirstIndex uint32          `cbor:"first_index"`
	Ratchet    [keyLength]byte `cbor:"ratchet"`
	Signed     bool            `cbor:"signed"`
}

// NewInboundGroupSession creates a session from a signed session key.
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	key, err := parseGroupKey(sessionKey)
	if err != nil {
		return nil, err
	}
	signature := key.Signature
	key.Signature = nil
	signed, err := signedBytes(key)
	if err != nil {
		return nil, err
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(key.SigningKey, signed, signature) {
		return nil, ErrBadSignature
	}
	return &InboundGroupSession{state: inboundGroupState{
		SigningKey: key.SigningKey,
		FirstIndex: key.Index,
		Ratchet:    key.Ratchet,
		Signed:     true,
	}}, nil
}

// ImportInboundGroupSession creates a session from an export. Exports
// are unsigned: their authenticity rests on the channel they arrived
// through.
func ImportInboundGroupSession(exported string) (*InboundGroupSession, error) {
	key, err := parseGroupKey(exported)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{state: inboundGroupState{
		SigningKey: key.SigningKey,
		FirstIndex: key.Index,
		Ratchet:    key.Ratchet,
	}}, nil
}

func parseGroupKey(encoded string) (groupKey, error) {
	var key groupKey
	raw, err := encoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("%w: session key: %v", ErrBadMessage, err)
	}
	if err := codec.Unmarshal(raw, &key); err != nil {
		return key, fmt.Errorf("%w: session key: %v", ErrBadMessage, err)
	}
	if key.Version != groupVersion {
		return key, fmt.Errorf("%w: session key version %d", ErrBadMessage, key.Version)
	}
	if len(key.SigningKey) != ed25519.PublicKeySize {
		return key, fmt.Errorf("%w: session key signing key has wrong length", ErrBadMessage)
	}
	return key, nil
}

// ID is the base64 public signing key.
func (s *InboundGroupSession) ID() string { return EncodeKey(s.state.SigningKey) }

// FirstKnownIndex is the lowest index this session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.state.FirstIndex }

// IsSigned reports whether the session was created from a signed
// session key rather than an export.
func (s *InboundGroupSession) IsSigned() bool { return s.state.Signed }

func (s *InboundGroupSession) ratchetAt(index uint32) ([keyLength]byte, error) {
	if index < s.state.FirstIndex {
		return [keyLength]byte{}, ErrUnknownMessageIndex
	}
	if index-s.state.FirstIndex > maxRatchetAdvance {
		return [keyLength]byte{}, ErrTooManySkipped
	}
	ratchet := s.state.Ratchet
	for range index - s.state.FirstIndex {
		ratchet = advance(contextRatchetAdvance, ratchet)
	}
	return ratchet, nil
}

// Decrypt verifies and decrypts a group message, returning the
// plaintext and the message index. The session is not modified.
func (s *InboundGroupSession) Decrypt(body string) ([]byte, uint32, error) {
	message, err := parseGroupMessage(body)
	if err != nil {
		return nil, 0, err
	}
	signature := message.Signature
	message.Signature = nil
	signed, err := signedBytes(message)
	if err != nil {
		return nil, 0, err
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(s.state.SigningKey, signed, signature) {
		return nil, message.Index, ErrBadSignature
	}

	ratchet, err := s.ratchetAt(message.Index)
	if err != nil {
		return nil, message.Index, err
	}
	plaintext, err := open(contextRatchetMessage, ratchet, message.Ciphertext, groupAdditionalData(s.state.SigningKey, message.Index))
	if err != nil {
		return nil, message.Index, err
	}
	return plaintext, message.Index, nil
}

// Export returns the unsigned key at index, which must not precede the
// first known index.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	ratchet, err := s.ratchetAt(index)
	if err != nil {
		return "", err
	}
	encoded, err := codec.Marshal(groupKey{
		Version:    groupVersion,
		Index:      index,
		Ratchet:    ratchet,
		SigningKey: s.state.SigningKey,
	})
	if err != nil {
		return "", fmt.Errorf("olm: encoding export: %w", err)
	}
	return encoding.EncodeToString(encoded), nil
}

// Pickle seals the session under pickleKey.
func (s *InboundGroupSession) Pickle(pickleKey []byte) ([]byte, error) {
	return sealPickle(pickleKey, pickleInboundGroup, &s.state)
}

// UnpickleInboundGroupSession opens a session sealed by Pickle.
func UnpickleInboundGroupSession(pickleKey, pickled []byte) (*InboundGroupSession, error) {
	session := &InboundGroupSession{}
	if err := openPickle(pickleKey, pickleInboundGroup, pickled, &session.state); err != nil {
		return nil, err
	}
	if len(session.state.SigningKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: signing key has wrong length", ErrBadPickle)
	}
	return session, nil
}

func parseGroupMessage(body string) (groupMessage, error) {
	var message groupMessage
	raw, err := encoding.DecodeString(body)
	if err != nil {
		return message, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := codec.Unmarshal(raw, &message); err != nil {
		return message, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if message.Version != groupVersion {
		return message, fmt.Errorf("%w: group message version %d", ErrBadMessage, message.Version)
	}
	return message, nil
}
