// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/matrixcrypto/lib/codec"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
)

// MessageType distinguishes the two pairwise wire formats.
type MessageType int

const (
	// MessageTypePreKey carries the key agreement header alongside the
	// first messages of a session, so the receiver can create its side.
	MessageTypePreKey MessageType = 0
	// MessageTypeNormal is sent once the initiator has heard back.
	MessageTypeNormal MessageType = 1
)

const (
	// MaxSkippedMessageKeys bounds how many out-of-order message keys a
	// session remembers.
	MaxSkippedMessageKeys = 40

	// maxChainGap bounds how far ahead of the receiving chain a single
	// message may claim to be.
	maxChainGap = 2000

	rootInfo = "BUREAU_OLM_ROOT"
)

// Session is one side of a pairwise channel.
type Session struct {
	state sessionState
}

type sessionState struct {
	ID              string          `cbor:"id"`
	TheirIdentity   [keyLength]byte `cbor:"their_identity"`
	Initiator       bool            `cbor:"initiator"`
	ReceivedMessage bool            `cbor:"received_message"`
	Header          preKeyHeader    `cbor:"header"`
	Send            chain           `cbor:"send"`
	Receive         chain           `cbor:"receive"`
	Skipped         []chain         `cbor:"skipped,omitempty"`
}

type chain struct {
	Key   [keyLength]byte `cbor:"key"`
	Index uint32          `cbor:"index"`
}

func (c chain) next() chain {
	return chain{Key: advance(contextChainAdvance, c.Key), Index: c.Index + 1}
}

type preKeyHeader struct {
	OneTimeKey  [keyLength]byte `cbor:"one_time_key"`
	BaseKey     [keyLength]byte `cbor:"base_key"`
	IdentityKey [keyLength]byte `cbor:"identity_key"`
}

func (h preKeyHeader) sessionID() string {
	hasher := blake3.NewDeriveKey(contextSessionID)
	hasher.Write(h.IdentityKey[:])
	hasher.Write(h.BaseKey[:])
	hasher.Write(h.OneTimeKey[:])
	return EncodeKey(hasher.Sum(nil))
}

type normalMessage struct {
	Index      uint32 `cbor:"index"`
	Ciphertext []byte `cbor:"ciphertext"`
}

type preKeyMessage struct {
	Header  preKeyHeader  `cbor:"header"`
	Message normalMessage `cbor:"message"`
}

// deriveChains expands the triple-DH secret into the initiator's and
// responder's sending chains.
func deriveChains(parts ...[]byte) (initiator, responder chain, err error) {
	var shared []byte
	for _, part := range parts {
		shared = append(shared, part...)
		secret.Zero(part)
	}
	defer secret.Zero(shared)

	reader := hkdf.New(sha256.New, shared, nil, []byte(rootInfo))
	if _, err := reader.Read(initiator.Key[:]); err != nil {
		return chain{}, chain{}, fmt.Errorf("olm: deriving chains: %w", err)
	}
	if _, err := reader.Read(responder.Key[:]); err != nil {
		return chain{}, chain{}, fmt.Errorf("olm: deriving chains: %w", err)
	}
	return initiator, responder, nil
}

// NewOutboundSession starts a session toward the device whose identity
// key and claimed one-time key are given (both base64).
func NewOutboundSession(account *Account, theirIdentityKey, theirOneTimeKey string) (*Session, error) {
	theirIdentity, err := decodeCurveKey(theirIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("olm: their identity key: %w", err)
	}
	theirOneTime, err := decodeCurveKey(theirOneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("olm: their one-time key: %w", err)
	}
	base, err := newCurveKeyPair()
	if err != nil {
		return nil, err
	}
	defer secret.Zero(base.Private[:])

	first, err := sharedSecret(account.state.Identity.Private, theirOneTime)
	if err != nil {
		return nil, err
	}
	second, err := sharedSecret(base.Private, theirIdentity)
	if err != nil {
		return nil, err
	}
	third, err := sharedSecret(base.Private, theirOneTime)
	if err != nil {
		return nil, err
	}
	initiator, responder, err := deriveChains(first, second, third)
	if err != nil {
		return nil, err
	}

	header := preKeyHeader{
		OneTimeKey:  theirOneTime,
		BaseKey:     base.Public,
		IdentityKey: account.state.Identity.Public,
	}
	return &Session{state: sessionState{
		ID:            header.sessionID(),
		TheirIdentity: theirIdentity,
		Initiator:     true,
		Header:        header,
		Send:          initiator,
		Receive:       responder,
	}}, nil
}

// NewInboundSession creates the responder side from a pre-key message
// sent by theirIdentityKey. The one-time key the message names is
// removed from account; the caller must persist the account and the
// new session together. The message itself is not decrypted.
func NewInboundSession(account *Account, theirIdentityKey, body string) (*Session, error) {
	message, err := parsePreKeyMessage(body)
	if err != nil {
		return nil, err
	}
	header := message.Header
	if EncodeKey(header.IdentityKey[:]) != theirIdentityKey {
		return nil, fmt.Errorf("%w: sender identity key differs from header", ErrSessionMismatch)
	}
	oneTime, ok := account.findOneTimeKey(header.OneTimeKey)
	if !ok {
		return nil, ErrUnknownOneTimeKey
	}

	first, err := sharedSecret(oneTime.Private, header.IdentityKey)
	if err != nil {
		return nil, err
	}
	second, err := sharedSecret(account.state.Identity.Private, header.BaseKey)
	if err != nil {
		return nil, err
	}
	third, err := sharedSecret(oneTime.Private, header.BaseKey)
	if err != nil {
		return nil, err
	}
	initiator, responder, err := deriveChains(first, second, third)
	if err != nil {
		return nil, err
	}
	if _, err := account.removeOneTimeKey(header.OneTimeKey); err != nil {
		return nil, err
	}

	return &Session{state: sessionState{
		ID:            header.sessionID(),
		TheirIdentity: header.IdentityKey,
		Header:        header,
		Send:          responder,
		Receive:       initiator,
	}}, nil
}

// PreKeySessionID returns the id of the session a pre-key message
// would create, without touching any account.
func PreKeySessionID(body string) (string, error) {
	message, err := parsePreKeyMessage(body)
	if err != nil {
		return "", err
	}
	return message.Header.sessionID(), nil
}

// ID identifies the session on both sides.
func (s *Session) ID() string { return s.state.ID }

// TheirIdentityKey returns the remote device's base64 identity key.
func (s *Session) TheirIdentityKey() string { return EncodeKey(s.state.TheirIdentity[:]) }

// HasReceivedMessage reports whether a message from the other side has
// been decrypted.
func (s *Session) HasReceivedMessage() bool { return s.state.ReceivedMessage }

// MatchesInboundSession reports whether a pre-key message belongs to
// this session.
func (s *Session) MatchesInboundSession(body string) bool {
	id, err := PreKeySessionID(body)
	return err == nil && id == s.state.ID
}

// Clone returns an independent copy.
func (s *Session) Clone() *Session {
	clone := &Session{state: s.state}
	clone.state.Skipped = append([]chain(nil), s.state.Skipped...)
	return clone
}

func (s *Session) additionalData(index uint32) []byte {
	data := make([]byte, len(s.state.ID)+4)
	copy(data, s.state.ID)
	binary.BigEndian.PutUint32(data[len(s.state.ID):], index)
	return data
}

// Encrypt advances the sending chain and returns the message type and
// base64 body.
func (s *Session) Encrypt(plaintext []byte) (MessageType, string, error) {
	current := s.state.Send
	ciphertext, err := seal(contextChainMessage, current.Key, plaintext, s.additionalData(current.Index))
	if err != nil {
		return 0, "", err
	}
	inner := normalMessage{Index: current.Index, Ciphertext: ciphertext}

	messageType := MessageTypeNormal
	var payload any = inner
	if s.state.Initiator && !s.state.ReceivedMessage {
		messageType = MessageTypePreKey
		payload = preKeyMessage{Header: s.state.Header, Message: inner}
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("olm: encoding message: %w", err)
	}

	s.state.Send = current.next()
	return messageType, encoding.EncodeToString(encoded), nil
}

// Decrypt authenticates and decrypts a message. Messages may arrive
// out of order within MaxSkippedMessageKeys; each message key opens
// exactly one message.
func (s *Session) Decrypt(messageType MessageType, body string) ([]byte, error) {
	var message normalMessage
	switch messageType {
	case MessageTypePreKey:
		preKey, err := parsePreKeyMessage(body)
		if err != nil {
			return nil, err
		}
		if preKey.Header.sessionID() != s.state.ID {
			return nil, ErrSessionMismatch
		}
		message = preKey.Message
	case MessageTypeNormal:
		raw, err := encoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		if err := codec.Unmarshal(raw, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrBadMessage, messageType)
	}

	receive := s.state.Receive
	skipped := append([]chain(nil), s.state.Skipped...)
	var key [keyLength]byte

	if message.Index < receive.Index {
		found := -1
		for i, entry := range skipped {
			if entry.Index == message.Index {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, ErrMessageKeyConsumed
		}
		key = skipped[found].Key
		skipped = append(skipped[:found], skipped[found+1:]...)
	} else {
		if message.Index-receive.Index > maxChainGap {
			return nil, ErrTooManySkipped
		}
		for receive.Index < message.Index {
			skipped = append(skipped, receive)
			receive = receive.next()
		}
		key = receive.Key
		receive = receive.next()
		if excess := len(skipped) - MaxSkippedMessageKeys; excess > 0 {
			skipped = skipped[excess:]
		}
	}

	plaintext, err := open(contextChainMessage, key, message.Ciphertext, s.additionalData(message.Index))
	if err != nil {
		return nil, err
	}

	s.state.Receive = receive
	s.state.Skipped = skipped
	s.state.ReceivedMessage = true
	return plaintext, nil
}

// Pickle seals the session under pickleKey.
func (s *Session) Pickle(pickleKey []byte) ([]byte, error) {
	return sealPickle(pickleKey, pickleSession, &s.state)
}

// UnpickleSession opens a session sealed by Pickle.
func UnpickleSession(pickleKey, pickled []byte) (*Session, error) {
	session := &Session{}
	if err := openPickle(pickleKey, pickleSession, pickled, &session.state); err != nil {
		return nil, err
	}
	return session, nil
}

func parsePreKeyMessage(body string) (preKeyMessage, error) {
	var message preKeyMessage
	raw, err := encoding.DecodeString(body)
	if err != nil {
		return message, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := codec.Unmarshal(raw, &message); err != nil {
		return message, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return message, nil
}
