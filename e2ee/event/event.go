// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
)

// Event is a raw event as delivered by sync, in a room timeline or as
// a to-device message.
type Event struct {
	Type           ref.EventType   `json:"type"`
	Sender         ref.UserID      `json:"sender"`
	EventID        string          `json:"event_id,omitempty"`
	RoomID         ref.RoomID      `json:"room_id,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
}

// Timestamp converts OriginServerTS. Zero when the event carries none
// (to-device events).
func (e Event) Timestamp() time.Time {
	if e.OriginServerTS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.OriginServerTS)
}

// Content is implemented by every decoded content variant.
type Content interface {
	EventType() ref.EventType
}

// Parse decodes e.Content into its variant. An unknown type returns
// Unrecognized and no error; a known type whose content does not
// decode returns an error.
func Parse(e Event) (Content, error) {
	var content Content
	switch e.Type {
	case TypeEncrypted:
		content = &Encrypted{}
	case TypeEncryption:
		content = &Encryption{}
	case TypeMember:
		content = &Member{}
	case TypeMessage:
		return parseMessage(e)
	case TypeRoomKey:
		content = &RoomKey{}
	case TypeForwardedRoomKey:
		content = &ForwardedRoomKey{}
	case TypeRoomKeyRequest:
		content = &RoomKeyRequest{}
	case TypeDummy:
		content = &Dummy{}
	case TypeVerificationRequest:
		content = &VerificationRequest{}
	case TypeVerificationReady:
		content = &VerificationReady{}
	case TypeVerificationStart:
		content = &VerificationStart{}
	case TypeVerificationAccept:
		content = &VerificationAccept{}
	case TypeVerificationKey:
		content = &VerificationKey{}
	case TypeVerificationMAC:
		content = &VerificationMAC{}
	case TypeVerificationCancel:
		content = &VerificationCancel{}
	case TypeVerificationDone:
		content = &VerificationDone{}
	default:
		return &Unrecognized{Type: e.Type, Raw: e.Content}, nil
	}
	if err := json.Unmarshal(e.Content, content); err != nil {
		return nil, fmt.Errorf("event: decoding %s: %w", e.Type, err)
	}
	return content, nil
}

// parseMessage separates in-room verification requests from ordinary
// messages, which the engine does not interpret.
func parseMessage(e Event) (Content, error) {
	var peek struct {
		MsgType string `json:"msgtype"`
	}
	if err := json.Unmarshal(e.Content, &peek); err != nil {
		return nil, fmt.Errorf("event: decoding %s: %w", e.Type, err)
	}
	if peek.MsgType != MsgTypeVerificationRequest {
		return &Unrecognized{Type: e.Type, Raw: e.Content}, nil
	}
	request := &VerificationRequest{}
	if err := json.Unmarshal(e.Content, request); err != nil {
		return nil, fmt.Errorf("event: decoding in-room verification request: %w", err)
	}
	return request, nil
}

// Unrecognized holds content of a type the engine does not interpret.
type Unrecognized struct {
	Type ref.EventType
	Raw  json.RawMessage
}

func (u *Unrecognized) EventType() ref.EventType { return u.Type }

// Dummy is sent to unwedge a pairwise session.
type Dummy struct{}

func (*Dummy) EventType() ref.EventType { return TypeDummy }

// Encrypted is m.room.encrypted content. Group ciphertext is a single
// string; pairwise ciphertext maps each recipient identity key to its
// message.
type Encrypted struct {
	Algorithm string
	SenderKey string
	DeviceID  string
	SessionID string

	GroupCiphertext string
	OlmCiphertext   map[string]OlmCiphertext

	RelatesTo *RelatesTo
}

// OlmCiphertext is one recipient's pairwise message.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

type encryptedWire struct {
	Algorithm  string          `json:"algorithm"`
	SenderKey  string          `json:"sender_key,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Ciphertext json.RawMessage `json:"ciphertext"`
	RelatesTo  *RelatesTo      `json:"m.relates_to,omitempty"`
}

func (*Encrypted) EventType() ref.EventType { return TypeEncrypted }

func (e *Encrypted) UnmarshalJSON(data []byte) error {
	var wire encryptedWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Encrypted{
		Algorithm: wire.Algorithm,
		SenderKey: wire.SenderKey,
		DeviceID:  wire.DeviceID,
		SessionID: wire.SessionID,
		RelatesTo: wire.RelatesTo,
	}
	switch wire.Algorithm {
	case AlgorithmMegolm:
		return json.Unmarshal(wire.Ciphertext, &e.GroupCiphertext)
	case AlgorithmOlm:
		return json.Unmarshal(wire.Ciphertext, &e.OlmCiphertext)
	default:
		return fmt.Errorf("unsupported algorithm %q", wire.Algorithm)
	}
}

func (e Encrypted) MarshalJSON() ([]byte, error) {
	wire := encryptedWire{
		Algorithm: e.Algorithm,
		SenderKey: e.SenderKey,
		DeviceID:  e.DeviceID,
		SessionID: e.SessionID,
		RelatesTo: e.RelatesTo,
	}
	var err error
	if e.Algorithm == AlgorithmOlm {
		wire.Ciphertext, err = json.Marshal(e.OlmCiphertext)
	} else {
		wire.Ciphertext, err = json.Marshal(e.GroupCiphertext)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// Encryption is m.room.encryption state content.
type Encryption struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMS   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int    `json:"rotation_period_msgs,omitempty"`
}

func (*Encryption) EventType() ref.EventType { return TypeEncryption }

// RotationPeriod converts RotationPeriodMS.
func (e *Encryption) RotationPeriod() time.Duration {
	return time.Duration(e.RotationPeriodMS) * time.Millisecond
}

// Member is m.room.member state content. The affected user is the
// event's state key.
type Member struct {
	Membership string `json:"membership"`
}

func (*Member) EventType() ref.EventType { return TypeMember }

// RoomKey carries a group session key over a pairwise session.
type RoomKey struct {
	Algorithm  string     `json:"algorithm"`
	RoomID     ref.RoomID `json:"room_id"`
	SessionID  string     `json:"session_id"`
	SessionKey string     `json:"session_key"`
}

func (*RoomKey) EventType() ref.EventType { return TypeRoomKey }

// ForwardedRoomKey carries an exported group session key, in answer to
// a key request.
type ForwardedRoomKey struct {
	Algorithm                    string     `json:"algorithm"`
	RoomID                       ref.RoomID `json:"room_id"`
	SenderKey                    string     `json:"sender_key"`
	SessionID                    string     `json:"session_id"`
	SessionKey                   string     `json:"session_key"`
	SenderClaimedEd25519Key      string     `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519KeyChain []string   `json:"forwarding_curve25519_key_chain"`
}

func (*ForwardedRoomKey) EventType() ref.EventType { return TypeForwardedRoomKey }

// RoomKeyRequest asks the recipient's devices to forward a session.
type RoomKeyRequest struct {
	Action             string            `json:"action"`
	Body               *RequestedKeyInfo `json:"body,omitempty"`
	RequestingDeviceID ref.DeviceID      `json:"requesting_device_id"`
	RequestID          string            `json:"request_id"`
}

func (*RoomKeyRequest) EventType() ref.EventType { return TypeRoomKeyRequest }

// RequestedKeyInfo identifies the requested session.
type RequestedKeyInfo struct {
	Algorithm string     `json:"algorithm"`
	RoomID    ref.RoomID `json:"room_id"`
	SenderKey string     `json:"sender_key"`
	SessionID string     `json:"session_id"`
}
