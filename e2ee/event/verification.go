// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "github.com/bureau-foundation/matrixcrypto/lib/ref"

// Verification method and SAS parameters this engine speaks.
const (
	MethodSAS = "m.sas.v1"

	KeyAgreementCurve25519 = "curve25519-hkdf-sha256"
	HashSHA256             = "sha256"
	MACBlake3              = "org.bureau.blake3-keyed"
	SASEmoji               = "emoji"
	SASDecimal             = "decimal"
)

// RelatesTo links an in-room verification event to the request that
// opened the transaction.
type RelatesTo struct {
	RelType string `json:"rel_type"`
	EventID string `json:"event_id"`
}

// RelTypeReference is the relation used by in-room verification.
const RelTypeReference = "m.reference"

// VerificationContent is implemented by every verification variant.
type VerificationContent interface {
	Content
	Transaction() string
	SetTransaction(id string, inRoom bool)
}

// VerificationBase carries the transaction reference common to all
// verification events.
type VerificationBase struct {
	TransactionID string     `json:"transaction_id,omitempty"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

// Transaction returns the to-device transaction id, or the referenced
// request event id for in-room verification.
func (b *VerificationBase) Transaction() string {
	if b.TransactionID != "" {
		return b.TransactionID
	}
	if b.RelatesTo != nil {
		return b.RelatesTo.EventID
	}
	return ""
}

// SetTransaction fills whichever field the transport uses.
func (b *VerificationBase) SetTransaction(id string, inRoom bool) {
	if inRoom {
		b.TransactionID = ""
		b.RelatesTo = &RelatesTo{RelType: RelTypeReference, EventID: id}
		return
	}
	b.TransactionID = id
	b.RelatesTo = nil
}

// VerificationRequest opens a transaction. In a room it is an
// m.room.message whose event id becomes the transaction id.
type VerificationRequest struct {
	VerificationBase
	MsgType    string       `json:"msgtype,omitempty"`
	Body       string       `json:"body,omitempty"`
	To         ref.UserID   `json:"to,omitempty"`
	FromDevice ref.DeviceID `json:"from_device"`
	Methods    []string     `json:"methods"`

	// Timestamp is milliseconds since the epoch, set by the sender for
	// to-device requests.
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (r *VerificationRequest) EventType() ref.EventType {
	if r.MsgType == MsgTypeVerificationRequest {
		return TypeMessage
	}
	return TypeVerificationRequest
}

// VerificationReady accepts a request and lists the methods in common.
type VerificationReady struct {
	VerificationBase
	FromDevice ref.DeviceID `json:"from_device"`
	Methods    []string     `json:"methods"`
}

func (*VerificationReady) EventType() ref.EventType { return TypeVerificationReady }

// VerificationStart begins a method.
type VerificationStart struct {
	VerificationBase
	FromDevice                 ref.DeviceID `json:"from_device"`
	Method                     string       `json:"method"`
	KeyAgreementProtocols      []string     `json:"key_agreement_protocols"`
	Hashes                     []string     `json:"hashes"`
	MessageAuthenticationCodes []string     `json:"message_authentication_codes"`
	ShortAuthenticationString  []string     `json:"short_authentication_string"`
}

func (*VerificationStart) EventType() ref.EventType { return TypeVerificationStart }

// VerificationAccept commits to a public key and picks parameters.
type VerificationAccept struct {
	VerificationBase
	Method                    string   `json:"method,omitempty"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`
	Commitment                string   `json:"commitment"`
}

func (*VerificationAccept) EventType() ref.EventType { return TypeVerificationAccept }

// VerificationKey carries an ephemeral public key.
type VerificationKey struct {
	VerificationBase
	Key string `json:"key"`
}

func (*VerificationKey) EventType() ref.EventType { return TypeVerificationKey }

// VerificationMAC carries MACs of the sender's keys.
type VerificationMAC struct {
	VerificationBase
	Keys string            `json:"keys"`
	MAC  map[string]string `json:"mac"`
}

func (*VerificationMAC) EventType() ref.EventType { return TypeVerificationMAC }

// VerificationCancel ends a transaction.
type VerificationCancel struct {
	VerificationBase
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func (*VerificationCancel) EventType() ref.EventType { return TypeVerificationCancel }

// VerificationDone confirms the sender considers the transaction
// complete.
type VerificationDone struct {
	VerificationBase
}

func (*VerificationDone) EventType() ref.EventType { return TypeVerificationDone }
