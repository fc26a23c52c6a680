// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "github.com/bureau-foundation/matrixcrypto/lib/ref"

// Event types the engine consumes or sends.
const (
	TypeEncrypted        ref.EventType = "m.room.encrypted"
	TypeEncryption       ref.EventType = "m.room.encryption"
	TypeMember           ref.EventType = "m.room.member"
	TypeMessage          ref.EventType = "m.room.message"
	TypeRoomKey          ref.EventType = "m.room_key"
	TypeForwardedRoomKey ref.EventType = "m.forwarded_room_key"
	TypeRoomKeyRequest   ref.EventType = "m.room_key_request"
	TypeDummy            ref.EventType = "m.dummy"

	TypeVerificationRequest ref.EventType = "m.key.verification.request"
	TypeVerificationReady   ref.EventType = "m.key.verification.ready"
	TypeVerificationStart   ref.EventType = "m.key.verification.start"
	TypeVerificationAccept  ref.EventType = "m.key.verification.accept"
	TypeVerificationKey     ref.EventType = "m.key.verification.key"
	TypeVerificationMAC     ref.EventType = "m.key.verification.mac"
	TypeVerificationCancel  ref.EventType = "m.key.verification.cancel"
	TypeVerificationDone    ref.EventType = "m.key.verification.done"
)

// Algorithm identifiers.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// Message types carried in m.room.message.
const (
	MsgTypeVerificationRequest = "m.key.verification.request"
	MsgTypeText                = "m.text"
)

// Membership values the engine acts on.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// Room key request actions.
const (
	KeyRequestActionRequest      = "request"
	KeyRequestActionCancellation = "request_cancellation"
)

// IsVerification reports whether t is one of the verification event
// types.
func IsVerification(t ref.EventType) bool {
	switch t {
	case TypeVerificationRequest, TypeVerificationReady, TypeVerificationStart,
		TypeVerificationAccept, TypeVerificationKey, TypeVerificationMAC,
		TypeVerificationCancel, TypeVerificationDone:
		return true
	}
	return false
}
