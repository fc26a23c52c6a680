// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"errors"
	"fmt"
)

// DecryptionCode classifies why an event could not be decrypted.
type DecryptionCode int

const (
	// UnknownSession means no session able to decrypt the event is
	// held. It is the only retryable code: the key may still arrive.
	UnknownSession DecryptionCode = iota + 1

	// ReplayAttack means the ciphertext reuses a message index that was
	// already consumed with different content, or arrives below the
	// session's high-water mark.
	ReplayAttack

	// CipherFailure means the ciphertext is malformed, fails
	// authentication, or carries a payload inconsistent with its
	// envelope.
	CipherFailure

	// ForwardingTrustIssue means a room key arrived through a device
	// that is neither the session's creator nor one of this account's
	// verified devices.
	ForwardingTrustIssue
)

func (c DecryptionCode) String() string {
	switch c {
	case UnknownSession:
		return "unknown_session"
	case ReplayAttack:
		return "replay_attack"
	case CipherFailure:
		return "cipher_failure"
	case ForwardingTrustIssue:
		return "forwarding_trust_issue"
	default:
		return fmt.Sprintf("decryption_code(%d)", int(c))
	}
}

// Error lets a bare code be used as an errors.Is target:
//
//	if errors.Is(result.Err, e2ee.ReplayAttack) { ... }
func (c DecryptionCode) Error() string { return "e2ee: " + c.String() }

// DecryptionError is the failure half of a DecryptResult.
type DecryptionError struct {
	Code DecryptionCode

	// SessionID identifies the session involved, when known.
	SessionID string

	// Err is the underlying cause, if any.
	Err error
}

func (e *DecryptionError) Error() string {
	message := "e2ee: " + e.Code.String()
	if e.SessionID != "" {
		message += " (session " + e.SessionID + ")"
	}
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Is matches another *DecryptionError or a bare DecryptionCode with
// the same code.
func (e *DecryptionError) Is(target error) bool {
	switch target := target.(type) { //nolint:errorlint // comparing codes, not unwrapping
	case DecryptionCode:
		return e.Code == target
	case *DecryptionError:
		return e.Code == target.Code
	}
	return false
}

// Retryable reports whether the failure may resolve once a missing key
// arrives.
func (e *DecryptionError) Retryable() bool { return e.Code == UnknownSession }

func decryptionError(code DecryptionCode, sessionID string, err error) *DecryptionError {
	return &DecryptionError{Code: code, SessionID: sessionID, Err: err}
}

var (
	// ErrNoOneTimeKeyAvailable is returned when a device has no one-time
	// key left to claim, so no new pairwise session can be started.
	ErrNoOneTimeKeyAvailable = errors.New("e2ee: no one-time key available")

	// ErrSignatureInvalid is returned when device keys or a one-time key
	// fail signature verification.
	ErrSignatureInvalid = errors.New("e2ee: signature invalid")

	// ErrRoomNotEncrypted is returned when encrypting for a room that
	// has no encryption state.
	ErrRoomNotEncrypted = errors.New("e2ee: room is not encrypted")

	// ErrClosed is returned by a Machine after Close or Logout.
	ErrClosed = errors.New("e2ee: machine closed")
)
