// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"errors"
	"fmt"
)

// State is a transaction's position in the protocol.
type State int

const (
	Requested State = iota + 1
	Ready
	Started
	Accepted
	KeyExchanged
	MacExchanged
	Done
	Cancelled
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Ready:
		return "ready"
	case Started:
		return "started"
	case Accepted:
		return "accepted"
	case KeyExchanged:
		return "key_exchanged"
	case MacExchanged:
		return "mac_exchanged"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s absorbs every further event.
func (s State) Terminal() bool { return s == Done || s == Cancelled }

// parseState is the inverse of State.String for persisted records.
func parseState(raw string) (State, bool) {
	for s := Requested; s <= Cancelled; s++ {
		if s.String() == raw {
			return s, true
		}
	}
	return 0, false
}

// CancelCode is the reason a transaction was cancelled, as carried in
// m.key.verification.cancel.
type CancelCode string

const (
	CancelUser               CancelCode = "m.user"
	CancelTimeout            CancelCode = "m.timeout"
	CancelUnknownTransaction CancelCode = "m.unknown_transaction"
	CancelUnexpectedMessage  CancelCode = "m.unexpected_message"
	CancelKeyMismatch        CancelCode = "m.key_mismatch"
	CancelUserMismatch       CancelCode = "m.user_mismatch"
	CancelInvalidMessage     CancelCode = "m.invalid_message"

	// CancelTieBreak cancels the losing one of two concurrent
	// transactions between the same pair of devices.
	CancelTieBreak CancelCode = "org.bureau.tie_break"

	// CancelAccepted ends a transaction locally because another device
	// of the same account took it over. It is never sent by this
	// device.
	CancelAccepted CancelCode = "m.accepted"
)

// Error lets a bare code be used as an errors.Is target.
func (c CancelCode) Error() string { return "verification: cancelled: " + string(c) }

// CancelledError describes how a transaction ended when it did not
// complete.
type CancelledError struct {
	Code   CancelCode
	Reason string

	// ByPeer is set when the other party sent the cancellation.
	ByPeer bool
}

func (e *CancelledError) Error() string {
	who := "locally"
	if e.ByPeer {
		who = "by peer"
	}
	if e.Reason == "" {
		return fmt.Sprintf("verification: cancelled %s: %s", who, e.Code)
	}
	return fmt.Sprintf("verification: cancelled %s: %s (%s)", who, e.Code, e.Reason)
}

// Is matches a bare CancelCode or another *CancelledError with the
// same code.
func (e *CancelledError) Is(target error) bool {
	switch target := target.(type) { //nolint:errorlint // comparing codes, not unwrapping
	case CancelCode:
		return e.Code == target
	case *CancelledError:
		return e.Code == target.Code
	}
	return false
}

var (
	// ErrUnknownTransaction is returned by operations naming a
	// transaction the manager does not hold.
	ErrUnknownTransaction = errors.New("verification: unknown transaction")

	// ErrInvalidState is returned when an operation is not valid in the
	// transaction's current state.
	ErrInvalidState = errors.New("verification: operation not valid in current state")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("verification: manager closed")
)
