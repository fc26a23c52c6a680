// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a compare-and-swap write finds a
	// different version than the caller read.
	ErrConflict = errors.New("store: version conflict")

	// ErrCorruption is returned when a stored record cannot be decoded
	// or carries a schema this build does not understand.
	ErrCorruption = errors.New("store: corrupt record")
)
