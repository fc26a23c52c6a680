// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for the Matrix identifiers
// the encryption engine handles: user IDs, device IDs, room IDs, event
// IDs, and event types.
//
// Each identifier is parsed once at the boundary (sync responses, key
// query responses, CLI flags) and then travels through the engine as a
// typed value, so a device ID can never be passed where a user ID is
// expected. All types implement encoding.TextMarshaler and
// encoding.TextUnmarshaler, which makes them usable as JSON map keys and
// as CBOR text strings in store records (see lib/codec).
//
// The zero value of every type is "unset"; use IsZero to check.
package ref
