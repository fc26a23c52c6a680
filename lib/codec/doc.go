// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the shared CBOR configuration for everything
// the encryption engine persists: store records, pickled ratchet state,
// and backup session payloads.
//
// The boundary between the two serialization formats is fixed:
//
//   - JSON for the Matrix wire: event content, key upload/query bodies,
//     signed objects (canonical JSON), backup auth data.
//   - CBOR for local state: store record envelopes, olm pickles, and
//     the plaintext of backed-up sessions before encryption.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical record always produces identical bytes. Store backends
// rely on this when comparing a freshly encoded record against what is
// already on disk.
//
// Types that implement encoding.TextMarshaler (the lib/ref identifiers)
// encode as CBOR text strings, so ref.UserID and friends can appear as
// map keys and struct fields in persisted records.
package codec
