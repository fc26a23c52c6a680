// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package event is the typed model of the Matrix events the encryption
// engine consumes and produces.
//
// Sync hands the engine raw [Event] envelopes. [Parse] decodes an
// envelope's content exactly once into one concrete [Content] variant;
// an event type the engine does not handle becomes [Unrecognized]
// rather than a nil or a loosely typed map. Everything downstream
// switches on the concrete type.
//
// Verification events share [VerificationBase], which resolves the
// transaction id from either the to-device transaction_id field or the
// in-room m.relates_to reference.
package event
