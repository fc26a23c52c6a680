// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the parts of the Matrix client-server API the
// encryption engine talks to.
//
// [Client] is an unauthenticated client holding the homeserver URL and
// HTTP transport; it performs password login and wraps existing access
// tokens. [DirectSession] adds an access token (held in a mmap-backed
// secret.Buffer) and implements [Session]: incremental sync with
// long-polling, room and to-device sends, room membership, the key
// endpoints (upload, query, claim), and the server-side key backup
// endpoints (room_keys version and keys).
//
// All API errors are returned as [*MatrixError] with the standard Matrix
// error code and HTTP status code. [IsMatrixError] tests for a specific
// error code and [IsTransient] classifies errors worth retrying. Request
// URLs are built by string concatenation rather than url.URL to avoid
// double-encoding of escaped path segments.
package messaging
