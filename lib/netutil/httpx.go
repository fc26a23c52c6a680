// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds reads of homeserver responses. A full key
// backup download is the largest body the engine reads; everything
// else is a few kilobytes.
package netutil

import (
	"errors"
	"io"
)

// MaxResponseSize bounds a single JSON response body: 256 MB.
const MaxResponseSize int64 = 256 << 20

// ErrResponseTooLarge is returned when a body exceeds the bound. The
// body is not truncated silently: a partial key backup would decode as
// a valid but incomplete one.
var ErrResponseTooLarge = errors.New("netutil: response body exceeds size limit")

// ReadResponse reads a response body of at most MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return readLimited(body, MaxResponseSize)
}

func readLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}
