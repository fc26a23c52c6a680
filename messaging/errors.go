// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
)

// MatrixError represents a structured error response from the Matrix homeserver.
// Callers can use errors.As to extract the structured information:
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) {
//	    if matrixErr.Code == ErrCodeNotFound { ... }
//	}
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN", "M_UNKNOWN_TOKEN").
	Code string `json:"errcode"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
	// CurrentVersion accompanies M_WRONG_ROOM_KEYS_VERSION and names the
	// backup version the server now holds.
	CurrentVersion string `json:"current_version,omitempty"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden            = "M_FORBIDDEN"
	ErrCodeUnknownToken         = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound             = "M_NOT_FOUND"
	ErrCodeLimitExceeded        = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized         = "M_UNRECOGNIZED"
	ErrCodeUnknown              = "M_UNKNOWN"
	ErrCodeInvalidParam         = "M_INVALID_PARAM"
	ErrCodeMissingParam         = "M_MISSING_PARAM"
	ErrCodeWrongRoomKeysVersion = "M_WRONG_ROOM_KEYS_VERSION"
)

// IsMatrixError checks whether err is a *MatrixError with the given error code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// IsTransient reports whether err is likely transient and worth
// retrying: connection failures, rate limiting (429), and server errors
// (5xx). Client errors (4xx except 429) indicate a permanent problem,
// and a cancelled or expired context is never retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		// 429 Too Many Requests: rate limit, transient.
		if matrixErr.StatusCode == 429 {
			return true
		}
		// 5xx: server error, transient.
		if matrixErr.StatusCode >= 500 {
			return true
		}
		// Other 4xx: client error, permanent.
		if matrixErr.StatusCode >= 400 {
			return false
		}
	}

	// Non-Matrix errors (connection refused, timeout, EOF) are transient.
	return true
}
