// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// isTransientError reports whether err is worth retrying locally:
// transport failures, rate limits, server errors, and lost
// compare-and-swap races. Integrity failures are never transient.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrConflict) {
		return true
	}
	if errors.Is(err, ErrSignatureInvalid) || errors.Is(err, store.ErrCorruption) {
		return false
	}
	var decryptErr *DecryptionError
	if errors.As(err, &decryptErr) {
		return false
	}
	return messaging.IsTransient(err)
}

// networkBackoff and networkAttempts govern retries of single server
// calls made inline with an operation.
var networkBackoff = backoff{initial: 500 * time.Millisecond, maximum: 30 * time.Second}

const networkAttempts = 5

// backoff computes exponentially growing delays between initial and
// maximum.
type backoff struct {
	initial time.Duration
	maximum time.Duration
}

// delay returns the wait before retry number attempt (1-based).
func (b backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := b.initial
	for range attempt - 1 {
		delay *= 2
		if delay >= b.maximum {
			return b.maximum
		}
	}
	return min(delay, b.maximum)
}

// retryTransient calls operation until it succeeds, fails permanently,
// exhausts attempts, or ctx is cancelled. Waits use clk so tests can
// drive them.
func retryTransient(ctx context.Context, clk clock.Clock, logger *slog.Logger, policy backoff, attempts int, name string, operation func() error) error {
	var lastError error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(policy.delay(attempt)):
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastError = err

		if !isTransientError(err) {
			return err
		}

		logger.Warn("transient failure, retrying",
			"operation", name,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return lastError
}
