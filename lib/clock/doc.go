// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that the encryption engine's timing
// rules are testable: outbound session age limits, the verification
// timestamp window and transaction timeouts, and retry backoff.
//
// Production code receives [Real]; tests receive [Fake] and move time
// with [FakeClock.Advance]. No engine code calls time.Now or time.After
// directly.
package clock
