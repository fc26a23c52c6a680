// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/matrixcrypto/e2ee/e2eetest"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
)

func TestUnansweredKeyRequestIsResent(t *testing.T) {
	ctx := context.Background()
	hs := e2eetest.New(nil)
	fake := clock.Fake(time.Now())
	a := newTestDevice(t, hs, alice, aliceDev)
	b := newClockedTestDevice(t, hs, bob, bobDev, fake)
	hs.CreateRoom(testRoom, alice, bob)
	a.sync()
	b.sync()

	a.send(map[string]string{"body": "unreadable for now"})
	message := lastEvent(hs)
	base := hs.PendingToDevice(alice, aliceDev)

	if result := b.machine.Decrypt(ctx, message); !errors.Is(result.Err, UnknownSession) {
		t.Fatalf("decrypt without the key = %v, want UnknownSession", result.Err)
	}
	if got := hs.PendingToDevice(alice, aliceDev); got != base+1 {
		t.Fatalf("alice has %d pending to-device events, want %d", got, base+1)
	}
	outbound, err := a.store.GetOutboundGroupSession(ctx, testRoom)
	if err != nil {
		t.Fatalf("GetOutboundGroupSession: %v", err)
	}
	first, err := b.store.GetKeyRequest(ctx, testRoom, outbound.SessionID)
	if err != nil {
		t.Fatalf("GetKeyRequest: %v", err)
	}

	// Within the backoff a second failure does not send again.
	b.machine.Decrypt(ctx, message)
	if got := hs.PendingToDevice(alice, aliceDev); got != base+1 {
		t.Fatalf("request re-sent within the backoff: %d pending, want %d", got, base+1)
	}

	fake.Advance(keyRequestBackoff.delay(first.Attempts))
	b.machine.Decrypt(ctx, message)
	if got := hs.PendingToDevice(alice, aliceDev); got != base+2 {
		t.Fatalf("request not re-sent after the backoff: %d pending, want %d", got, base+2)
	}
	again, err := b.store.GetKeyRequest(ctx, testRoom, first.SessionID)
	if err != nil {
		t.Fatalf("GetKeyRequest after re-send: %v", err)
	}
	if again.RequestID != first.RequestID {
		t.Fatalf("re-sent request ID = %s, want %s", again.RequestID, first.RequestID)
	}
	if again.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", again.Attempts)
	}
}

func TestKeyRequestBackoffGrows(t *testing.T) {
	if keyRequestBackoff.delay(2) <= keyRequestBackoff.delay(1) {
		t.Fatal("second re-send does not wait longer than the first")
	}
	if got := keyRequestBackoff.delay(30); got != keyRequestBackoff.maximum {
		t.Fatalf("delay(30) = %v, want the maximum %v", got, keyRequestBackoff.maximum)
	}
}
