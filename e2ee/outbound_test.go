// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/matrixcrypto/e2ee/e2eetest"
	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
)

// encryptWithin encrypts content for testRoom and posts it, failing the
// test if encryption takes longer than limit of real time.
func encryptWithin(t *testing.T, d *testDevice, limit time.Duration, body string) {
	t.Helper()
	ctx := context.Background()
	type outcome struct {
		encrypted *event.Encrypted
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		encrypted, err := d.machine.EncryptRoomEvent(ctx, testRoom, event.TypeMessage, map[string]string{"body": body})
		done <- outcome{encrypted, err}
	}()
	select {
	case result := <-done:
		if result.err != nil {
			t.Fatalf("EncryptRoomEvent(%q): %v", body, result.err)
		}
		if _, err := d.client.SendEvent(ctx, testRoom, event.TypeEncrypted, result.encrypted); err != nil {
			t.Fatalf("SendEvent: %v", err)
		}
	case <-time.After(limit):
		t.Fatalf("EncryptRoomEvent(%q) blocked on a failing key share", body)
	}
}

func TestFailedShareIsRetriedWithFirstIndex(t *testing.T) {
	ctx := context.Background()
	hs := e2eetest.New(nil)
	fake := clock.Fake(time.Now())
	a := newClockedTestDevice(t, hs, alice, aliceDev, fake)
	b := newTestDevice(t, hs, bob, bobDev)
	hs.CreateRoom(testRoom, alice, bob)
	a.sync()
	b.sync()

	// Establish the pairwise channel so later shares only need to-device
	// sends.
	a.send(map[string]string{"body": "warmup"})
	onlyResult(t, b.sync(), testRoom)

	if err := a.machine.outbound.MarkRotationPending(ctx, testRoom, "test"); err != nil {
		t.Fatalf("MarkRotationPending: %v", err)
	}
	hs.FailNext(e2eetest.OpSendToDevice, 2)

	// Both messages go out under the new session while bob lacks its key.
	encryptWithin(t, a, 10*time.Second, "first")
	encryptWithin(t, a, 10*time.Second, "second")
	if pending := a.machine.outbound.pendingShares(); pending != 1 {
		t.Fatalf("pending shares = %d, want 1", pending)
	}

	fake.Advance(networkBackoff.delay(1))
	a.machine.outbound.retryDue(ctx)
	if pending := a.machine.outbound.pendingShares(); pending != 0 {
		t.Fatalf("pending shares after retry = %d, want 0", pending)
	}

	// The retried key starts at the index of the first message, so bob
	// reads both.
	results := b.sync().Rooms[testRoom]
	if len(results) != 2 {
		t.Fatalf("got %d timeline results, want 2", len(results))
	}
	for i, want := range []string{"first", "second"} {
		if results[i].Err != nil {
			t.Fatalf("message %q: %v", want, results[i].Err)
		}
		if body := decodedBody(t, results[i].Event); body != want {
			t.Fatalf("message %d body = %q, want %q", i, body, want)
		}
	}
}

func TestFirstDeviceFetchDoesNotRotate(t *testing.T) {
	ctx := context.Background()
	_, a, b := encryptedRoom(t)

	first := a.send(map[string]string{"body": "one"})
	a.sync()
	second := a.send(map[string]string{"body": "two"})
	if first.SessionID != second.SessionID {
		t.Fatal("session rotated after the first fetch of bob's devices")
	}
	sessions, err := a.store.ListInboundGroupSessions(ctx, testRoom)
	if err != nil {
		t.Fatalf("ListInboundGroupSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("alice holds %d inbound sessions, want 1", len(sessions))
	}

	results := b.sync().Rooms[testRoom]
	if len(results) != 2 {
		t.Fatalf("got %d timeline results, want 2", len(results))
	}
	for _, result := range results {
		if result.Err != nil {
			t.Fatalf("bob could not decrypt: %v", result.Err)
		}
	}
}
