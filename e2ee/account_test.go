// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/matrixcrypto/e2ee/e2eetest"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/testutil"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/store"
)

func newTestAccount(t *testing.T, server KeyServer, st *store.Store, clk clock.Clock, userID ref.UserID, deviceID ref.DeviceID) *AccountManager {
	t.Helper()
	manager, err := NewAccountManager(AccountConfig{
		UserID:           userID,
		DeviceID:         deviceID,
		Store:            st,
		Server:           server,
		PickleKey:        testPickleKey(t),
		OneTimeKeyTarget: 10,
		Clock:            clk,
		Logger:           testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("NewAccountManager: %v", err)
	}
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return manager
}

// driveRetries advances fake through the backoff of n failed attempts.
func driveRetries(fake *clock.FakeClock, n int) {
	for attempt := 1; attempt <= n; attempt++ {
		fake.WaitForTimers(1)
		fake.Advance(networkBackoff.delay(attempt))
	}
}

func TestPublishKeysRetriesTransientFailures(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	hs := e2eetest.New(fake)
	st := store.New(store.NewMemory(), testutil.Logger(t))
	manager := newTestAccount(t, hs.Client(alice, aliceDev), st, fake, alice, aliceDev)

	hs.FailNext(e2eetest.OpUploadKeys, 2)
	done := make(chan error, 1)
	go func() { done <- manager.PublishKeys(context.Background()) }()
	driveRetries(fake, 2)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "PublishKeys did not return"); err != nil {
		t.Fatalf("PublishKeys: %v", err)
	}
	if got := hs.OneTimeKeyCount(alice, aliceDev); got != 10 {
		t.Fatalf("server holds %d one-time keys, want 10", got)
	}

	record, err := st.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !record.DeviceKeysPublished || record.ServerOneTimeKeyCount != 10 {
		t.Fatalf("account record = published %v, count %d", record.DeviceKeysPublished, record.ServerOneTimeKeyCount)
	}
}

func TestFailedPublishReuploadsSameKeys(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	hs := e2eetest.New(fake)
	st := store.New(store.NewMemory(), testutil.Logger(t))
	manager := newTestAccount(t, hs.Client(alice, aliceDev), st, fake, alice, aliceDev)

	hs.FailNext(e2eetest.OpUploadKeys, networkAttempts)
	done := make(chan error, 1)
	go func() { done <- manager.PublishKeys(context.Background()) }()
	driveRetries(fake, networkAttempts-1)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "PublishKeys did not return"); err == nil {
		t.Fatal("PublishKeys succeeded with the server down")
	}

	// The keys generated for the failed attempt are the ones uploaded
	// now; the pool does not grow past the target.
	if err := manager.PublishKeys(context.Background()); err != nil {
		t.Fatalf("second PublishKeys: %v", err)
	}
	if got := hs.OneTimeKeyCount(alice, aliceDev); got != 10 {
		t.Fatalf("server holds %d one-time keys, want 10", got)
	}
	if err := manager.PublishKeys(context.Background()); err != nil {
		t.Fatalf("third PublishKeys: %v", err)
	}
	if got := hs.OneTimeKeyCount(alice, aliceDev); got != 10 {
		t.Fatalf("idle publish changed the pool to %d keys", got)
	}
}

func TestOneTimeKeysReplenishedBelowHalfTarget(t *testing.T) {
	ctx := context.Background()
	hs := e2eetest.New(nil)
	st := store.New(store.NewMemory(), testutil.Logger(t))
	manager := newTestAccount(t, hs.Client(alice, aliceDev), st, clock.Real(), alice, aliceDev)
	if err := manager.PublishKeys(ctx); err != nil {
		t.Fatalf("PublishKeys: %v", err)
	}

	claimer := hs.Client(bob, bobDev)
	claim := func(n int) {
		for range n {
			_, err := claimer.ClaimKeys(ctx, messaging.KeysClaimRequest{
				OneTimeKeys: map[ref.UserID]map[string]string{alice: {aliceDev.String(): signedCurve25519}},
			})
			if err != nil {
				t.Fatalf("ClaimKeys: %v", err)
			}
		}
	}

	claim(4)
	if err := manager.HandleOneTimeKeyCounts(ctx, map[string]int{signedCurve25519: 6}); err != nil {
		t.Fatalf("HandleOneTimeKeyCounts: %v", err)
	}
	if got := hs.OneTimeKeyCount(alice, aliceDev); got != 6 {
		t.Fatalf("pool at half the target was replenished to %d", got)
	}

	claim(3)
	if err := manager.HandleOneTimeKeyCounts(ctx, map[string]int{signedCurve25519: 3}); err != nil {
		t.Fatalf("HandleOneTimeKeyCounts: %v", err)
	}
	if got := hs.OneTimeKeyCount(alice, aliceDev); got != 10 {
		t.Fatalf("server holds %d one-time keys after replenishing, want 10", got)
	}
}

func TestInitRejectsStoreOfAnotherDevice(t *testing.T) {
	hs := e2eetest.New(nil)
	st := store.New(store.NewMemory(), testutil.Logger(t))
	newTestAccount(t, hs.Client(alice, aliceDev), st, clock.Real(), alice, aliceDev)

	other, err := NewAccountManager(AccountConfig{
		UserID:           alice,
		DeviceID:         aliceOther,
		Store:            st,
		Server:           hs.Client(alice, aliceOther),
		PickleKey:        testPickleKey(t),
		OneTimeKeyTarget: 10,
		Logger:           testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("NewAccountManager: %v", err)
	}
	if err := other.Init(context.Background()); err == nil {
		t.Fatal("Init accepted an account stored for another device")
	}
}

func TestClaimedOneTimeKeyIsVerified(t *testing.T) {
	ctx := context.Background()
	hs := e2eetest.New(nil)
	a := newTestDevice(t, hs, alice, aliceDev)
	b := newTestDevice(t, hs, bob, bobDev)
	a.refresh(bob)

	device, err := a.store.GetDevice(ctx, bob, bobDev)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	key, err := a.machine.account.ClaimOneTimeKey(ctx, device)
	if err != nil {
		t.Fatalf("ClaimOneTimeKey: %v", err)
	}
	if key == "" {
		t.Fatal("claimed an empty key")
	}
	if b.machine.IdentityKeys().Curve25519 == key {
		t.Fatal("claimed key is the identity key")
	}
}
