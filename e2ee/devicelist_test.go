// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"sync"
	"testing"

	"github.com/bureau-foundation/matrixcrypto/e2ee/e2eetest"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/messaging"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []DeviceChange
}

func (r *changeRecorder) record(_ context.Context, change DeviceChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *changeRecorder) take() []DeviceChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	changes := r.changes
	r.changes = nil
	return changes
}

func queryDeviceKeys(t *testing.T, client *e2eetest.Client, userID ref.UserID, deviceID ref.DeviceID) messaging.DeviceKeys {
	t.Helper()
	response, err := client.QueryKeys(context.Background(), messaging.KeysQueryRequest{
		DeviceKeys: map[ref.UserID][]string{userID: {}},
	})
	if err != nil {
		t.Fatalf("QueryKeys: %v", err)
	}
	keys, ok := response.DeviceKeys[userID][deviceID.String()]
	if !ok {
		t.Fatalf("server does not list %s/%s", userID, deviceID)
	}
	return keys
}

func TestDeviceListReportsChanges(t *testing.T) {
	ctx := context.Background()
	hs := e2eetest.New(nil)
	a := newTestDevice(t, hs, alice, aliceDev)
	newTestDevice(t, hs, bob, bobDev)

	recorder := &changeRecorder{}
	a.machine.devices.AddListener(recorder.record)

	a.refresh(bob)
	changes := recorder.take()
	if len(changes) != 1 || changes[0].Kind != DeviceAdded || changes[0].Device.DeviceID != bobDev || !changes[0].Initial {
		t.Fatalf("first refresh changes = %+v, want bob's device added by the initial fetch", changes)
	}

	a.refresh(bob)
	if changes := recorder.take(); len(changes) != 0 {
		t.Fatalf("unchanged directory reported %+v", changes)
	}

	newTestDevice(t, hs, bob, bobPhone)
	a.refresh(bob)
	changes = recorder.take()
	if len(changes) != 1 || changes[0].Kind != DeviceAdded || changes[0].Device.DeviceID != bobPhone || changes[0].Initial {
		t.Fatalf("changes after a new device = %+v", changes)
	}

	hs.RemoveDevice(bob, bobPhone)
	a.refresh(bob)
	changes = recorder.take()
	if len(changes) != 1 || changes[0].Kind != DeviceRemoved || changes[0].Device.DeviceID != bobPhone {
		t.Fatalf("changes after removal = %+v", changes)
	}
	list, err := a.machine.Devices(ctx, bob)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(list.Devices) != 1 || list.Devices[0].DeviceID != bobDev {
		t.Fatalf("bob's devices = %+v", list.Devices)
	}
}

func TestDeviceKeyChangeKeepsStoredKeys(t *testing.T) {
	ctx := context.Background()
	hs := e2eetest.New(nil)
	a := newTestDevice(t, hs, alice, aliceDev)
	original := newTestDevice(t, hs, bob, bobDev)
	a.refresh(bob)

	recorder := &changeRecorder{}
	a.machine.devices.AddListener(recorder.record)

	// A second device with fresh identity keys claims the same ID.
	newTestDevice(t, hs, bob, bobDev)
	a.refresh(bob)
	changes := recorder.take()
	if len(changes) != 1 || changes[0].Kind != DeviceKeyChanged {
		t.Fatalf("changes = %+v, want one key change", changes)
	}

	stored, err := a.machine.DeviceInfo(ctx, bob, bobDev)
	if err != nil {
		t.Fatalf("DeviceInfo: %v", err)
	}
	if stored.Ed25519() != original.machine.IdentityKeys().Ed25519 {
		t.Fatal("stored keys were replaced by the changed keys")
	}
}

func TestDeviceWithBadSignatureIsSkipped(t *testing.T) {
	ctx := context.Background()
	hs := e2eetest.New(nil)
	a := newTestDevice(t, hs, alice, aliceDev)
	newTestDevice(t, hs, bob, bobDev)
	newTestDevice(t, hs, bob, bobPhone)

	forged := queryDeviceKeys(t, a.client, bob, bobPhone)
	forged.Keys = map[string]string{
		"ed25519:" + bobPhone.String():    forged.Keys["ed25519:"+bobPhone.String()],
		"curve25519:" + bobPhone.String(): a.machine.IdentityKeys().Curve25519,
	}
	hs.ReplaceDeviceKeys(forged)

	a.refresh(bob)
	list, err := a.machine.Devices(ctx, bob)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(list.Devices) != 1 || list.Devices[0].DeviceID != bobDev {
		t.Fatalf("bob's devices = %+v, want only the validly signed one", list.Devices)
	}
}

func TestRefreshFailureLeavesListStale(t *testing.T) {
	ctx := context.Background()
	hs := e2eetest.New(nil)
	a := newTestDevice(t, hs, alice, aliceDev)
	newTestDevice(t, hs, bob, bobDev)
	a.refresh(bob)

	a.machine.devices.MarkDirty(bob)
	hs.FailNext(e2eetest.OpQueryKeys, 1)
	if err := a.machine.devices.Refresh(ctx, bob); err == nil {
		t.Fatal("Refresh succeeded against a failing server")
	}
	list, err := a.machine.Devices(ctx, bob)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if !list.Stale {
		t.Fatal("list not stale after a failed refresh")
	}
	if len(list.Devices) != 1 {
		t.Fatalf("failed refresh changed the stored list: %+v", list.Devices)
	}

	a.refresh(bob)
	if list, _ = a.machine.Devices(ctx, bob); list.Stale {
		t.Fatal("list still stale after a successful refresh")
	}
}
