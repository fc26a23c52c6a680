// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(3 * time.Second)

	clock.Advance(2 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case fired := <-channel:
		if !fired.Equal(epoch.Add(3 * time.Second)) {
			t.Fatalf("fired at %v", fired)
		}
	default:
		t.Fatal("After did not fire")
	}
}

func TestFakeAfterFuncOrderAndStop(t *testing.T) {
	clock := Fake(epoch)
	var order []int
	clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	clock.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	stopped := clock.AfterFunc(1500*time.Millisecond, func() { order = append(order, 99) })

	if !stopped.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	clock.Advance(5 * time.Second)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
	if stopped.Stop() {
		t.Fatal("second Stop returned true")
	}
}

func TestFakeTicker(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	clock.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not tick")
	}
	if clock.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 (ticker rescheduled)", clock.PendingCount())
	}
}

func TestWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-clock.After(time.Minute)
		close(done)
	}()
	clock.WaitForTimers(1)
	clock.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine did not wake")
	}
}
