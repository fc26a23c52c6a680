// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"bytes"
	"testing"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
)

func agreedPair(t *testing.T) (*sas, *sas) {
	t.Helper()
	a, err := newSAS()
	if err != nil {
		t.Fatalf("newSAS: %v", err)
	}
	b, err := newSAS()
	if err != nil {
		t.Fatalf("newSAS: %v", err)
	}
	if err := a.agree(b.public); err != nil {
		t.Fatalf("agree: %v", err)
	}
	if err := b.agree(a.public); err != nil {
		t.Fatalf("agree: %v", err)
	}
	return a, b
}

func TestSASAgreement(t *testing.T) {
	a, b := agreedPair(t)
	if !bytes.Equal(a.secret, b.secret) {
		t.Fatal("shared secrets differ")
	}

	starter := party{user: alice, device: aliceDevice, key: a.public}
	accepter := party{user: bob, device: bobDevice, key: b.public}
	info := sasInfo(starter, accepter, "txn")

	fromA, err := a.derive(info, sasLength)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	fromB, err := b.derive(info, sasLength)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(fromA, fromB) {
		t.Fatalf("derived SAS differs: %x vs %x", fromA, fromB)
	}

	other, err := a.derive(sasInfo(starter, accepter, "other-txn"), sasLength)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bytes.Equal(fromA, other) {
		t.Fatal("SAS does not depend on the transaction ID")
	}
}

func TestSASRejectsMalformedKey(t *testing.T) {
	s, err := newSAS()
	if err != nil {
		t.Fatalf("newSAS: %v", err)
	}
	if err := s.agree("not base64!"); err == nil {
		t.Fatal("agree accepted a malformed key")
	}
	if _, err := s.derive("info", sasLength); err == nil {
		t.Fatal("derive succeeded without a shared secret")
	}
}

func TestMACBindsKeyAndDirection(t *testing.T) {
	a, b := agreedPair(t)
	us := party{user: alice, device: aliceDevice}
	them := party{user: bob, device: bobDevice}

	sent, err := a.mac(macInfo(us, them, "txn", "ed25519:ALICEDEV"), "signing-key")
	if err != nil {
		t.Fatalf("mac: %v", err)
	}
	checked, err := b.mac(macInfo(us, them, "txn", "ed25519:ALICEDEV"), "signing-key")
	if err != nil {
		t.Fatalf("mac: %v", err)
	}
	if sent != checked {
		t.Fatal("receiver computes a different MAC for the same key")
	}

	wrongKey, _ := b.mac(macInfo(us, them, "txn", "ed25519:ALICEDEV"), "other-key")
	if wrongKey == sent {
		t.Fatal("MAC does not depend on the key value")
	}
	reversed, _ := b.mac(macInfo(them, us, "txn", "ed25519:ALICEDEV"), "signing-key")
	if reversed == sent {
		t.Fatal("MAC does not depend on direction")
	}
}

func TestCommitmentCoversStart(t *testing.T) {
	start := &event.VerificationStart{
		FromDevice:                aliceDevice,
		Method:                    event.MethodSAS,
		KeyAgreementProtocols:     []string{event.KeyAgreementCurve25519},
		ShortAuthenticationString: supportedSAS,
	}
	start.SetTransaction("txn", false)

	first, err := commitment("key", start)
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}
	again, _ := commitment("key", start)
	if first != again {
		t.Fatal("commitment is not deterministic")
	}
	otherKey, _ := commitment("other", start)
	if otherKey == first {
		t.Fatal("commitment ignores the key")
	}
	start.SetTransaction("other-txn", false)
	otherStart, _ := commitment("key", start)
	if otherStart == first {
		t.Fatal("commitment ignores the start content")
	}
}

func TestEmojiAndDecimalRendering(t *testing.T) {
	zero := make([]byte, sasLength)
	for _, emoji := range emojiFromBytes(zero) {
		if emoji != emojiTable[0] {
			t.Fatalf("all-zero bytes rendered %v", emoji)
		}
	}
	if got := decimalFromBytes(zero); got != [3]int{1000, 1000, 1000} {
		t.Fatalf("all-zero decimal = %v", got)
	}

	ones := bytes.Repeat([]byte{0xff}, sasLength)
	for _, emoji := range emojiFromBytes(ones) {
		if emoji != emojiTable[63] {
			t.Fatalf("all-one bytes rendered %v", emoji)
		}
	}
	if got := decimalFromBytes(ones); got != [3]int{9191, 9191, 9191} {
		t.Fatalf("all-one decimal = %v", got)
	}

	// 0b000001 000010 ... selects entries 1 and 2 for the first two
	// emoji.
	pattern := []byte{0b00000100, 0b00100000, 0, 0, 0, 0}
	rendered := emojiFromBytes(pattern)
	if rendered[0] != emojiTable[1] || rendered[1] != emojiTable[2] {
		t.Fatalf("first emoji = %v %v, want %v %v", rendered[0], rendered[1], emojiTable[1], emojiTable[2])
	}
}
