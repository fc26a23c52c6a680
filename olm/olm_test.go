// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"bytes"
	"errors"
	"testing"
)

var testPickleKey = bytes.Repeat([]byte{0x42}, 32)

func newTestAccount(t *testing.T) *Account {
	t.Helper()
	account, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	return account
}

// establish returns a session from alice to bob and bob's matching
// inbound session, created from alice's first message.
func establish(t *testing.T, alice, bob *Account) (outbound, inbound *Session, firstType MessageType, firstBody string) {
	t.Helper()
	if err := bob.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	var oneTimeKey string
	for _, key := range bob.UnpublishedOneTimeKeys() {
		oneTimeKey = key
	}
	bob.MarkKeysAsPublished()

	outbound, err := NewOutboundSession(alice, bob.Curve25519Key(), oneTimeKey)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	firstType, firstBody, err = outbound.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if firstType != MessageTypePreKey {
		t.Fatalf("first message type = %d, want pre-key", firstType)
	}
	inbound, err = NewInboundSession(bob, alice.Curve25519Key(), firstBody)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	return outbound, inbound, firstType, firstBody
}

func TestAccountSignAndVerify(t *testing.T) {
	account := newTestAccount(t)
	message := []byte(`{"device_id":"ALICE"}`)
	signature := account.Sign(message)
	if err := VerifySignature(account.Ed25519Key(), message, signature); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := VerifySignature(account.Ed25519Key(), []byte("other"), signature); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("VerifySignature on altered message = %v, want ErrBadSignature", err)
	}
}

func TestOneTimeKeyPool(t *testing.T) {
	account := newTestAccount(t)
	if err := account.GenerateOneTimeKeys(5); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	if got := len(account.UnpublishedOneTimeKeys()); got != 5 {
		t.Fatalf("unpublished = %d, want 5", got)
	}
	account.MarkKeysAsPublished()
	if got := len(account.UnpublishedOneTimeKeys()); got != 0 {
		t.Fatalf("unpublished after publish = %d, want 0", got)
	}
	if err := account.GenerateOneTimeKeys(MaxOneTimeKeys); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	if got := account.OneTimeKeyCount(); got != MaxOneTimeKeys {
		t.Fatalf("OneTimeKeyCount = %d, want %d", got, MaxOneTimeKeys)
	}
}

func TestPairwiseRoundTrip(t *testing.T) {
	alice, bob := newTestAccount(t), newTestAccount(t)
	outbound, inbound, firstType, firstBody := establish(t, alice, bob)

	if outbound.ID() != inbound.ID() {
		t.Fatalf("session ids differ: %s vs %s", outbound.ID(), inbound.ID())
	}
	if !inbound.MatchesInboundSession(firstBody) {
		t.Fatal("inbound session does not match its own pre-key message")
	}
	plaintext, err := inbound.Decrypt(firstType, firstBody)
	if err != nil {
		t.Fatalf("Decrypt first: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("plaintext = %q", plaintext)
	}

	// Bob replies; once alice decrypts it she stops sending pre-key
	// messages.
	replyType, replyBody, err := inbound.Encrypt([]byte("hi alice"))
	if err != nil {
		t.Fatalf("Encrypt reply: %v", err)
	}
	if replyType != MessageTypeNormal {
		t.Fatalf("responder message type = %d, want normal", replyType)
	}
	if _, err := outbound.Decrypt(replyType, replyBody); err != nil {
		t.Fatalf("Decrypt reply: %v", err)
	}
	nextType, _, err := outbound.Encrypt([]byte("again"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if nextType != MessageTypeNormal {
		t.Fatalf("message type after reply = %d, want normal", nextType)
	}
}

func TestPairwiseOutOfOrderAndConsumedKeys(t *testing.T) {
	alice, bob := newTestAccount(t), newTestAccount(t)
	outbound, inbound, firstType, firstBody := establish(t, alice, bob)
	if _, err := inbound.Decrypt(firstType, firstBody); err != nil {
		t.Fatalf("Decrypt first: %v", err)
	}

	type sent struct {
		messageType MessageType
		body        string
	}
	var messages []sent
	for _, text := range []string{"one", "two", "three"} {
		messageType, body, err := outbound.Encrypt([]byte(text))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		messages = append(messages, sent{messageType, body})
	}

	for _, index := range []int{2, 0, 1} {
		plaintext, err := inbound.Decrypt(messages[index].messageType, messages[index].body)
		if err != nil {
			t.Fatalf("Decrypt message %d: %v", index, err)
		}
		want := []string{"one", "two", "three"}[index]
		if string(plaintext) != want {
			t.Fatalf("message %d = %q, want %q", index, plaintext, want)
		}
	}

	if _, err := inbound.Decrypt(messages[1].messageType, messages[1].body); !errors.Is(err, ErrMessageKeyConsumed) {
		t.Fatalf("second decrypt of same message = %v, want ErrMessageKeyConsumed", err)
	}
}

func TestOneTimeKeyIsSingleUse(t *testing.T) {
	alice, bob := newTestAccount(t), newTestAccount(t)
	_, _, _, firstBody := establish(t, alice, bob)

	if bob.OneTimeKeyCount() != 0 {
		t.Fatalf("one-time key not consumed: count = %d", bob.OneTimeKeyCount())
	}
	if _, err := NewInboundSession(bob, alice.Curve25519Key(), firstBody); !errors.Is(err, ErrUnknownOneTimeKey) {
		t.Fatalf("second inbound session = %v, want ErrUnknownOneTimeKey", err)
	}
}

func TestInboundSessionRejectsWrongSender(t *testing.T) {
	alice, bob, mallory := newTestAccount(t), newTestAccount(t), newTestAccount(t)
	if err := bob.GenerateOneTimeKeys(1); err != nil {
		t.Fatal(err)
	}
	var oneTimeKey string
	for _, key := range bob.UnpublishedOneTimeKeys() {
		oneTimeKey = key
	}
	outbound, err := NewOutboundSession(alice, bob.Curve25519Key(), oneTimeKey)
	if err != nil {
		t.Fatal(err)
	}
	_, body, err := outbound.Encrypt([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	clone := bob.Clone()
	if _, err := NewInboundSession(clone, mallory.Curve25519Key(), body); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("NewInboundSession with wrong sender = %v, want ErrSessionMismatch", err)
	}
	if clone.OneTimeKeyCount() != 1 {
		t.Fatal("failed inbound session consumed the one-time key")
	}
}

func TestGroupSessionRoundTrip(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("NewOutboundGroupSession: %v", err)
	}
	sessionKey, err := outbound.SessionKey()
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}
	inbound, err := NewInboundGroupSession(sessionKey)
	if err != nil {
		t.Fatalf("NewInboundGroupSession: %v", err)
	}
	if inbound.ID() != outbound.ID() {
		t.Fatalf("ids differ: %s vs %s", inbound.ID(), outbound.ID())
	}
	if !inbound.IsSigned() {
		t.Fatal("session from a signed key reports unsigned")
	}

	var bodies []string
	for _, text := range []string{"zero", "one", "two"} {
		body, err := outbound.Encrypt([]byte(text))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		bodies = append(bodies, body)
	}
	if outbound.MessageIndex() != 3 {
		t.Fatalf("MessageIndex = %d, want 3", outbound.MessageIndex())
	}

	for wantIndex, body := range bodies {
		plaintext, index, err := inbound.Decrypt(body)
		if err != nil {
			t.Fatalf("Decrypt %d: %v", wantIndex, err)
		}
		if int(index) != wantIndex {
			t.Fatalf("index = %d, want %d", index, wantIndex)
		}
		if string(plaintext) != []string{"zero", "one", "two"}[wantIndex] {
			t.Fatalf("plaintext %d = %q", wantIndex, plaintext)
		}
	}

	// Decryption does not consume anything at this layer.
	again, _, err := inbound.Decrypt(bodies[0])
	if err != nil || string(again) != "zero" {
		t.Fatalf("re-decrypt = %q, %v", again, err)
	}
}

func TestGroupExportAtIndex(t *testing.T) {
	outbound, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	sessionKey, _ := outbound.SessionKey()
	inbound, err := NewInboundGroupSession(sessionKey)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := outbound.Encrypt([]byte("first"))
	second, _ := outbound.Encrypt([]byte("second"))

	exported, err := inbound.Export(1)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	imported, err := ImportInboundGroupSession(exported)
	if err != nil {
		t.Fatalf("ImportInboundGroupSession: %v", err)
	}
	if imported.IsSigned() {
		t.Fatal("imported session reports signed")
	}
	if imported.FirstKnownIndex() != 1 {
		t.Fatalf("FirstKnownIndex = %d, want 1", imported.FirstKnownIndex())
	}
	if _, _, err := imported.Decrypt(first); !errors.Is(err, ErrUnknownMessageIndex) {
		t.Fatalf("decrypt before first index = %v, want ErrUnknownMessageIndex", err)
	}
	plaintext, _, err := imported.Decrypt(second)
	if err != nil || string(plaintext) != "second" {
		t.Fatalf("decrypt at first index = %q, %v", plaintext, err)
	}

	reexported, err := imported.Export(1)
	if err != nil {
		t.Fatal(err)
	}
	if reexported != exported {
		t.Fatal("export is not stable across import")
	}
}

func TestGroupMessageTamperDetected(t *testing.T) {
	outbound, _ := NewOutboundGroupSession()
	sessionKey, _ := outbound.SessionKey()
	inbound, err := NewInboundGroupSession(sessionKey)
	if err != nil {
		t.Fatal(err)
	}
	other, _ := NewOutboundGroupSession()
	forged, _ := other.Encrypt([]byte("forged"))
	if _, _, err := inbound.Decrypt(forged); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("decrypt of message from another session = %v, want ErrBadSignature", err)
	}
}

func TestPickleRoundTrip(t *testing.T) {
	account := newTestAccount(t)
	if err := account.GenerateOneTimeKeys(3); err != nil {
		t.Fatal(err)
	}
	pickled, err := account.Pickle(testPickleKey)
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := UnpickleAccount(testPickleKey, pickled)
	if err != nil {
		t.Fatalf("UnpickleAccount: %v", err)
	}
	if restored.Ed25519Key() != account.Ed25519Key() || restored.Curve25519Key() != account.Curve25519Key() {
		t.Fatal("identity keys changed across pickle")
	}
	if restored.OneTimeKeyCount() != 3 {
		t.Fatalf("OneTimeKeyCount = %d, want 3", restored.OneTimeKeyCount())
	}

	wrongKey := bytes.Repeat([]byte{0x43}, 32)
	if _, err := UnpickleAccount(wrongKey, pickled); !errors.Is(err, ErrBadPickle) {
		t.Fatalf("UnpickleAccount with wrong key = %v, want ErrBadPickle", err)
	}

	group, _ := NewOutboundGroupSession()
	groupPickle, err := group.Pickle(testPickleKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnpickleInboundGroupSession(testPickleKey, groupPickle); !errors.Is(err, ErrBadPickle) {
		t.Fatalf("opening an outbound pickle as inbound = %v, want ErrBadPickle", err)
	}
	if _, err := account.Pickle([]byte("short")); err == nil {
		t.Fatal("Pickle accepted a short key")
	}
}
