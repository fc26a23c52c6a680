// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
)

type sample struct {
	User    ref.UserID        `cbor:"user"`
	Counts  map[string]uint32 `cbor:"counts"`
	Payload []byte            `cbor:"payload"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	value := sample{
		User:    ref.MustParseUserID("@alice:example.org"),
		Counts:  map[string]uint32{"z": 1, "a": 2, "m": 3},
		Payload: []byte{1, 2, 3},
	}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 20 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding the same value produced different bytes")
		}
	}
}

func TestIdentifiersEncodeAsText(t *testing.T) {
	value := sample{User: ref.MustParseUserID("@bob:example.org")}
	data, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Contains(data, []byte("@bob:example.org")) {
		t.Fatalf("user ID not encoded as text: %x", data)
	}

	var decoded sample
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.User != value.User {
		t.Fatalf("User = %v, want %v", decoded.User, value.User)
	}
}

func TestValid(t *testing.T) {
	data, err := Marshal(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !Valid(data) {
		t.Fatal("Valid rejected well-formed CBOR")
	}
	if Valid(data[:len(data)-1]) {
		t.Fatal("Valid accepted truncated CBOR")
	}
}
