// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/olm"
)

const (
	sasInfoPrefix = "BUREAU_SAS|"
	macInfoPrefix = "BUREAU_SAS_MAC|"

	// sasLength is the number of derived bytes: 42 bits for seven
	// emoji, 39 for three decimal groups.
	sasLength = 6

	macKeyLength = 32
)

// sas is one side of a short authentication string exchange.
type sas struct {
	private [curve25519.ScalarSize]byte
	public  string

	theirPublic string
	secret      []byte
}

func newSAS() (*sas, error) {
	s := &sas{}
	if _, err := io.ReadFull(rand.Reader, s.private[:]); err != nil {
		return nil, fmt.Errorf("verification: generating ephemeral key: %w", err)
	}
	public, err := curve25519.X25519(s.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	s.public = olm.EncodeKey(public)
	return s, nil
}

// agree derives the shared secret with the other side's ephemeral key.
func (s *sas) agree(theirPublic string) error {
	decoded, err := olm.DecodeKey(theirPublic, curve25519.PointSize)
	if err != nil {
		return fmt.Errorf("verification: ephemeral key: %w", err)
	}
	secret, err := curve25519.X25519(s.private[:], decoded)
	if err != nil {
		return fmt.Errorf("verification: key agreement: %w", err)
	}
	s.theirPublic = theirPublic
	s.secret = secret
	return nil
}

// commitment binds an ephemeral public key to the start event it
// answers, so the accepting side cannot choose its key after seeing
// the starter's.
func commitment(publicKey string, start *event.VerificationStart) (string, error) {
	canonical, err := event.CanonicalJSON(start)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(publicKey), canonical...))
	return olm.EncodeKey(sum[:]), nil
}

func (s *sas) derive(info string, length int) ([]byte, error) {
	if s.secret == nil {
		return nil, errors.New("verification: no shared secret yet")
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.secret, nil, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// party is one end of a transaction as it appears in derivation info.
type party struct {
	user   ref.UserID
	device ref.DeviceID
	key    string
}

// sasInfo orders the parties starter first so both sides derive the
// same bytes.
func sasInfo(starter, accepter party, transactionID string) string {
	return sasInfoPrefix + strings.Join([]string{
		starter.user.String(), starter.device.String(), starter.key,
		accepter.user.String(), accepter.device.String(), accepter.key,
		transactionID,
	}, "|")
}

// macInfo names the MAC a sender computes for one of its keys.
func macInfo(sender, receiver party, transactionID, keyID string) string {
	return macInfoPrefix + strings.Join([]string{
		sender.user.String(), sender.device.String(),
		receiver.user.String(), receiver.device.String(),
		transactionID, keyID,
	}, "|")
}

// mac computes a keyed BLAKE3 MAC of value under a key derived for info.
func (s *sas) mac(info, value string) (string, error) {
	key, err := s.derive(info, macKeyLength)
	if err != nil {
		return "", err
	}
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		return "", err
	}
	hasher.Write([]byte(value))
	return olm.EncodeKey(hasher.Sum(nil)), nil
}

// Emoji is one symbol of the emoji rendering.
type Emoji struct {
	Symbol      string
	Description string
}

// emojiFromBytes renders the first 42 bits of b as seven emoji.
func emojiFromBytes(b []byte) []Emoji {
	var bits uint64
	for _, value := range b[:sasLength] {
		bits = bits<<8 | uint64(value)
	}
	emoji := make([]Emoji, 7)
	for i := range emoji {
		index := (bits >> (42 - 6*uint(i))) & 0x3f
		emoji[i] = emojiTable[index]
	}
	return emoji
}

// decimalFromBytes renders the first 39 bits of b as three numbers
// between 1000 and 9191.
func decimalFromBytes(b []byte) [3]int {
	return [3]int{
		(int(b[0])<<5 | int(b[1])>>3) + 1000,
		((int(b[1])&0x07)<<10 | int(b[2])<<2 | int(b[3])>>6) + 1000,
		((int(b[3])&0x3f)<<7 | int(b[4])>>1) + 1000,
	}
}

var emojiTable = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}
