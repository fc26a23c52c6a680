// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
)

const accountKey = "self"

// GetAccount returns this device's account, or ErrNotFound before one
// has been created.
func (s *Store) GetAccount(ctx context.Context) (*Account, error) {
	return load[Account](ctx, s, kindAccount, accountKey)
}

// PutAccount writes the account with compare-and-swap.
func (s *Store) PutAccount(ctx context.Context, account *Account) error {
	return s.save(ctx, kindAccount, accountKey, account)
}

func pairwiseKey(senderKey, sessionID string) string { return joinKey(senderKey, sessionID) }

// GetPairwiseSession returns one pairwise session.
func (s *Store) GetPairwiseSession(ctx context.Context, senderKey, sessionID string) (*PairwiseSession, error) {
	return load[PairwiseSession](ctx, s, kindPairwiseSession, pairwiseKey(senderKey, sessionID))
}

// ListPairwiseSessions returns every session with the device whose
// identity key is senderKey.
func (s *Store) ListPairwiseSessions(ctx context.Context, senderKey string) ([]*PairwiseSession, error) {
	return loadAll[PairwiseSession](ctx, s, kindPairwiseSession, senderKey+keySeparator)
}

// PutPairwiseSession writes a session with compare-and-swap.
func (s *Store) PutPairwiseSession(ctx context.Context, session *PairwiseSession) error {
	return s.save(ctx, kindPairwiseSession, pairwiseKey(session.SenderKey, session.SessionID), session)
}

// CommitInboundSession persists a new pairwise session together with
// the account whose one-time key it consumed. Either both land or
// neither does, so a one-time key can never back two sessions.
func (s *Store) CommitInboundSession(ctx context.Context, account *Account, session *PairwiseSession) error {
	if session.Version != 0 {
		return fmt.Errorf("store: CommitInboundSession requires a new session")
	}
	accountOp, err := writeOp(kindAccount, accountKey, account, account.Version)
	if err != nil {
		return err
	}
	sessionOp, err := writeOp(kindPairwiseSession, pairwiseKey(session.SenderKey, session.SessionID), session, 0)
	if err != nil {
		return err
	}
	return s.commit(ctx, []Op{accountOp, sessionOp}, []record{account, session})
}

// GetOutboundGroupSession returns the current outbound session for a
// room.
func (s *Store) GetOutboundGroupSession(ctx context.Context, roomID ref.RoomID) (*OutboundGroupSession, error) {
	return load[OutboundGroupSession](ctx, s, kindOutboundGroupSession, roomID.String())
}

// ListOutboundGroupSessions returns the current outbound session of
// every room that has one.
func (s *Store) ListOutboundGroupSessions(ctx context.Context) ([]*OutboundGroupSession, error) {
	return loadAll[OutboundGroupSession](ctx, s, kindOutboundGroupSession, "")
}

// PutOutboundGroupSession writes a session with compare-and-swap.
func (s *Store) PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error {
	return s.save(ctx, kindOutboundGroupSession, session.RoomID.String(), session)
}

// CommitOutboundSession installs a room's new outbound session and the
// matching inbound session this device decrypts its own messages with.
// outbound.Version must be the version of the session it replaces (zero
// if the room had none).
func (s *Store) CommitOutboundSession(ctx context.Context, outbound *OutboundGroupSession, inbound *InboundGroupSession) error {
	outboundOp, err := writeOp(kindOutboundGroupSession, outbound.RoomID.String(), outbound, outbound.Version)
	if err != nil {
		return err
	}
	inboundOp, err := writeOp(kindInboundGroupSession, inboundKey(inbound.RoomID, inbound.SessionID), inbound, 0)
	if err != nil {
		return err
	}
	return s.commit(ctx, []Op{outboundOp, inboundOp}, []record{outbound, inbound})
}

func inboundKey(roomID ref.RoomID, sessionID string) string {
	return joinKey(roomID.String(), sessionID)
}

// GetInboundGroupSession returns one inbound session.
func (s *Store) GetInboundGroupSession(ctx context.Context, roomID ref.RoomID, sessionID string) (*InboundGroupSession, error) {
	return load[InboundGroupSession](ctx, s, kindInboundGroupSession, inboundKey(roomID, sessionID))
}

// ListInboundGroupSessions returns the inbound sessions of roomID, or
// of every room when roomID is zero.
func (s *Store) ListInboundGroupSessions(ctx context.Context, roomID ref.RoomID) ([]*InboundGroupSession, error) {
	prefix := ""
	if !roomID.IsZero() {
		prefix = roomID.String() + keySeparator
	}
	return loadAll[InboundGroupSession](ctx, s, kindInboundGroupSession, prefix)
}

// PutInboundGroupSession writes a session with compare-and-swap.
func (s *Store) PutInboundGroupSession(ctx context.Context, session *InboundGroupSession) error {
	return s.save(ctx, kindInboundGroupSession, inboundKey(session.RoomID, session.SessionID), session)
}

func messageIndexKey(roomID ref.RoomID, sessionID string, index uint32) string {
	return joinKey(roomID.String(), sessionID, fmt.Sprintf("%010d", index))
}

// GetGroupMessageIndex returns the record of a consumed index.
func (s *Store) GetGroupMessageIndex(ctx context.Context, roomID ref.RoomID, sessionID string, index uint32) (*GroupMessageIndex, error) {
	return load[GroupMessageIndex](ctx, s, kindGroupMessageIndex, messageIndexKey(roomID, sessionID, index))
}

// CommitGroupMessageIndex records a newly consumed index and the
// session's advanced high-water mark atomically. It fails with
// ErrConflict if the index was already recorded or the session changed
// since it was read.
func (s *Store) CommitGroupMessageIndex(ctx context.Context, session *InboundGroupSession, index *GroupMessageIndex) error {
	if index.Version != 0 {
		return fmt.Errorf("store: CommitGroupMessageIndex requires a new index record")
	}
	sessionOp, err := writeOp(kindInboundGroupSession, inboundKey(session.RoomID, session.SessionID), session, session.Version)
	if err != nil {
		return err
	}
	indexOp, err := writeOp(kindGroupMessageIndex, messageIndexKey(index.RoomID, index.SessionID, index.Index), index, 0)
	if err != nil {
		return err
	}
	return s.commit(ctx, []Op{sessionOp, indexOp}, []record{session, index})
}
