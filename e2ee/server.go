// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/messaging"
)

// KeyServer is the subset of the homeserver API the engine calls.
// *messaging.DirectSession implements it; e2eetest provides an
// in-memory implementation.
type KeyServer interface {
	UploadKeys(ctx context.Context, request messaging.KeysUploadRequest) (*messaging.KeysUploadResponse, error)
	QueryKeys(ctx context.Context, request messaging.KeysQueryRequest) (*messaging.KeysQueryResponse, error)
	ClaimKeys(ctx context.Context, request messaging.KeysClaimRequest) (*messaging.KeysClaimResponse, error)
	SendToDevice(ctx context.Context, eventType ref.EventType, messages map[ref.UserID]map[string]any) error
	SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (string, error)
}

var _ KeyServer = (*messaging.DirectSession)(nil)
