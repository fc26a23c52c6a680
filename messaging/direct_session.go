// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
)

// DirectSession is an authenticated Matrix session.
// It wraps a Client with an access token for making authenticated API calls.
//
// The access token is stored in a secret.Buffer (mmap-backed, locked against
// swap, excluded from core dumps). The caller must call Close when the DirectSession
// is no longer needed.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    ref.DeviceID

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified Matrix user ID (e.g., "@alice:example.org").
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID for this session.
func (s *DirectSession) DeviceID() ref.DeviceID {
	return s.deviceID
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request to establish a fresh TCP connection.
func (s *DirectSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Close releases the access token memory (zeros, unlocks, unmaps).
// Idempotent.
func (s *DirectSession) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// WhoAmI validates the access token and returns the user and device it
// belongs to.
func (s *DirectSession) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	var response WhoAmIResponse
	if err := s.call(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, &response); err != nil {
		return nil, fmt.Errorf("messaging: whoami failed: %w", err)
	}
	return &response, nil
}

// SendEvent sends an event of any type to a room.
// Uses Matrix's idempotent PUT with a transaction ID.
// Returns the event ID.
func (s *DirectSession) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (string, error) {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	var response SendEventResponse
	if err := s.call(ctx, http.MethodPut, path, content, &response); err != nil {
		return "", fmt.Errorf("messaging: send event to %q failed: %w", roomID, err)
	}
	return response.EventID, nil
}

// SendToDevice delivers messages to specific devices. messages maps
// user ID to device ID (or "*") to event content.
func (s *DirectSession) SendToDevice(ctx context.Context, eventType ref.EventType, messages map[ref.UserID]map[string]any) error {
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s",
		url.PathEscape(eventType.String()),
		url.PathEscape(s.nextTransactionID()),
	)
	if err := s.call(ctx, http.MethodPut, path, ToDeviceRequest{Messages: messages}, nil); err != nil {
		return fmt.Errorf("messaging: send-to-device %s failed: %w", eventType, err)
	}
	return nil
}

// Sync performs an incremental sync with the homeserver.
// For initial sync, leave options.Since empty.
// For long-polling, set options.Timeout to the desired wait in milliseconds.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	var response SyncResponse
	if err := s.call(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, &response, query); err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}
	return &response, nil
}

// JoinedRooms returns the list of room IDs the user has joined.
func (s *DirectSession) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	var response JoinedRoomsResponse
	if err := s.call(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", nil, &response); err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}
	return response.JoinedRooms, nil
}

// GetRoomMembers returns the members of a room.
func (s *DirectSession) GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/members", url.PathEscape(roomID.String()))
	var response RoomMembersResponse
	if err := s.call(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, fmt.Errorf("messaging: get room members for %q failed: %w", roomID, err)
	}

	members := make([]RoomMember, 0, len(response.Chunk))
	for _, memberEvent := range response.Chunk {
		userID, err := ref.ParseUserID(memberEvent.StateKey)
		if err != nil {
			s.client.logger.Warn("skipping member event with invalid state key",
				"room_id", roomID.String(),
				"state_key", memberEvent.StateKey,
				"error", err,
			)
			continue
		}
		members = append(members, RoomMember{
			UserID:     userID,
			Membership: memberEvent.Content.Membership,
		})
	}
	return members, nil
}

// UploadKeys publishes device keys and one-time keys.
func (s *DirectSession) UploadKeys(ctx context.Context, request KeysUploadRequest) (*KeysUploadResponse, error) {
	var response KeysUploadResponse
	if err := s.call(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", request, &response); err != nil {
		return nil, fmt.Errorf("messaging: key upload failed: %w", err)
	}
	return &response, nil
}

// QueryKeys fetches the device directories of the requested users.
func (s *DirectSession) QueryKeys(ctx context.Context, request KeysQueryRequest) (*KeysQueryResponse, error) {
	var response KeysQueryResponse
	if err := s.call(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", request, &response); err != nil {
		return nil, fmt.Errorf("messaging: key query failed: %w", err)
	}
	return &response, nil
}

// ClaimKeys claims one-time keys for establishing pairwise sessions.
func (s *DirectSession) ClaimKeys(ctx context.Context, request KeysClaimRequest) (*KeysClaimResponse, error) {
	var response KeysClaimResponse
	if err := s.call(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", request, &response); err != nil {
		return nil, fmt.Errorf("messaging: key claim failed: %w", err)
	}
	return &response, nil
}

// CreateRoomKeysVersion creates a new key backup version and returns
// its identifier.
func (s *DirectSession) CreateRoomKeysVersion(ctx context.Context, request RoomKeysVersionRequest) (string, error) {
	var response RoomKeysVersionResponse
	if err := s.call(ctx, http.MethodPost, "/_matrix/client/v3/room_keys/version", request, &response); err != nil {
		return "", fmt.Errorf("messaging: creating backup version failed: %w", err)
	}
	return response.Version, nil
}

// GetRoomKeysVersion returns the current key backup version. A server
// with no backup answers with M_NOT_FOUND.
func (s *DirectSession) GetRoomKeysVersion(ctx context.Context) (*RoomKeysVersion, error) {
	var response RoomKeysVersion
	if err := s.call(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/version", nil, &response); err != nil {
		return nil, fmt.Errorf("messaging: fetching backup version failed: %w", err)
	}
	return &response, nil
}

// PutRoomKeys uploads backed-up sessions to version. The server rejects
// a version that is no longer current with M_WRONG_ROOM_KEYS_VERSION.
func (s *DirectSession) PutRoomKeys(ctx context.Context, version string, keys RoomKeys) (*RoomKeysUpdateResponse, error) {
	query := url.Values{"version": []string{version}}
	var response RoomKeysUpdateResponse
	if err := s.call(ctx, http.MethodPut, "/_matrix/client/v3/room_keys/keys", keys, &response, query); err != nil {
		return nil, fmt.Errorf("messaging: uploading room keys failed: %w", err)
	}
	return &response, nil
}

// GetRoomKeys downloads every backed-up session of version.
func (s *DirectSession) GetRoomKeys(ctx context.Context, version string) (*RoomKeys, error) {
	query := url.Values{"version": []string{version}}
	var response RoomKeys
	if err := s.call(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/keys", nil, &response, query); err != nil {
		return nil, fmt.Errorf("messaging: downloading room keys failed: %w", err)
	}
	return &response, nil
}

// call performs an authenticated request and decodes the response into
// out when out is non-nil.
func (s *DirectSession) call(ctx context.Context, method, path string, requestBody, out any, query ...url.Values) error {
	body, err := s.client.doRequest(ctx, method, path, s.accessToken, requestBody, query...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response from %s %s: %w", method, path, err)
	}
	return nil
}

// nextTransactionID generates a unique transaction ID for idempotent event sending.
// Format: "crypto-<timestamp_ms>-<counter>" to ensure uniqueness across restarts.
func (s *DirectSession) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("crypto-%d-%d", time.Now().UnixMilli(), counter)
}
