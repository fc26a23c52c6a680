// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
)

var (
	testUser   = ref.MustParseUserID("@test:local")
	testDevice = ref.MustParseDeviceID("DEV1")
	testRoom   = ref.MustParseRoomID("!room1:local")
)

// newTestSession creates a Client and DirectSession pointing at a test server.
func newTestSession(t *testing.T, handler http.Handler) (*Client, *DirectSession) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	token, err := secret.NewFromString("test-token")
	if err != nil {
		t.Fatalf("protecting token: %v", err)
	}
	session, err := client.SessionFromToken(testUser, testDevice, token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return client, session
}

func TestWhoAmI(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, WhoAmIResponse{UserID: testUser, DeviceID: testDevice})
	}))

	response, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if response.UserID != testUser || response.DeviceID != testDevice {
		t.Errorf("unexpected identity: %+v", response)
	}
}

func TestSendEvent(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.Method != http.MethodPut {
			t.Errorf("unexpected method: %s", request.Method)
		}
		if !strings.HasPrefix(request.URL.Path, "/_matrix/client/v3/rooms/!room1:local/send/m.room.encrypted/") {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if body["ciphertext"] != "opaque" {
			t.Errorf("unexpected body: %v", body)
		}
		writeJSON(writer, SendEventResponse{EventID: "$evt1"})
	}))

	eventID, err := session.SendEvent(context.Background(), testRoom, event.TypeEncrypted, event.Encrypted{
		Algorithm:       event.AlgorithmMegolm,
		SenderKey:       "sender",
		SessionID:       "session",
		GroupCiphertext: "opaque",
	})
	if err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	if eventID != "$evt1" {
		t.Errorf("unexpected event ID: %s", eventID)
	}
}

func TestSendToDevice(t *testing.T) {
	var received ToDeviceRequest
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if !strings.HasPrefix(request.URL.Path, "/_matrix/client/v3/sendToDevice/m.room_key_request/") {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		var raw struct {
			Messages map[string]map[string]json.RawMessage `json:"messages"`
		}
		if err := json.NewDecoder(request.Body).Decode(&raw); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		received.Messages = map[ref.UserID]map[string]any{}
		for user, devices := range raw.Messages {
			received.Messages[ref.MustParseUserID(user)] = map[string]any{}
			for device, content := range devices {
				received.Messages[ref.MustParseUserID(user)][device] = content
			}
		}
		writeJSON(writer, struct{}{})
	}))

	err := session.SendToDevice(context.Background(), event.TypeRoomKeyRequest, map[ref.UserID]map[string]any{
		testUser: {"*": event.RoomKeyRequest{Action: event.KeyRequestActionRequest, RequestID: "r1"}},
	})
	if err != nil {
		t.Fatalf("SendToDevice failed: %v", err)
	}
	if _, ok := received.Messages[testUser]["*"]; !ok {
		t.Errorf("message for all devices not delivered: %+v", received.Messages)
	}
}

func TestSync(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.URL.Path != "/_matrix/client/v3/sync" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}

		query := request.URL.Query()
		if query.Get("since") != "s123" {
			t.Errorf("unexpected since token: %s", query.Get("since"))
		}
		if query.Get("timeout") != "0" {
			t.Errorf("unexpected timeout: %s", query.Get("timeout"))
		}

		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{
			"next_batch": "s456",
			"rooms": {"join": {"!room1:local": {"timeline": {"events": [
				{"event_id": "$evt1", "type": "m.room.encrypted", "sender": "@alice:local",
				 "content": {"algorithm": "m.megolm.v1.aes-sha2", "ciphertext": "x"}}
			]}}}},
			"to_device": {"events": [{"type": "m.dummy", "sender": "@alice:local", "content": {}}]},
			"device_lists": {"changed": ["@alice:local"], "left": ["@carol:local"]},
			"device_one_time_keys_count": {"signed_curve25519": 12}
		}`))
	}))

	response, err := session.Sync(context.Background(), SyncOptions{
		Since:      "s123",
		Timeout:    0,
		SetTimeout: true,
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if response.NextBatch != "s456" {
		t.Errorf("unexpected next_batch: %s", response.NextBatch)
	}
	room, ok := response.Rooms.Join[testRoom]
	if !ok {
		t.Fatal("expected room !room1:local in sync response")
	}
	if len(room.Timeline.Events) != 1 || room.Timeline.Events[0].Type != event.TypeEncrypted {
		t.Fatalf("unexpected timeline: %+v", room.Timeline.Events)
	}
	if len(response.ToDevice.Events) != 1 {
		t.Errorf("expected 1 to-device event, got %d", len(response.ToDevice.Events))
	}
	if len(response.DeviceLists.Changed) != 1 || response.DeviceLists.Changed[0].String() != "@alice:local" {
		t.Errorf("unexpected changed list: %v", response.DeviceLists.Changed)
	}
	if response.DeviceOneTimeKeysCount["signed_curve25519"] != 12 {
		t.Errorf("unexpected one-time key count: %v", response.DeviceOneTimeKeysCount)
	}
}

func TestGetRoomMembers(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/rooms/!room1:local/members" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, RoomMembersResponse{Chunk: []RoomMemberEvent{
			{Type: "m.room.member", StateKey: "@alice:local", Content: RoomMemberContent{Membership: "join"}},
			{Type: "m.room.member", StateKey: "not-a-user", Content: RoomMemberContent{Membership: "join"}},
			{Type: "m.room.member", StateKey: "@bob:local", Content: RoomMemberContent{Membership: "invite"}},
		}})
	}))

	members, err := session.GetRoomMembers(context.Background(), testRoom)
	if err != nil {
		t.Fatalf("GetRoomMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 valid members, got %d: %+v", len(members), members)
	}
	if members[1].UserID.String() != "@bob:local" || members[1].Membership != "invite" {
		t.Errorf("unexpected member: %+v", members[1])
	}
}

func TestKeyEndpoints(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		switch request.URL.Path {
		case "/_matrix/client/v3/keys/upload":
			var body KeysUploadRequest
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Errorf("decoding upload: %v", err)
			}
			writeJSON(writer, KeysUploadResponse{OneTimeKeyCounts: map[string]int{
				"signed_curve25519": len(body.OneTimeKeys),
			}})
		case "/_matrix/client/v3/keys/query":
			writeJSON(writer, KeysQueryResponse{DeviceKeys: map[ref.UserID]map[string]DeviceKeys{
				testUser: {"DEV2": {UserID: testUser, DeviceID: ref.MustParseDeviceID("DEV2")}},
			}})
		case "/_matrix/client/v3/keys/claim":
			writeJSON(writer, KeysClaimResponse{OneTimeKeys: map[ref.UserID]map[string]map[string]OneTimeKey{
				testUser: {"DEV2": {"signed_curve25519:AAAAAQ": {Key: "otk"}}},
			}})
		default:
			t.Errorf("unexpected path: %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)
		}
	}))
	ctx := context.Background()

	upload, err := session.UploadKeys(ctx, KeysUploadRequest{OneTimeKeys: map[string]OneTimeKey{
		"signed_curve25519:A": {Key: "a"},
		"signed_curve25519:B": {Key: "b"},
	}})
	if err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}
	if upload.OneTimeKeyCounts["signed_curve25519"] != 2 {
		t.Errorf("unexpected counts: %v", upload.OneTimeKeyCounts)
	}

	query, err := session.QueryKeys(ctx, KeysQueryRequest{DeviceKeys: map[ref.UserID][]string{testUser: {}}})
	if err != nil {
		t.Fatalf("QueryKeys failed: %v", err)
	}
	if _, ok := query.DeviceKeys[testUser]["DEV2"]; !ok {
		t.Errorf("queried device missing: %+v", query.DeviceKeys)
	}

	claim, err := session.ClaimKeys(ctx, KeysClaimRequest{OneTimeKeys: map[ref.UserID]map[string]string{
		testUser: {"DEV2": "signed_curve25519"},
	}})
	if err != nil {
		t.Fatalf("ClaimKeys failed: %v", err)
	}
	if claim.OneTimeKeys[testUser]["DEV2"]["signed_curve25519:AAAAAQ"].Key != "otk" {
		t.Errorf("claimed key missing: %+v", claim.OneTimeKeys)
	}
}

func TestRoomKeysWrongVersion(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/room_keys/keys" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if request.URL.Query().Get("version") != "1" {
			t.Errorf("unexpected version: %s", request.URL.Query().Get("version"))
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusForbidden)
		json.NewEncoder(writer).Encode(MatrixError{
			Code:           ErrCodeWrongRoomKeysVersion,
			Message:        "Wrong backup version.",
			CurrentVersion: "2",
		})
	}))

	_, err := session.PutRoomKeys(context.Background(), "1", RoomKeys{})
	if !IsMatrixError(err, ErrCodeWrongRoomKeysVersion) {
		t.Fatalf("expected M_WRONG_ROOM_KEYS_VERSION, got %v", err)
	}
	if IsTransient(err) {
		t.Error("a version mismatch must not be retried blindly")
	}
}

func TestRoomKeysVersion(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.Method {
		case http.MethodPost:
			var body RoomKeysVersionRequest
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Errorf("decoding request: %v", err)
			}
			if body.Algorithm != "test.algorithm" {
				t.Errorf("unexpected algorithm: %s", body.Algorithm)
			}
			writeJSON(writer, RoomKeysVersionResponse{Version: "7"})
		case http.MethodGet:
			writeJSON(writer, RoomKeysVersion{Algorithm: "test.algorithm", Version: "7", AuthData: json.RawMessage(`{}`)})
		}
	}))
	ctx := context.Background()

	version, err := session.CreateRoomKeysVersion(ctx, RoomKeysVersionRequest{
		Algorithm: "test.algorithm",
		AuthData:  json.RawMessage(`{"public_key":"k"}`),
	})
	if err != nil {
		t.Fatalf("CreateRoomKeysVersion failed: %v", err)
	}
	if version != "7" {
		t.Errorf("unexpected version: %s", version)
	}
	current, err := session.GetRoomKeysVersion(ctx)
	if err != nil {
		t.Fatalf("GetRoomKeysVersion failed: %v", err)
	}
	if current.Version != "7" {
		t.Errorf("unexpected current version: %+v", current)
	}
}

func TestTransactionIDUniqueness(t *testing.T) {
	// Verify that consecutive sends produce different transaction IDs.
	transactionIDs := make(map[string]bool)
	callCount := 0

	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		// Extract txnID from the path (last segment).
		parts := strings.Split(request.URL.Path, "/")
		transactionID := parts[len(parts)-1]
		if transactionIDs[transactionID] {
			t.Errorf("duplicate transaction ID: %s", transactionID)
		}
		transactionIDs[transactionID] = true
		callCount++
		writeJSON(writer, SendEventResponse{EventID: "$evt"})
	}))

	for range 5 {
		_, err := session.SendEvent(context.Background(), testRoom, event.TypeMessage, map[string]string{"body": "msg"})
		if err != nil {
			t.Fatalf("SendEvent failed: %v", err)
		}
	}

	if callCount != 5 {
		t.Errorf("expected 5 calls, got %d", callCount)
	}
	if len(transactionIDs) != 5 {
		t.Errorf("expected 5 unique transaction IDs, got %d", len(transactionIDs))
	}
}

func assertAuth(t *testing.T, request *http.Request, expectedToken string) {
	t.Helper()
	auth := request.Header.Get("Authorization")
	expected := "Bearer " + expectedToken
	if auth != expected {
		t.Errorf("unexpected auth header: got %q, want %q", auth, expected)
	}
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(value)
}
