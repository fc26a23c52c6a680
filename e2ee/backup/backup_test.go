// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/config"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/sealed"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
	"github.com/bureau-foundation/matrixcrypto/lib/testutil"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/olm"
	"github.com/bureau-foundation/matrixcrypto/store"
)

var (
	testUser   = ref.MustParseUserID("@alice:example.org")
	testDevice = ref.MustParseDeviceID("LAPTOP")
	testRoom   = ref.MustParseRoomID("!backup:example.org")
)

// fakeServer is an in-memory key backup endpoint.
type fakeServer struct {
	mu        sync.Mutex
	version   string
	algorithm string
	authData  json.RawMessage
	created   int
	keys      map[string]messaging.RoomKeys

	// putFailures makes that many uploads fail with a 502.
	putFailures int
	putCalls    int
}

func newFakeServer() *fakeServer {
	return &fakeServer{keys: make(map[string]messaging.RoomKeys)}
}

func (s *fakeServer) CreateRoomKeysVersion(ctx context.Context, request messaging.RoomKeysVersionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	s.version = fmt.Sprintf("%d", s.created)
	s.algorithm = request.Algorithm
	s.authData = request.AuthData
	return s.version, nil
}

func (s *fakeServer) GetRoomKeysVersion(ctx context.Context) (*messaging.RoomKeysVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == "" {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, StatusCode: 404}
	}
	return &messaging.RoomKeysVersion{Algorithm: s.algorithm, AuthData: s.authData, Version: s.version}, nil
}

func (s *fakeServer) PutRoomKeys(ctx context.Context, version string, keys messaging.RoomKeys) (*messaging.RoomKeysUpdateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if version != s.version {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeWrongRoomKeysVersion, StatusCode: 403, CurrentVersion: s.version}
	}
	if s.putFailures > 0 {
		s.putFailures--
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeUnknown, StatusCode: 502}
	}
	stored, ok := s.keys[version]
	if !ok {
		stored = messaging.RoomKeys{Rooms: make(map[ref.RoomID]messaging.RoomKeyBackup)}
		s.keys[version] = stored
	}
	for roomID, room := range keys.Rooms {
		target, ok := stored.Rooms[roomID]
		if !ok {
			target = messaging.RoomKeyBackup{Sessions: make(map[string]messaging.KeyBackupData)}
			stored.Rooms[roomID] = target
		}
		for sessionID, data := range room.Sessions {
			target.Sessions[sessionID] = data
		}
	}
	return &messaging.RoomKeysUpdateResponse{}, nil
}

func (s *fakeServer) GetRoomKeys(ctx context.Context, version string) (*messaging.RoomKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.keys[version]
	if !ok {
		return &messaging.RoomKeys{}, nil
	}
	return &stored, nil
}

func (s *fakeServer) sessionCount(version string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, room := range s.keys[version].Rooms {
		count += len(room.Sessions)
	}
	return count
}

// rotate simulates another device of the account creating a new
// version with the same auth data.
func (s *fakeServer) rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	s.version = fmt.Sprintf("%d", s.created)
}

type testDeviceState struct {
	store     *store.Store
	account   *olm.Account
	pickleKey *secret.Buffer
	manager   *Manager
}

func newPickleKey(t *testing.T) *secret.Buffer {
	t.Helper()
	key, err := secret.NewFromBytes(bytes.Repeat([]byte{0x5a}, 32))
	if err != nil {
		t.Fatalf("pickle key: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}

func newTestDevice(t *testing.T, server Server, deviceID ref.DeviceID) *testDeviceState {
	t.Helper()
	account, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	device := &testDeviceState{
		store:     store.New(store.NewMemory(), testutil.Logger(t)),
		account:   account,
		pickleKey: newPickleKey(t),
	}
	manager, err := New(Config{
		UserID:    testUser,
		DeviceID:  deviceID,
		Store:     device.store,
		Server:    server,
		PickleKey: device.pickleKey,
		SignJSON: func(ctx context.Context, v any) (string, error) {
			signable, err := event.SignableJSON(v)
			if err != nil {
				return "", err
			}
			return account.Sign(signable), nil
		},
		SigningKey: account.Ed25519Key,
		Import:     device.importKey,
		Settings: config.BackupConfig{
			BatchSize:      2,
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Interval:       time.Hour,
		},
		Clock:  clock.Real(),
		Logger: testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	device.manager = manager
	return device
}

// importKey stores an exported key the way the decryptor does for
// restored sessions, without its better-copy comparison.
func (d *testDeviceState) importKey(ctx context.Context, roomID ref.RoomID, senderKey string, claimedKeys map[string]string, sessionKey string) (bool, error) {
	session, err := olm.ImportInboundGroupSession(sessionKey)
	if err != nil {
		return false, err
	}
	pickled, err := session.Pickle(d.pickleKey.Bytes())
	if err != nil {
		return false, err
	}
	record := &store.InboundGroupSession{
		RoomID:          roomID,
		SessionID:       session.ID(),
		SenderKey:       senderKey,
		ClaimedKeys:     claimedKeys,
		FirstKnownIndex: session.FirstKnownIndex(),
		ForwardingChain: []store.ForwardingStep{store.ForwardingBackup},
		Exported:        true,
		Pickle:          pickled,
	}
	if err := d.store.PutInboundGroupSession(ctx, record); err != nil {
		return false, err
	}
	if err := d.manager.BackupSession(ctx, record); err != nil {
		return false, err
	}
	return true, nil
}

// addSession stores a fresh group session and returns its export at
// the first known index.
func (d *testDeviceState) addSession(t *testing.T, roomID ref.RoomID) (*store.InboundGroupSession, string) {
	t.Helper()
	outbound, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("NewOutboundGroupSession: %v", err)
	}
	sessionKey, err := outbound.SessionKey()
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}
	inbound, err := olm.NewInboundGroupSession(sessionKey)
	if err != nil {
		t.Fatalf("NewInboundGroupSession: %v", err)
	}
	exported, err := inbound.Export(inbound.FirstKnownIndex())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	pickled, err := inbound.Pickle(d.pickleKey.Bytes())
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	record := &store.InboundGroupSession{
		RoomID:          roomID,
		SessionID:       inbound.ID(),
		SenderKey:       d.account.Curve25519Key(),
		ClaimedKeys:     map[string]string{"ed25519": d.account.Ed25519Key()},
		FirstKnownIndex: inbound.FirstKnownIndex(),
		ForwardingChain: []store.ForwardingStep{store.ForwardingDirect},
		Pickle:          pickled,
	}
	ctx := context.Background()
	if err := d.store.PutInboundGroupSession(ctx, record); err != nil {
		t.Fatalf("PutInboundGroupSession: %v", err)
	}
	if err := d.manager.BackupSession(ctx, record); err != nil {
		t.Fatalf("BackupSession: %v", err)
	}
	return record, exported
}

func storedExport(t *testing.T, d *testDeviceState, roomID ref.RoomID, sessionID string) string {
	t.Helper()
	record, err := d.store.GetInboundGroupSession(context.Background(), roomID, sessionID)
	if err != nil {
		t.Fatalf("GetInboundGroupSession: %v", err)
	}
	session, err := olm.UnpickleInboundGroupSession(d.pickleKey.Bytes(), record.Pickle)
	if err != nil {
		t.Fatalf("UnpickleInboundGroupSession: %v", err)
	}
	exported, err := session.Export(session.FirstKnownIndex())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	return exported
}

func TestSealOpenRoundTrip(t *testing.T) {
	recovery, err := sealed.GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	defer recovery.Close()

	device := newTestDevice(t, newFakeServer(), testDevice)
	record, exported := device.addSession(t, testRoom)
	payload := &Payload{
		RoomID:      testRoom,
		SessionID:   record.SessionID,
		SenderKey:   record.SenderKey,
		ClaimedKeys: record.ClaimedKeys,
		SessionKey:  exported,
	}

	blob, err := Seal(payload, recovery.PublicKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := Open(blob, recovery.Secret)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened.SessionKey != exported {
		t.Fatal("session key changed across seal and open")
	}
	if opened.RoomID != testRoom || opened.SessionID != record.SessionID || opened.SenderKey != record.SenderKey {
		t.Fatalf("opened payload = %+v", opened)
	}

	other, err := sealed.GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	defer other.Close()
	if _, err := Open(blob, other.Secret); err == nil {
		t.Fatal("Open succeeded with the wrong recovery key")
	}
}

func TestUploadAndRestore(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	laptop := newTestDevice(t, server, testDevice)

	exports := make(map[string]string)
	for range 3 {
		record, exported := laptop.addSession(t, testRoom)
		exports[record.SessionID] = exported
	}
	if state, _ := laptop.manager.State(ctx, testRoom); state != store.BackupNotBackedUp {
		t.Fatalf("state without a version = %s, want not-backed-up", state)
	}

	recovery, err := laptop.manager.CreateVersion(ctx)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	defer recovery.Close()
	if state, _ := laptop.manager.State(ctx, testRoom); state != store.BackupPending {
		t.Fatalf("state before upload = %s, want pending", state)
	}

	uploaded, err := laptop.manager.UploadPending(ctx)
	if err != nil {
		t.Fatalf("UploadPending: %v", err)
	}
	if uploaded != 3 {
		t.Fatalf("uploaded %d sessions, want 3", uploaded)
	}
	// Batch size 2: two requests.
	if server.putCalls != 2 {
		t.Errorf("PutRoomKeys calls = %d, want 2", server.putCalls)
	}
	if state, _ := laptop.manager.State(ctx, testRoom); state != store.BackupUpToDate {
		t.Fatalf("state after upload = %s, want up-to-date", state)
	}
	if again, err := laptop.manager.UploadPending(ctx); err != nil || again != 0 {
		t.Fatalf("second UploadPending = %d, %v; want nothing to do", again, err)
	}

	phone := newTestDevice(t, server, ref.MustParseDeviceID("PHONE"))
	result, err := phone.manager.RestoreFromBackup(ctx, recovery.Secret)
	if err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}
	if result.Total != 3 || result.Imported != 3 || result.Failed != 0 {
		t.Fatalf("restore result = %+v", result)
	}
	for sessionID, exported := range exports {
		if got := storedExport(t, phone, testRoom, sessionID); got != exported {
			t.Fatalf("restored session %s differs from the original export", sessionID)
		}
		record, err := phone.store.GetInboundGroupSession(ctx, testRoom, sessionID)
		if err != nil {
			t.Fatalf("GetInboundGroupSession: %v", err)
		}
		if !record.Exported || record.ForwardingChain[0] != store.ForwardingBackup {
			t.Fatalf("restored session provenance = exported %v chain %v", record.Exported, record.ForwardingChain)
		}
	}
	// Restored sessions are already in the version they came from.
	if state, _ := phone.manager.State(ctx, testRoom); state != store.BackupUpToDate {
		t.Fatalf("phone state after restore = %s, want up-to-date", state)
	}
}

func TestRestoreRejectsWrongRecoveryKey(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	laptop := newTestDevice(t, server, testDevice)
	laptop.addSession(t, testRoom)
	recovery, err := laptop.manager.CreateVersion(ctx)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	defer recovery.Close()

	wrong, err := sealed.GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	defer wrong.Close()
	phone := newTestDevice(t, server, ref.MustParseDeviceID("PHONE"))
	if _, err := phone.manager.RestoreFromBackup(ctx, wrong.Secret); !errors.Is(err, ErrAuthDataInvalid) {
		t.Fatalf("RestoreFromBackup with the wrong key = %v, want ErrAuthDataInvalid", err)
	}
}

func TestRestoreSkipsMisfiledSession(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	laptop := newTestDevice(t, server, testDevice)
	first, _ := laptop.addSession(t, testRoom)
	second, _ := laptop.addSession(t, testRoom)
	recovery, err := laptop.manager.CreateVersion(ctx)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	defer recovery.Close()
	if _, err := laptop.manager.UploadPending(ctx); err != nil {
		t.Fatalf("UploadPending: %v", err)
	}

	// File the first session's ciphertext under the second's ID.
	sessions := server.keys[server.version].Rooms[testRoom].Sessions
	sessions[second.SessionID] = sessions[first.SessionID]

	phone := newTestDevice(t, server, ref.MustParseDeviceID("PHONE"))
	result, err := phone.manager.RestoreFromBackup(ctx, recovery.Secret)
	if err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}
	if result.Imported != 1 || result.Failed != 1 {
		t.Fatalf("restore result = %+v, want one imported and one failed", result)
	}
	if _, err := phone.store.GetInboundGroupSession(ctx, testRoom, second.SessionID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("misfiled session was imported: %v", err)
	}
}

func TestUploadFollowsVersionChange(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	laptop := newTestDevice(t, server, testDevice)
	record, _ := laptop.addSession(t, testRoom)
	recovery, err := laptop.manager.CreateVersion(ctx)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	defer recovery.Close()

	server.rotate()
	uploaded, err := laptop.manager.UploadPending(ctx)
	if err != nil {
		t.Fatalf("UploadPending: %v", err)
	}
	if uploaded != 1 {
		t.Fatalf("uploaded = %d, want 1", uploaded)
	}
	if server.sessionCount("1") != 0 {
		t.Fatal("sessions written to the superseded version")
	}
	if server.sessionCount("2") != 1 {
		t.Fatalf("version 2 holds %d sessions, want 1", server.sessionCount("2"))
	}
	version, err := laptop.store.GetBackupVersion(ctx)
	if err != nil {
		t.Fatalf("GetBackupVersion: %v", err)
	}
	if version.Version != "2" {
		t.Fatalf("adopted version %q, want 2", version.Version)
	}
	state, err := laptop.manager.SessionState(ctx, testRoom, record.SessionID)
	if err != nil || state != store.BackupUpToDate {
		t.Fatalf("SessionState = %s, %v; want up-to-date", state, err)
	}
}

func TestTransportFailureLeavesSessionsPending(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	laptop := newTestDevice(t, server, testDevice)
	record, _ := laptop.addSession(t, testRoom)
	recovery, err := laptop.manager.CreateVersion(ctx)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	defer recovery.Close()

	server.putFailures = 10
	if _, err := laptop.manager.UploadPending(ctx); !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("UploadPending = %v, want ErrTransportFailure", err)
	}
	// MaxRetries 2: the first try and two retries.
	if server.putCalls != 3 {
		t.Errorf("PutRoomKeys calls = %d, want 3", server.putCalls)
	}
	state, err := laptop.manager.SessionState(ctx, testRoom, record.SessionID)
	if err != nil || state != store.BackupPending {
		t.Fatalf("SessionState = %s, %v; want pending", state, err)
	}

	server.putFailures = 0
	if uploaded, err := laptop.manager.UploadPending(ctx); err != nil || uploaded != 1 {
		t.Fatalf("retry pass = %d, %v; want 1 uploaded", uploaded, err)
	}
}

func TestCheckVersionRequiresTrustedSignature(t *testing.T) {
	ctx := context.Background()
	server := newFakeServer()
	laptop := newTestDevice(t, server, testDevice)
	recovery, err := laptop.manager.CreateVersion(ctx)
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	defer recovery.Close()

	if _, err := laptop.manager.CheckVersion(ctx); err != nil {
		t.Fatalf("CheckVersion on own version: %v", err)
	}

	// Another device of the account sees a version signed by a device
	// it has not verified.
	phone := newTestDevice(t, server, ref.MustParseDeviceID("PHONE"))
	if _, err := phone.manager.CheckVersion(ctx); !errors.Is(err, ErrAuthDataInvalid) {
		t.Fatalf("CheckVersion from unverified signer = %v, want ErrAuthDataInvalid", err)
	}

	err = phone.store.PutDevice(ctx, &store.DeviceKeys{
		UserID:   testUser,
		DeviceID: testDevice,
		Keys:     map[string]string{"ed25519:" + testDevice.String(): laptop.account.Ed25519Key()},
		Trust:    store.TrustLocallyVerified,
	})
	if err != nil {
		t.Fatalf("PutDevice: %v", err)
	}
	if _, err := phone.manager.CheckVersion(ctx); err != nil {
		t.Fatalf("CheckVersion from verified signer: %v", err)
	}

	server.mu.Lock()
	server.version = ""
	server.mu.Unlock()
	if _, err := phone.manager.CheckVersion(ctx); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("CheckVersion without a backup = %v, want ErrNoBackup", err)
	}
	if _, err := phone.store.GetBackupVersion(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale version kept after the backup was deleted: %v", err)
	}
}
