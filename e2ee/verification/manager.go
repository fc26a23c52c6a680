// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/matrixcrypto/e2ee/event"
	"github.com/bureau-foundation/matrixcrypto/lib/clock"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/store"
)

const (
	// DefaultTimeout bounds a transaction from creation to completion.
	DefaultTimeout = 10 * time.Minute

	// Events stamped further in the future or past than these bounds
	// are dropped without a reply.
	maxFutureSkew = 5 * time.Minute
	maxEventAge   = 10 * time.Minute

	// terminalRetention is how long finished transactions are kept so
	// late events for them are absorbed rather than answered with
	// UnknownTransaction.
	terminalRetention = time.Hour

	sendAttempts = 3
	sendBackoff  = 500 * time.Millisecond

	// cancelSendTimeout bounds the cancel sent when a transaction
	// times out, which has no caller context.
	cancelSendTimeout = 30 * time.Second
)

var supportedSAS = []string{event.SASEmoji, event.SASDecimal}

// Sender delivers verification events. e2ee.KeyServer satisfies it.
type Sender interface {
	SendToDevice(ctx context.Context, eventType ref.EventType, messages map[ref.UserID]map[string]any) error
	SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (string, error)
}

// Callbacks report transaction progress. They run on the goroutine
// that handled the triggering event and must not block.
type Callbacks struct {
	// OnRequest is called when another device asks to verify; answer
	// with Accept or Cancel.
	OnRequest func(*Transaction)

	// OnSAS is called once the short authentication string can be
	// shown; answer with Confirm or Mismatch.
	OnSAS func(*Transaction)

	OnDone      func(*Transaction)
	OnCancelled func(*Transaction)
}

// Config configures a Manager.
type Config struct {
	UserID   ref.UserID
	DeviceID ref.DeviceID

	// SigningKey returns this device's ed25519 key, which the MAC
	// proves to the other side.
	SigningKey func() string

	Store  *store.Store
	Sender Sender

	// LookupDevice returns the directory entry of a device. It
	// defaults to reading the store.
	LookupDevice func(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID) (*store.DeviceKeys, error)

	Timeout   time.Duration
	Callbacks Callbacks

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager runs the verification transactions of one device.
type Manager struct {
	local      store.DeviceRef
	signingKey func() string
	store      *store.Store
	sender     Sender
	lookup     func(context.Context, ref.UserID, ref.DeviceID) (*store.DeviceKeys, error)
	timeout    time.Duration
	callbacks  Callbacks
	clock      clock.Clock
	logger     *slog.Logger
	ownership  *ownershipRegistry

	// mu guards the fields below. It is never held while acquiring a
	// transaction's lock.
	mu           sync.Mutex
	closed       bool
	transactions map[string]*Transaction
	finished     []finishedTransaction
	sentEvents   map[string]struct{}
}

type finishedTransaction struct {
	id      string
	endedAt time.Time
}

// NewManager returns a manager with no transactions.
func NewManager(config Config) (*Manager, error) {
	if config.UserID.IsZero() || config.DeviceID.IsZero() {
		return nil, errors.New("verification: manager requires a user ID and a device ID")
	}
	if config.Store == nil || config.Sender == nil || config.SigningKey == nil {
		return nil, errors.New("verification: manager requires a store, a sender, and a signing key")
	}
	if config.LookupDevice == nil {
		config.LookupDevice = config.Store.GetDevice
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		local:        store.DeviceRef{UserID: config.UserID, DeviceID: config.DeviceID},
		signingKey:   config.SigningKey,
		store:        config.Store,
		sender:       config.Sender,
		lookup:       config.LookupDevice,
		timeout:      config.Timeout,
		callbacks:    config.Callbacks,
		clock:        config.Clock,
		logger:       config.Logger,
		ownership:    newOwnershipRegistry(config.DeviceID),
		transactions: make(map[string]*Transaction),
		sentEvents:   make(map[string]struct{}),
	}, nil
}

// Transaction returns the transaction with id, including finished ones
// still retained.
func (m *Manager) Transaction(id string) (*Transaction, bool) {
	t := m.get(id)
	return t, t != nil
}

// Transactions returns every transaction not yet finished.
func (m *Manager) Transactions() []*Transaction {
	var live []*Transaction
	for _, t := range m.snapshot() {
		if !t.State().Terminal() {
			live = append(live, t)
		}
	}
	return live
}

// Close cancels every timer and forgets all transactions and ownership
// records. Transactions are not cancelled towards their peers; a
// stored record of a live one is cleaned up by Resume on the next run.
func (m *Manager) Close() {
	m.mu.Lock()
	transactions := m.transactions
	m.closed = true
	m.transactions = make(map[string]*Transaction)
	m.finished = nil
	clear(m.sentEvents)
	m.mu.Unlock()

	for _, t := range transactions {
		t.timer.Stop()
	}
	m.ownership.clear()
}

// Resume cancels transactions persisted by a previous run. Their
// ephemeral keys did not survive, so they cannot continue.
func (m *Manager) Resume(ctx context.Context) error {
	records, err := m.store.ListVerifications(ctx)
	if err != nil {
		return fmt.Errorf("verification: listing stored transactions: %w", err)
	}
	for _, record := range records {
		if m.get(record.TransactionID) != nil {
			continue
		}
		t := &Transaction{
			id:          record.TransactionID,
			roomID:      record.RoomID,
			otherUser:   record.OtherUser,
			otherDevice: record.OtherDevice,
		}
		cancel := &event.VerificationCancel{Code: string(CancelTimeout), Reason: "transaction interrupted by restart"}
		if err := m.send(ctx, t, cancel); err != nil {
			m.logger.Warn("cannot cancel interrupted verification",
				"transaction_id", record.TransactionID,
				"error", err,
			)
		}
		if err := m.store.DeleteVerification(ctx, record.TransactionID); err != nil {
			return err
		}
		state, _ := parseState(record.State)
		m.logger.Info("cancelled interrupted verification",
			"transaction_id", record.TransactionID,
			"state", state.String(),
		)
	}
	return nil
}

// RequestVerification asks device of user to verify. A zero device
// sends the request to all of the user's devices; the first to answer
// takes the transaction.
func (m *Manager) RequestVerification(ctx context.Context, user ref.UserID, device ref.DeviceID) (*Transaction, error) {
	if user.IsZero() {
		return nil, errors.New("verification: request requires a user")
	}
	t, err := m.newTransaction(uuid.NewString(), ref.RoomID{}, user, device, m.local)
	if err != nil {
		return nil, err
	}
	request := &event.VerificationRequest{
		FromDevice: m.local.DeviceID,
		Methods:    []string{event.MethodSAS},
		Timestamp:  m.clock.Now().UnixMilli(),
	}
	m.withTransaction(t, func() {
		if err = m.send(ctx, t, request); err != nil {
			return
		}
		t.state = Requested
		m.persist(ctx, t)
	})
	if err != nil {
		m.forget(t)
		return nil, fmt.Errorf("verification: sending request: %w", err)
	}
	return t, nil
}

// RequestInRoom asks user to verify over the events of roomID. The
// request event's ID becomes the transaction ID.
func (m *Manager) RequestInRoom(ctx context.Context, roomID ref.RoomID, user ref.UserID) (*Transaction, error) {
	if roomID.IsZero() || user.IsZero() {
		return nil, errors.New("verification: in-room request requires a room and a user")
	}
	request := &event.VerificationRequest{
		MsgType:    event.MsgTypeVerificationRequest,
		Body:       m.local.UserID.String() + " is requesting to verify your device",
		To:         user,
		FromDevice: m.local.DeviceID,
		Methods:    []string{event.MethodSAS},
	}
	var eventID string
	err := m.retry(ctx, func() error {
		var err error
		eventID, err = m.sender.SendEvent(ctx, roomID, event.TypeMessage, request)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("verification: sending request: %w", err)
	}
	m.rememberSent(eventID)

	t, err := m.newTransaction(eventID, roomID, user, ref.DeviceID{}, m.local)
	if err != nil {
		return nil, err
	}
	m.ownership.claim(eventID, m.local.DeviceID)
	m.withTransaction(t, func() {
		t.state = Requested
		m.persist(ctx, t)
	})
	return t, nil
}

// StartVerification begins SAS with device directly, without a
// request.
func (m *Manager) StartVerification(ctx context.Context, user ref.UserID, device ref.DeviceID) (*Transaction, error) {
	if user.IsZero() || device.IsZero() {
		return nil, errors.New("verification: start requires a user and a device")
	}
	t, err := m.newTransaction(uuid.NewString(), ref.RoomID{}, user, device, m.local)
	if err != nil {
		return nil, err
	}
	m.withTransaction(t, func() { err = m.sendStart(ctx, t) })
	if err != nil {
		m.forget(t)
		return nil, err
	}
	return t, nil
}

// Accept answers an incoming request with ready.
func (m *Manager) Accept(ctx context.Context, id string) error {
	return m.operate(id, func(t *Transaction) error {
		if t.state != Requested || t.weInitiated {
			return ErrInvalidState
		}
		if t.InRoom() && !m.claim(ctx, t) {
			return ErrInvalidState
		}
		ready := &event.VerificationReady{FromDevice: m.local.DeviceID, Methods: []string{event.MethodSAS}}
		if err := m.send(ctx, t, ready); err != nil {
			return err
		}
		t.state = Ready
		m.persist(ctx, t)
		return nil
	})
}

// Start begins SAS on a transaction in Ready.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.operate(id, func(t *Transaction) error {
		if t.state != Ready {
			return ErrInvalidState
		}
		return m.sendStart(ctx, t)
	})
}

// Confirm records that the user saw matching short authentication
// strings on both devices and sends this side's MAC.
func (m *Manager) Confirm(ctx context.Context, id string) error {
	return m.operate(id, func(t *Transaction) error {
		if t.state != KeyExchanged || t.macSent {
			return ErrInvalidState
		}
		if err := m.sendMAC(ctx, t); err != nil {
			return err
		}
		t.macSent = true
		if t.theirMACValid {
			m.macExchanged(ctx, t)
		}
		m.persist(ctx, t)
		return nil
	})
}

// Mismatch cancels a transaction whose short authentication strings
// the user found to differ.
func (m *Manager) Mismatch(ctx context.Context, id string) error {
	return m.operate(id, func(t *Transaction) error {
		if t.state.Terminal() {
			return ErrInvalidState
		}
		m.cancelWith(ctx, t, CancelKeyMismatch, "short authentication strings differ")
		return nil
	})
}

// Cancel cancels a transaction at the user's request.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.operate(id, func(t *Transaction) error {
		if t.state.Terminal() {
			return ErrInvalidState
		}
		m.cancelWith(ctx, t, CancelUser, "cancelled by user")
		return nil
	})
}

// DeviceInvalidated cancels every live transaction with a device that
// was removed or whose keys changed.
func (m *Manager) DeviceInvalidated(ctx context.Context, user ref.UserID, device ref.DeviceID) {
	for _, t := range m.snapshot() {
		m.withTransaction(t, func() {
			if t.state.Terminal() || t.otherUser != user || t.otherDevice != device {
				return
			}
			m.cancelWith(ctx, t, CancelKeyMismatch, "device removed or its keys changed")
		})
	}
}

// operate runs fn on transaction id under its lock.
func (m *Manager) operate(id string, fn func(*Transaction) error) error {
	t := m.get(id)
	if t == nil {
		return ErrUnknownTransaction
	}
	var err error
	m.withTransaction(t, func() { err = fn(t) })
	return err
}

// withTransaction runs fn under t's lock and reports the resulting
// state change to the callbacks once the lock is released.
func (m *Manager) withTransaction(t *Transaction, fn func()) {
	t.mu.Lock()
	before := t.state
	fn()
	after := t.state
	t.mu.Unlock()
	if after != before {
		m.notify(t, after)
	}
}

func (m *Manager) notify(t *Transaction, state State) {
	var callback func(*Transaction)
	switch state {
	case Requested:
		if !t.weInitiated {
			callback = m.callbacks.OnRequest
		}
	case KeyExchanged:
		callback = m.callbacks.OnSAS
	case Done:
		callback = m.callbacks.OnDone
	case Cancelled:
		callback = m.callbacks.OnCancelled
	}
	if callback != nil {
		callback(t)
	}
}

// newTransaction registers a transaction and arms its timeout.
func (m *Manager) newTransaction(id string, roomID ref.RoomID, user ref.UserID, device ref.DeviceID, initiator store.DeviceRef) (*Transaction, error) {
	now := m.clock.Now()
	t := &Transaction{
		id:          id,
		roomID:      roomID,
		initiator:   initiator,
		weInitiated: initiator == m.local,
		createdAt:   now,
		deadline:    now.Add(m.timeout),
		otherUser:   user,
		otherDevice: device,
	}
	t.timer = m.clock.AfterFunc(m.timeout, func() { m.expire(t) })

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		t.timer.Stop()
		return nil, ErrClosed
	}
	if _, exists := m.transactions[id]; exists {
		t.timer.Stop()
		return nil, fmt.Errorf("verification: transaction %s already exists", id)
	}
	m.pruneLocked(now)
	m.transactions[id] = t
	return t, nil
}

func (m *Manager) pruneLocked(now time.Time) {
	kept := m.finished[:0]
	for _, entry := range m.finished {
		if now.Sub(entry.endedAt) >= terminalRetention {
			delete(m.transactions, entry.id)
			continue
		}
		kept = append(kept, entry)
	}
	m.finished = kept
}

func (m *Manager) get(id string) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactions[id]
}

func (m *Manager) forget(t *Transaction) {
	t.timer.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transactions[t.id] == t {
		delete(m.transactions, t.id)
	}
}

func (m *Manager) snapshot() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	transactions := make([]*Transaction, 0, len(m.transactions))
	for _, t := range m.transactions {
		transactions = append(transactions, t)
	}
	return transactions
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) rememberSent(eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentEvents[eventID] = struct{}{}
}

// takeSent reports whether eventID was sent by this device, forgetting
// it.
func (m *Manager) takeSent(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sentEvents[eventID]
	delete(m.sentEvents, eventID)
	return ok
}

func (m *Manager) expire(t *Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelSendTimeout)
	defer cancel()
	m.withTransaction(t, func() {
		m.cancelWith(ctx, t, CancelTimeout, "transaction timed out")
	})
}

// claim records this device as the one handling an in-room
// transaction. If another device of the account holds it, the
// transaction ends locally. Caller holds t.mu.
func (m *Manager) claim(ctx context.Context, t *Transaction) bool {
	owner := m.ownership.claim(t.id, m.local.DeviceID)
	if owner == m.local.DeviceID {
		return true
	}
	m.finish(ctx, t, Cancelled, &CancelledError{Code: CancelAccepted, Reason: "handled by device " + owner.String()})
	return false
}

// retry calls send until it succeeds, fails permanently, or attempts
// run out.
func (m *Manager) retry(ctx context.Context, send func() error) error {
	var err error
	for attempt := range sendAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.clock.After(sendBackoff << (attempt - 1)):
			}
		}
		if err = send(); err == nil || !messaging.IsTransient(err) {
			return err
		}
	}
	return err
}

// send delivers content to the transaction's peer. Caller holds t.mu.
func (m *Manager) send(ctx context.Context, t *Transaction, content event.VerificationContent) error {
	content.SetTransaction(t.id, t.InRoom())
	if t.InRoom() {
		return m.retry(ctx, func() error {
			eventID, err := m.sender.SendEvent(ctx, t.roomID, content.EventType(), content)
			if err == nil {
				m.rememberSent(eventID)
			}
			return err
		})
	}
	device := "*"
	if !t.otherDevice.IsZero() {
		device = t.otherDevice.String()
	}
	messages := map[ref.UserID]map[string]any{t.otherUser: {device: content}}
	return m.retry(ctx, func() error {
		return m.sender.SendToDevice(ctx, content.EventType(), messages)
	})
}

// persist writes a live transaction to the store and prunes a finished
// one. Caller holds t.mu.
func (m *Manager) persist(ctx context.Context, t *Transaction) {
	if t.state.Terminal() {
		if err := m.store.DeleteVerification(ctx, t.id); err != nil {
			m.logger.Warn("cannot prune verification record", "transaction_id", t.id, "error", err)
		}
		return
	}
	if t.record == nil {
		t.record = &store.VerificationRecord{
			TransactionID: t.id,
			OtherUser:     t.otherUser,
			RoomID:        t.roomID,
			StartedAt:     t.createdAt,
			Deadline:      t.deadline,
			WeStarted:     t.weInitiated,
		}
	}
	t.record.OtherDevice = t.otherDevice
	t.record.State = t.state.String()
	if t.start != nil {
		t.record.Method = t.start.Method
	}
	if err := m.store.PutVerification(ctx, t.record); err != nil {
		m.logger.Warn("cannot persist verification", "transaction_id", t.id, "error", err)
	}
}

// cancelWith cancels t and tells the peer, except for CancelAccepted
// which is local. Caller holds t.mu.
func (m *Manager) cancelWith(ctx context.Context, t *Transaction, code CancelCode, reason string) {
	if t.state.Terminal() {
		return
	}
	if code != CancelAccepted {
		cancel := &event.VerificationCancel{Code: string(code), Reason: reason}
		if err := m.send(ctx, t, cancel); err != nil {
			m.logger.Warn("cannot send verification cancel",
				"transaction_id", t.id,
				"code", string(code),
				"error", err,
			)
		}
	}
	m.finish(ctx, t, Cancelled, &CancelledError{Code: code, Reason: reason})
}

// finish moves t to a terminal state. Caller holds t.mu.
func (m *Manager) finish(ctx context.Context, t *Transaction, state State, cancelled *CancelledError) {
	t.state = state
	t.cancelled = cancelled
	t.endedAt = m.clock.Now()
	t.timer.Stop()
	m.persist(ctx, t)
	if t.InRoom() {
		m.ownership.release(t.id)
	}

	m.mu.Lock()
	m.finished = append(m.finished, finishedTransaction{id: t.id, endedAt: t.endedAt})
	m.mu.Unlock()

	attrs := []any{
		"transaction_id", t.id,
		"user_id", t.otherUser.String(),
		"device_id", t.otherDevice.String(),
		"state", state.String(),
	}
	if cancelled != nil {
		attrs = append(attrs, "code", string(cancelled.Code), "by_peer", cancelled.ByPeer, "reason", cancelled.Reason)
	}
	m.logger.Info("verification finished", attrs...)
}
