// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/matrixcrypto/e2ee"
	"github.com/bureau-foundation/matrixcrypto/e2ee/verification"
	"github.com/bureau-foundation/matrixcrypto/messaging"
)

// runSync starts the engine and syncs until interrupted. Incoming
// verification requests are cancelled: answering them needs a person,
// which is what the verify command is for.
func runSync(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, args, err := parseFlags("run", args, stderr, nil)
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return errors.New("run takes no arguments")
	}

	var env *environment
	callbacks := verification.Callbacks{
		OnRequest: func(tx *verification.Transaction) {
			env.logger.Info("declining verification request; use the verify command",
				"transaction_id", tx.ID(),
				"device", tx.Other().String(),
			)
			go func() {
				if err := env.machine.Verification().Cancel(ctx, tx.ID()); err != nil {
					env.logger.Warn("cancelling verification request", "transaction_id", tx.ID(), "error", err)
				}
			}()
		},
	}
	env, err = openMachine(opts, stderr, callbacks)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.machine.Start(ctx); err != nil {
		return err
	}
	keys := env.machine.IdentityKeys()
	fmt.Fprintf(stdout, "device %s ed25519 %s\n", env.session.DeviceID(), keys.Ed25519)

	env.machine.RunSyncLoop(ctx, env.session, e2ee.SyncLoopConfig{
		Timeout: env.settings.Homeserver.SyncTimeout,
	}, "", func(ctx context.Context, response *messaging.SyncResponse, result *e2ee.SyncResult) {
		logSyncResult(env, result)
	})
	return nil
}

func logSyncResult(env *environment, result *e2ee.SyncResult) {
	for roomID, events := range result.Rooms {
		for _, event := range events {
			if event.Err == nil {
				continue
			}
			var decryptErr *e2ee.DecryptionError
			retryable := errors.As(event.Err, &decryptErr) && decryptErr.Retryable()
			env.logger.Warn("undecryptable event",
				"room_id", roomID.String(),
				"event_id", event.EventID,
				"retryable", retryable,
				"error", event.Err,
			)
		}
	}
}
