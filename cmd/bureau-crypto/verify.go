// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bureau-foundation/matrixcrypto/e2ee"
	"github.com/bureau-foundation/matrixcrypto/e2ee/verification"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
)

// runVerify requests verification of one device, syncs until the
// short authentication string is available, and asks the operator to
// compare it.
func runVerify(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, args, err := parseFlags("verify", args, stderr, nil)
	if err != nil {
		return err
	}
	if len(args) != 2 {
		return errors.New("usage: bureau-crypto verify USER DEVICE")
	}
	userID, err := ref.ParseUserID(args[0])
	if err != nil {
		return err
	}
	deviceID, err := ref.ParseDeviceID(args[1])
	if err != nil {
		return err
	}

	sasReady := make(chan *verification.Transaction, 1)
	finished := make(chan *verification.Transaction, 1)
	callbacks := verification.Callbacks{
		OnSAS:       func(tx *verification.Transaction) { sasReady <- tx },
		OnDone:      func(tx *verification.Transaction) { finished <- tx },
		OnCancelled: func(tx *verification.Transaction) { finished <- tx },
	}
	env, err := openMachine(opts, stderr, callbacks)
	if err != nil {
		return err
	}
	defer env.Close()
	if err := env.machine.Start(ctx); err != nil {
		return err
	}

	syncCtx, stopSync := context.WithCancel(ctx)
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		env.machine.RunSyncLoop(syncCtx, env.session, e2ee.SyncLoopConfig{
			Timeout: env.settings.Homeserver.SyncTimeout,
		}, "", nil)
	}()
	defer func() {
		stopSync()
		<-syncDone
	}()

	if _, err := env.machine.Devices(ctx, userID); err != nil {
		return err
	}
	tx, err := env.machine.VerifyDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Verification request sent to %s %s; accept it on that device.\n", userID, deviceID)

	for {
		select {
		case <-ctx.Done():
			if err := env.machine.Verification().Cancel(context.WithoutCancel(ctx), tx.ID()); err != nil && !errors.Is(err, verification.ErrInvalidState) {
				env.logger.Warn("cancelling verification", "error", err)
			}
			return ctx.Err()
		case ready := <-sasReady:
			if err := compareEmoji(ctx, env, ready, stdout); err != nil {
				return err
			}
		case done := <-finished:
			if done.State() == verification.Done {
				fmt.Fprintf(stdout, "Device %s %s is verified.\n", userID, deviceID)
				return nil
			}
			return fmt.Errorf("verification cancelled: %w", done.Err())
		}
	}
}

// compareEmoji shows the emoji and records the operator's answer.
func compareEmoji(ctx context.Context, env *environment, tx *verification.Transaction, stdout io.Writer) error {
	emoji, err := tx.Emoji()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Compare these emoji with the other device:")
	for _, e := range emoji {
		fmt.Fprintf(stdout, "  %s  %s\n", e.Symbol, e.Description)
	}
	fmt.Fprint(stdout, "Do they match? [y/N] ")

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(answer), "y") {
		return env.machine.Verification().Confirm(ctx, tx.ID())
	}
	return env.machine.Verification().Mismatch(ctx, tx.ID())
}
