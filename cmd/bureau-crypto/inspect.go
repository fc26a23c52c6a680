// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/matrixcrypto/e2ee/verification"
)

// runInspect prints the record count of every store table. It needs no
// homeserver.
func runInspect(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, args, err := parseFlags("inspect", args, stderr, nil)
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return errors.New("inspect takes no arguments")
	}
	env, err := openStore(opts, stderr)
	if err != nil {
		return err
	}
	defer env.Close()

	counts, err := env.store.Counts(ctx)
	if err != nil {
		return err
	}
	for _, table := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(stdout, "%-24s %d\n", table, counts[table])
	}
	account, err := env.store.GetAccount(ctx)
	if err == nil {
		fmt.Fprintf(stdout, "\naccount %s %s, one-time keys on server: %d\n",
			account.UserID, account.DeviceID, account.ServerOneTimeKeyCount)
	}
	return nil
}

// runLogout wipes the store. The device's keys cannot be recovered
// afterwards except from a backup.
func runLogout(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var confirmed bool
	opts, args, err := parseFlags("logout", args, stderr, func(flagSet *pflag.FlagSet) {
		flagSet.BoolVar(&confirmed, "yes", false, "confirm that every key of this device may be deleted")
	})
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return errors.New("logout takes no arguments")
	}
	if !confirmed {
		return errors.New("logout deletes every key of this device; pass --yes to confirm")
	}

	env, err := openMachine(opts, stderr, verification.Callbacks{})
	if err != nil {
		return err
	}
	defer env.Close()
	if err := env.machine.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Encryption state wiped.")
	return nil
}
