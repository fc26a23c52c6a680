// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/matrixcrypto/e2ee/backup"
	"github.com/bureau-foundation/matrixcrypto/e2ee/verification"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
)

func runBackup(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var keyFile string
	opts, args, err := parseFlags("backup", args, stderr, func(flagSet *pflag.FlagSet) {
		flagSet.StringVar(&keyFile, "recovery-key-file", "", "restore: read the recovery key from this file (\"-\" for stdin) instead of the terminal")
	})
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return errors.New("usage: bureau-crypto backup create|status|restore")
	}
	switch args[0] {
	case "create":
		return backupCreate(ctx, opts, stdout, stderr)
	case "status":
		return backupStatus(ctx, opts, stdout, stderr)
	case "restore":
		return backupRestore(ctx, opts, keyFile, stdout, stderr)
	default:
		return fmt.Errorf("unknown backup command %q", args[0])
	}
}

func openBackup(ctx context.Context, opts *options, stderr io.Writer) (*environment, *backup.Manager, error) {
	env, err := openMachine(opts, stderr, verification.Callbacks{})
	if err != nil {
		return nil, nil, err
	}
	manager := env.machine.Backup()
	if manager == nil {
		env.Close()
		return nil, nil, errors.New("backup is disabled in the config")
	}
	if err := env.machine.Start(ctx); err != nil {
		env.Close()
		return nil, nil, err
	}
	return env, manager, nil
}

// backupCreate makes a new backup version and prints the recovery key,
// which is shown exactly once.
func backupCreate(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	env, manager, err := openBackup(ctx, opts, stderr)
	if err != nil {
		return err
	}
	defer env.Close()

	recovery, err := manager.CreateVersion(ctx)
	if err != nil {
		return err
	}
	defer recovery.Close()
	uploaded, err := manager.UploadPending(ctx)
	if err != nil {
		return fmt.Errorf("backup created but upload failed: %w", err)
	}

	fmt.Fprintf(stdout, "Backup created; %d sessions uploaded.\n", uploaded)
	fmt.Fprintf(stdout, "Recovery key (store it safely, it is not shown again):\n\n  %s\n\n", recovery.Secret.String())
	return nil
}

func backupStatus(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	env, manager, err := openBackup(ctx, opts, stderr)
	if err != nil {
		return err
	}
	defer env.Close()

	version, err := manager.CheckVersion(ctx)
	if errors.Is(err, backup.ErrNoBackup) {
		fmt.Fprintln(stdout, "No backup exists on the server.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "version    %s\n", version.Version)
	fmt.Fprintf(stdout, "algorithm  %s\n", version.Algorithm)
	fmt.Fprintf(stdout, "trusted    %v\n", version.Trusted)

	rooms, err := env.store.ListRooms(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if !room.Encrypted {
			continue
		}
		state, err := env.machine.BackupState(ctx, room.RoomID)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%-40s %s\n", room.RoomID, state)
	}
	return nil
}

func backupRestore(ctx context.Context, opts *options, keyFile string, stdout, stderr io.Writer) error {
	var (
		recoverySecret *secret.Buffer
		err            error
	)
	if keyFile != "" {
		recoverySecret, err = secret.ReadFromPath(keyFile)
	} else {
		recoverySecret, err = secret.ReadFromTerminal(int(os.Stdin.Fd()), stderr, "Recovery key: ")
	}
	if err != nil {
		return err
	}
	defer recoverySecret.Close()

	env, manager, err := openBackup(ctx, opts, stderr)
	if err != nil {
		return err
	}
	defer env.Close()

	result, err := manager.RestoreFromBackup(ctx, recoverySecret)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Restored from version %s: %d imported, %d already held, %d failed, of %d.\n",
		result.Version, result.Imported, result.Skipped, result.Failed, result.Total)
	if result.Failed > 0 {
		return fmt.Errorf("%d sessions could not be restored", result.Failed)
	}
	return nil
}
