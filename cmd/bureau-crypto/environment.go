// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/matrixcrypto/e2ee"
	"github.com/bureau-foundation/matrixcrypto/e2ee/verification"
	"github.com/bureau-foundation/matrixcrypto/lib/config"
	"github.com/bureau-foundation/matrixcrypto/lib/ref"
	"github.com/bureau-foundation/matrixcrypto/lib/secret"
	"github.com/bureau-foundation/matrixcrypto/messaging"
	"github.com/bureau-foundation/matrixcrypto/store"
)

// minimumPickleKeyLength is the shortest accepted pickle key file.
const minimumPickleKeyLength = 32

// environment holds everything a subcommand opened. Close releases it
// in reverse order.
type environment struct {
	settings  *config.Config
	logger    *slog.Logger
	store     *store.Store
	pickleKey *secret.Buffer
	session   *messaging.DirectSession
	machine   *e2ee.Machine
}

// openStore loads the config and opens the crypto store and pickle key.
func openStore(opts *options, stderr io.Writer) (*environment, error) {
	logger, err := newLogger(stderr, opts.logLevel)
	if err != nil {
		return nil, err
	}
	settings, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}
	if err := settings.EnsureDirectories(); err != nil {
		return nil, err
	}
	env := &environment{settings: settings, logger: logger}

	if env.pickleKey, err = readPickleKey(settings); err != nil {
		return nil, err
	}

	var backend store.Backend
	if settings.InMemoryStore() {
		logger.Warn("using the memory store; keys are lost on exit")
		backend = store.NewMemory()
	} else {
		backend, err = store.OpenSQLite(store.SQLiteConfig{
			Path:     settings.Store.Path,
			PoolSize: settings.Store.PoolSize,
			Logger:   logger.With("component", "store"),
		})
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("opening crypto store: %w", err)
		}
	}
	env.store = store.New(backend, logger.With("component", "store"))
	return env, nil
}

// readPickleKey reads the configured key file. The memory store gets a
// random key, since nothing it encrypts outlives the process.
func readPickleKey(settings *config.Config) (*secret.Buffer, error) {
	if settings.InMemoryStore() && settings.Store.PickleKeyFile == "" {
		key, err := secret.New(minimumPickleKeyLength)
		if err != nil {
			return nil, err
		}
		if _, err := rand.Read(key.Bytes()); err != nil {
			key.Close()
			return nil, fmt.Errorf("generating pickle key: %w", err)
		}
		return key, nil
	}
	key, err := secret.ReadFromPath(settings.Store.PickleKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading pickle key: %w", err)
	}
	if key.Len() < minimumPickleKeyLength {
		key.Close()
		return nil, fmt.Errorf("pickle key %s is shorter than %d bytes", settings.Store.PickleKeyFile, minimumPickleKeyLength)
	}
	return key, nil
}

// openMachine opens the store, authenticates to the homeserver, and
// constructs the encryption engine. The machine is not started.
func openMachine(opts *options, stderr io.Writer, callbacks verification.Callbacks) (*environment, error) {
	env, err := openStore(opts, stderr)
	if err != nil {
		return nil, err
	}
	if err := env.connect(); err != nil {
		env.Close()
		return nil, err
	}
	env.machine, err = e2ee.NewMachine(e2ee.MachineConfig{
		UserID:       env.session.UserID(),
		DeviceID:     env.session.DeviceID(),
		Store:        env.store,
		Server:       env.session,
		BackupServer: env.session,
		PickleKey:    env.pickleKey,
		Settings:     env.settings,
		Verification: callbacks,
		Logger:       env.logger,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (env *environment) connect() error {
	homeserver := env.settings.Homeserver
	if homeserver.URL == "" || homeserver.TokenFile == "" {
		return errors.New("homeserver.url and homeserver.token_file are required")
	}
	userID, err := ref.ParseUserID(homeserver.UserID)
	if err != nil {
		return fmt.Errorf("homeserver.user_id: %w", err)
	}
	deviceID, err := ref.ParseDeviceID(homeserver.DeviceID)
	if err != nil {
		return fmt.Errorf("homeserver.device_id: %w", err)
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: homeserver.URL,
		Logger:        env.logger.With("component", "messaging"),
	})
	if err != nil {
		return err
	}
	token, err := secret.ReadFromPath(homeserver.TokenFile)
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}
	env.session, err = client.SessionFromToken(userID, deviceID, token)
	if err != nil {
		token.Close()
		return err
	}
	return nil
}

func (env *environment) Close() {
	if env.machine != nil {
		env.machine.Close()
	}
	if env.session != nil {
		env.session.Close()
	}
	if env.store != nil {
		if err := env.store.Close(); err != nil {
			env.logger.Error("closing crypto store", "error", err)
		}
	}
	if env.pickleKey != nil {
		env.pickleKey.Close()
	}
}
