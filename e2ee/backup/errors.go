// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import "errors"

var (
	// ErrVersionMismatch is returned when the server's current backup
	// version is not the one an upload targeted.
	ErrVersionMismatch = errors.New("backup: server backup version changed")

	// ErrAuthDataInvalid is returned when a backup version's auth data
	// is malformed, carries no valid signature from a trusted device of
	// this account, or does not match the recovery key.
	ErrAuthDataInvalid = errors.New("backup: backup auth data invalid")

	// ErrTransportFailure is returned when retries of a server call are
	// exhausted. Sessions of the failed batch stay pending.
	ErrTransportFailure = errors.New("backup: transport failure")

	// ErrNoBackup is returned when the server holds no backup version.
	ErrNoBackup = errors.New("backup: no backup version")
)
