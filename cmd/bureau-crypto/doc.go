// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-crypto runs the end-to-end encryption engine for one Matrix
// device and exposes its maintenance operations.
//
// Subcommands:
//
//	run                 sync with the homeserver and keep keys current
//	verify USER DEVICE  verify another device by comparing emoji
//	backup create       create a backup version and print its recovery key
//	backup status       show the backup version and per-room state
//	backup restore      import every session from the current backup
//	inspect             count the records in the crypto store
//	logout              wipe all cryptographic state of this device
//
// The configuration file is named by --config or BUREAU_CRYPTO_CONFIG.
// YAML and JSONC files are accepted. Logs are JSON on stderr.
package main
