// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the encryption engine's configuration.
//
// Configuration comes from exactly one file, named by the
// BUREAU_CRYPTO_CONFIG environment variable or by a --config flag.
// There is no search path and no per-field environment override: the
// file is the single auditable source. YAML is the primary format;
// files ending in .json or .jsonc are read as JSON with comments and
// trailing commas.
//
// A file may carry development, staging, and production sections.
// After the base document is decoded, the section matching the
// selected environment is decoded over it, so an override only needs
// to name the keys it changes.
//
// [Default] supplies values for everything the file leaves out, and
// [Config.Validate] rejects combinations the engine cannot run with.
package config
