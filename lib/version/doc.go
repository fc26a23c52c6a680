// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build of the running binary. GitCommit,
// GitDirty, and BuildTime are injected with -ldflags -X and read
// "unknown" in development builds and tests.
package version
