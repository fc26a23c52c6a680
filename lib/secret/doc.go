// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// [Buffer] allocates an anonymous mmap region, locks it into RAM
// (mlock) and excludes it from core dumps (MADV_DONTDUMP). The garbage
// collector never sees or copies the memory, and Close zeroes it before
// unmapping. The encryption engine keeps its pickle key, backup recovery
// secrets, and decrypted backup payloads in Buffers.
//
// Constructors: [New], [NewFromBytes] (zeroes the source slice),
// [NewFromString]. Readers: [ReadFromPath] for files and stdin,
// [ReadFromTerminal] for interactive prompts without echo.
package secret
