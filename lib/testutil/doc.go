// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the module's tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so that tests driven by a fake clock still have a wall-clock
// safety valve against hangs. [UniqueID] produces distinct transaction
// and request identifiers without reading the time.
package testutil
