// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crypto.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const memoryConfig = `
environment: development
store:
  path: memory
  pickle_key_file: ""
`

func TestInspectEmptyMemoryStore(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"inspect", "--config", path, "--log-level", "error"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("inspect: %v\nstderr: %s", err, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) == 0 {
		t.Fatal("inspect printed nothing")
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[1] != "0" {
			t.Errorf("unexpected line for an empty store: %q", line)
		}
	}
}

func TestLogoutRequiresConfirmation(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"logout", "--config", path}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("logout without --yes = %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"frobnicate"}, &stdout, &stderr); err == nil {
		t.Fatal("unknown command accepted")
	}
	if !strings.Contains(stderr.String(), "commands:") {
		t.Fatal("usage not printed for an unknown command")
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	path := writeConfig(t, `
environment: production
store:
  path: memory
  pickle_key_file: ""
`)
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"inspect", "--config", path}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "memory store") {
		t.Fatalf("production memory store = %v", err)
	}
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &stdout, &stderr); err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "bureau-crypto ") {
		t.Fatalf("version output = %q", stdout.String())
	}
}
