// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigDefaults(t *testing.T) {
	out, err := execute(t, "config", "defaults")
	require.NoError(t, err)
	assert.Contains(t, out, `addr: :8090`)
	assert.Contains(t, out, "evolution_threshold: 0.1")
}

func TestConfigCheck_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0600))

	out, err := execute(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, `addr: :9999`)
}

func TestConfigCheck_MasksRedisPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := "bus:\n  driver: redis\n  redis:\n    addr: \"redis:6379\"\n    password: hunter2\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	out, err := execute(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "password: REDACTED")
}

func TestConfigCheck_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  driver: kafka\n"), 0600))

	_, err := execute(t, "config", "check", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestServe_RejectsArgs(t *testing.T) {
	_, err := execute(t, "serve", "extra")
	assert.Error(t, err)
}
