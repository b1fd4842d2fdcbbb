// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	s := Default()
	assert.Equal(t, "/var/lib/ct2vm", s.Paths.StateDir)
	assert.Equal(t, "vmbr0", s.Defaults.Bridge)
	assert.Equal(t, uint64(1), s.Workspace.OverheadGiB)
	assert.Equal(t, 5*time.Minute, s.Health.AgentTimeout)
	assert.Equal(t, 5*time.Second, s.Health.AgentPollInterval)
	assert.Equal(t, 2, s.Batch.Parallel)
	assert.NoError(t, s.IsValid())
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ct2vm.yaml")
	content := `
defaults:
  storage: tank
  bridge: vmbr1
batch:
  parallel: 4
health:
  agent_timeout: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("CT2VM_DEFAULTS_BRIDGE", "vmbr9")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tank", s.Defaults.Storage)
	assert.Equal(t, "vmbr9", s.Defaults.Bridge)
	assert.Equal(t, 4, s.Batch.Parallel)
	assert.Equal(t, 2*time.Minute, s.Health.AgentTimeout)
	assert.Equal(t, "/run/lock/ct2vm", s.Paths.LockDir)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read settings file")
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ct2vm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch:\n  parallel: 0\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "batch.parallel must be at least 1")
}
