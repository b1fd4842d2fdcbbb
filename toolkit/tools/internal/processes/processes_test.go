// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package processes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addFakeProcess(t *testing.T, procDir string, pid string, root string, name string) {
	dir := filepath.Join(procDir, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.Symlink(root, filepath.Join(dir, "root")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(name+"\n"), 0o644))
}

func TestGetProcessesInRoot(t *testing.T) {
	procDir := t.TempDir()
	addFakeProcess(t, procDir, "1", "/", "systemd")
	addFakeProcess(t, procDir, "4711", "/var/tmp/ct2vm/disk-mnt", "dbus-daemon")
	addFakeProcess(t, procDir, "4712", "/var/tmp/ct2vm/disk-mnt/usr", "other")
	require.NoError(t, os.MkdirAll(filepath.Join(procDir, "sys"), 0o755))

	records, err := getProcessesInRoot(procDir, "/var/tmp/ct2vm/disk-mnt")
	require.NoError(t, err)
	assert.Equal(t, []ProcessRecord{{
		ProcessId:   4711,
		ProcessName: "dbus-daemon",
		ProcessRoot: "/var/tmp/ct2vm/disk-mnt",
	}}, records)
}

func TestGetProcessesInRootMissingProcDir(t *testing.T) {
	_, err := getProcessesInRoot(filepath.Join(t.TempDir(), "missing"), "/")
	assert.Error(t, err)
}
