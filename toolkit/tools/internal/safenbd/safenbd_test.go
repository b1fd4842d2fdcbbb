// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safenbd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFreeDevice(t *testing.T) {
	sysBlock := t.TempDir()
	for _, name := range []string{"loop0", "nbd0", "nbd1", "nbd10", "nbd2", "sda"} {
		require.NoError(t, os.Mkdir(filepath.Join(sysBlock, name), 0o755))
	}
	for _, connected := range []string{"nbd0", "nbd1"} {
		require.NoError(t, os.WriteFile(filepath.Join(sysBlock, connected, "pid"), []byte("4242\n"), 0o644))
	}

	device, err := FindFreeDevice(sysBlock)
	assert.NoError(t, err)
	assert.Equal(t, "/dev/nbd2", device)
}

func TestFindFreeDeviceAllConnected(t *testing.T) {
	sysBlock := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(sysBlock, "nbd0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sysBlock, "nbd0", "pid"), []byte("1\n"), 0o644))

	_, err := FindFreeDevice(sysBlock)
	assert.ErrorContains(t, err, "no free nbd device")
}
