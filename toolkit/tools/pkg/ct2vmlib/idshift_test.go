// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewIdShifterPrivileged(t *testing.T) {
	assert.Nil(t, newIdShifter(pve.ContainerConfig{Unprivileged: false}))
}

func TestIdShifterDefaultRange(t *testing.T) {
	shifter := newIdShifter(pve.ContainerConfig{Unprivileged: true})
	require.NotNil(t, shifter)

	uid, mapped := shifter.uid(100000)
	assert.True(t, mapped)
	assert.Equal(t, uint32(0), uid)

	gid, mapped := shifter.gid(100033)
	assert.True(t, mapped)
	assert.Equal(t, uint32(33), gid)

	uid, mapped = shifter.uid(165535)
	assert.True(t, mapped)
	assert.Equal(t, uint32(65535), uid)

	uid, mapped = shifter.uid(165536)
	assert.False(t, mapped)
	assert.Equal(t, uint32(165536), uid)

	_, mapped = shifter.uid(0)
	assert.False(t, mapped)
}

func TestIdShifterCustomMaps(t *testing.T) {
	// A container that maps its uid/gid 1000 to the host's 1000 and everything else to the usual range.
	config := pve.ContainerConfig{
		Unprivileged: true,
		IdMaps: []pve.IdMap{
			{Kind: 'u', ContainerId: 0, HostId: 100000, Count: 1000},
			{Kind: 'u', ContainerId: 1000, HostId: 1000, Count: 1},
			{Kind: 'u', ContainerId: 1001, HostId: 101001, Count: 64535},
			{Kind: 'g', ContainerId: 0, HostId: 200000, Count: 65536},
		},
	}

	shifter := newIdShifter(config)

	uid, mapped := shifter.uid(1000)
	assert.True(t, mapped)
	assert.Equal(t, uint32(1000), uid)

	uid, _ = shifter.uid(101001)
	assert.Equal(t, uint32(1001), uid)

	_, mapped = shifter.gid(100000)
	assert.False(t, mapped)

	gid, _ := shifter.gid(200005)
	assert.Equal(t, uint32(5), gid)
}

func TestNormalizeFileCaps(t *testing.T) {
	v3 := make([]byte, vfsCapV3Size)
	binary.LittleEndian.PutUint32(v3[0:4], vfsCapRevision3|1)
	binary.LittleEndian.PutUint32(v3[4:8], 0x00003000)
	binary.LittleEndian.PutUint32(v3[20:24], 100000)

	v2 := normalizeFileCaps(v3)
	require.Len(t, v2, vfsCapV2Size)
	assert.Equal(t, uint32(vfsCapRevision2|1), binary.LittleEndian.Uint32(v2[0:4]))
	assert.Equal(t, uint32(0x00003000), binary.LittleEndian.Uint32(v2[4:8]))

	// v2 caps are left as they are.
	assert.Equal(t, v2, normalizeFileCaps(v2))
}

func TestShiftOwnership(t *testing.T) {
	testutils.CheckSkipForRoot(t, "changes file ownership")

	root := t.TempDir()
	dir := filepath.Join(root, "home", "user")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	filePath := filepath.Join(dir, "passwd-helper")
	require.NoError(t, os.WriteFile(filePath, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Chmod(filePath, 0o755|os.ModeSetuid))

	linkPath := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink("passwd-helper", linkPath))

	for _, path := range []string{root, filepath.Join(root, "home"), dir, filePath, linkPath} {
		require.NoError(t, os.Lchown(path, 101000, 101000))
	}

	shifter := newIdShifter(pve.ContainerConfig{Unprivileged: true})
	changed, err := shiftOwnership(context.Background(), root, shifter)
	require.NoError(t, err)
	assert.Equal(t, 5, changed)

	for _, path := range []string{root, dir, filePath, linkPath} {
		var stat unix.Stat_t
		require.NoError(t, unix.Lstat(path, &stat))
		assert.Equal(t, uint32(1000), stat.Uid, path)
		assert.Equal(t, uint32(1000), stat.Gid, path)
	}

	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSetuid)

	// A second pass has nothing left to shift.
	changed, err = shiftOwnership(context.Background(), root, shifter)
	require.NoError(t, err)
	assert.Zero(t, changed)
}
