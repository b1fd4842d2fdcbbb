// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package installutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func TestWriteFstab(t *testing.T) {
	root := t.TempDir()

	err := WriteFstab(root, []FstabEntry{
		{Source: UuidFstabSource("1111"), MountPoint: "/", FsType: "ext4"},
		{Source: UuidFstabSource("AAAA-BBBB"), MountPoint: "/boot/efi", FsType: "vfat", Options: "umask=0077"},
	})
	require.NoError(t, err)

	lines, err := file.ReadLines(filepath.Join(root, FstabFile))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"# <file system> <mount point> <type> <options> <dump> <pass>",
		"UUID=1111 / ext4 defaults 0 1",
		"UUID=AAAA-BBBB /boot/efi vfat umask=0077 0 2",
	}, lines)
}

func TestReplaceRootMountOption(t *testing.T) {
	root := t.TempDir()
	fstabPath := filepath.Join(root, FstabFile)
	err := file.Write("UUID=1111 / ext4 errors=remount-ro 0 1\nUUID=2222 /data ext4 errors=remount-ro 0 2\n",
		fstabPath)
	require.NoError(t, err)

	changed, err := ReplaceRootMountOption(root, "errors=remount-ro", "defaults")
	require.NoError(t, err)
	assert.True(t, changed)

	lines, err := file.ReadLines(fstabPath)
	require.NoError(t, err)
	assert.Equal(t, "UUID=1111 / ext4 defaults 0 1", lines[0])
	assert.Equal(t, "UUID=2222 /data ext4 errors=remount-ro 0 2", lines[1])

	changed, err = ReplaceRootMountOption(root, "errors=remount-ro", "defaults")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUpdateGrubCmdline(t *testing.T) {
	root := t.TempDir()
	grubPath := filepath.Join(root, GrubDefFile)
	err := file.Write("GRUB_DEFAULT=0\nGRUB_CMDLINE_LINUX=\"quiet ro\"\n", grubPath)
	require.NoError(t, err)

	err = UpdateGrubCmdline(root, []string{"rw", "console=ttyS0,115200"}, []string{"ro"})
	require.NoError(t, err)

	lines, err := file.ReadLines(grubPath)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"GRUB_DEFAULT=0",
		"GRUB_CMDLINE_LINUX=\"quiet rw console=ttyS0,115200\"",
	}, lines)
}

func TestUpdateGrubCmdlineMissingFile(t *testing.T) {
	root := t.TempDir()

	err := UpdateGrubCmdline(root, []string{"console=tty0"}, nil)
	require.NoError(t, err)

	content, err := file.Read(filepath.Join(root, GrubDefFile))
	require.NoError(t, err)
	assert.Equal(t, "GRUB_CMDLINE_LINUX=\"console=tty0\"\n", content)
}
