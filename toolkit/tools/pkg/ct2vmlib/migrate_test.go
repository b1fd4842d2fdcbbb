// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRsyncArgs(t *testing.T) {
	args := rsyncArgs("/var/lib/lxc/105/rootfs", "/var/tmp/ct2vm-105-9105/mnt/",
		"/var/tmp/ct2vm-105-9105/.rsync-partial")

	assert.Equal(t, []string{"-aHAX", "--numeric-ids", "--info=progress2", "--partial",
		"--partial-dir=/var/tmp/ct2vm-105-9105/.rsync-partial"}, args[:5])
	assert.Contains(t, args, "--exclude=/proc/*")
	assert.Contains(t, args, "--exclude=/lost+found")

	// The sources' contents are copied, not the directory itself.
	assert.Equal(t, "/var/lib/lxc/105/rootfs/", args[len(args)-2])
	assert.Equal(t, "/var/tmp/ct2vm-105-9105/mnt/", args[len(args)-1])
}

func TestIsRsyncWarning(t *testing.T) {
	assert.True(t, isRsyncWarning(23))
	assert.True(t, isRsyncWarning(24))
	assert.False(t, isRsyncWarning(0))
	assert.False(t, isRsyncWarning(12))
	assert.False(t, isRsyncWarning(-1))
}

func TestIsRsyncVanishedLine(t *testing.T) {
	assert.True(t, isRsyncVanishedLine(`file has vanished: "/var/lib/lxc/105/rootfs/tmp/.X0-lock"`))
	assert.False(t, isRsyncVanishedLine(`rsync warning: some files vanished before they could be transferred (code 24)`))
	assert.False(t, isRsyncVanishedLine(""))
}
