// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"errors"
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/diskutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/hostmounts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspaceSelector(mounts []hostmounts.Mount, available map[string]uint64) *workspaceSelector {
	return &workspaceSelector{
		listMounts: func() ([]hostmounts.Mount, error) {
			return mounts, nil
		},
		getUsage: func(path string) (hostmounts.Usage, error) {
			size, found := available[path]
			if !found {
				return hostmounts.Usage{}, errors.New("no such file or directory")
			}
			return hostmounts.Usage{Available: size}, nil
		},
	}
}

var testHostMounts = []hostmounts.Mount{
	{Mountpoint: "/", Source: "/dev/mapper/pve-root", FSType: "ext4", Options: "rw,relatime"},
	{Mountpoint: "/boot/efi", Source: "/dev/sda2", FSType: "vfat", Options: "rw"},
	{Mountpoint: "/proc", Source: "proc", FSType: "proc", Options: "rw"},
	{Mountpoint: "/run", Source: "tmpfs", FSType: "tmpfs", Options: "rw"},
	{Mountpoint: "/tmp", Source: "/dev/sdc1", FSType: "ext4", Options: "rw"},
	{Mountpoint: "/mnt/data", Source: "/dev/sdb1", FSType: "xfs", Options: "rw"},
	{Mountpoint: "/srv/data-bind", Source: "/dev/sdb1", FSType: "xfs", Options: "rw"},
	{Mountpoint: "/mnt/backup", Source: "/dev/sdd1", FSType: "ext4", Options: "ro"},
	{Mountpoint: "/mnt/small", Source: "/dev/sde1", FSType: "ext4", Options: "rw"},
	{Mountpoint: "/mnt/sshfs", Source: "user@host:", FSType: "fuse.sshfs", Options: "rw"},
}

var testAvailable = map[string]uint64{
	"/":              40 * diskutils.GiB,
	"/boot/efi":      400 * diskutils.MiB,
	"/tmp":           500 * diskutils.GiB,
	"/mnt/data":      200 * diskutils.GiB,
	"/srv/data-bind": 200 * diskutils.GiB,
	"/mnt/backup":    900 * diskutils.GiB,
	"/mnt/small":     5 * diskutils.GiB,
	"/mnt/sshfs":     900 * diskutils.GiB,
}

func TestWorkspaceCandidates(t *testing.T) {
	selector := newTestWorkspaceSelector(testHostMounts, testAvailable)

	candidates, err := selector.Candidates(11 * diskutils.GiB)
	require.NoError(t, err)
	assert.Equal(t, []WorkspaceCandidate{
		{Path: "/mnt/data", FsType: "xfs", Available: 200 * diskutils.GiB},
		{Path: "/", FsType: "ext4", Available: 40 * diskutils.GiB},
	}, candidates)
}

func TestWorkspaceCandidatesExcludePrefixes(t *testing.T) {
	selector := newTestWorkspaceSelector(testHostMounts, testAvailable)
	selector.excludePrefixes = []string{"/mnt"}

	candidates, err := selector.Candidates(11 * diskutils.GiB)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "/srv/data-bind", candidates[0].Path)
	assert.Equal(t, "/", candidates[1].Path)
}

func TestWorkspaceSelectSingleCandidate(t *testing.T) {
	selector := newTestWorkspaceSelector(testHostMounts, testAvailable)

	path, err := selector.Select(WorkspaceRequest{RequiredBytes: 50 * diskutils.GiB})
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data", path)
}

func TestWorkspaceSelectNoCandidate(t *testing.T) {
	selector := newTestWorkspaceSelector(testHostMounts, testAvailable)

	_, err := selector.Select(WorkspaceRequest{RequiredBytes: 300 * diskutils.GiB})
	assert.ErrorIs(t, err, ErrNoWorkspace)
	assert.Equal(t, ExitCodeNoSpace, ExitCode(err))
}

func TestWorkspaceSelectAmbiguous(t *testing.T) {
	selector := newTestWorkspaceSelector(testHostMounts, testAvailable)

	_, err := selector.Select(WorkspaceRequest{RequiredBytes: 11 * diskutils.GiB})
	assert.ErrorIs(t, err, ErrWorkspaceAmbiguous)
	assert.ErrorContains(t, err, "1) /mnt/data (xfs, 200 GiB available)")
	assert.ErrorContains(t, err, "2) / (ext4, 40 GiB available)")
}

func TestWorkspaceSelectChoice(t *testing.T) {
	selector := newTestWorkspaceSelector(testHostMounts, testAvailable)

	path, err := selector.Select(WorkspaceRequest{RequiredBytes: 11 * diskutils.GiB, Choice: "2"})
	require.NoError(t, err)
	assert.Equal(t, "/", path)

	path, err = selector.Select(WorkspaceRequest{RequiredBytes: 11 * diskutils.GiB, Choice: "/mnt/data/"})
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data", path)

	_, err = selector.Select(WorkspaceRequest{RequiredBytes: 11 * diskutils.GiB, Choice: "3"})
	assert.ErrorIs(t, err, ErrBadWorkspaceChoice)

	_, err = selector.Select(WorkspaceRequest{RequiredBytes: 11 * diskutils.GiB, Choice: "/mnt/other"})
	assert.ErrorIs(t, err, ErrBadWorkspaceChoice)
}

func TestWorkspaceSelectIdempotent(t *testing.T) {
	selector := newTestWorkspaceSelector(testHostMounts, testAvailable)
	request := WorkspaceRequest{RequiredBytes: 11 * diskutils.GiB, Choice: "1"}

	first, err := selector.Select(request)
	require.NoError(t, err)

	for range 10 {
		path, err := selector.Select(request)
		require.NoError(t, err)
		assert.Equal(t, first, path)
	}
}

func TestWorkspaceSelectPreferred(t *testing.T) {
	selector := newTestWorkspaceSelector(testHostMounts, testAvailable)

	path, err := selector.Select(WorkspaceRequest{RequiredBytes: 11 * diskutils.GiB, PreferredPath: "/mnt/small"})
	assert.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Empty(t, path)

	path, err = selector.Select(WorkspaceRequest{RequiredBytes: 4 * diskutils.GiB, PreferredPath: "/mnt/small"})
	require.NoError(t, err)
	assert.Equal(t, "/mnt/small", path)
}

func TestJobWorkspaceDir(t *testing.T) {
	assert.Equal(t, "/mnt/data/ct2vm-101-9001", jobWorkspaceDir("/mnt/data", 101, 9001))
	assert.Equal(t, uint64(11*diskutils.GiB), workspaceRequiredBytes(10*diskutils.GiB, 1))
}
