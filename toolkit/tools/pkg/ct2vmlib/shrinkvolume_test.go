// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"errors"
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/diskutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShrinkableVolume(t *testing.T) {
	runner := newFakeCommandRunner()

	volume, err := newShrinkableVolume(pve.StorageTypeLvmThin, "/dev/pve/vm-101-disk-0", runner.run)
	require.NoError(t, err)
	assert.IsType(t, &lvmVolume{}, volume)

	volume, err = newShrinkableVolume(pve.StorageTypeZfs, "/rpool/data/subvol-101-disk-0", runner.run)
	require.NoError(t, err)
	assert.IsType(t, &zfsVolume{}, volume)

	volume, err = newShrinkableVolume(pve.StorageTypeDir, "/var/lib/vz/images/101/vm-101-disk-0.raw", runner.run)
	require.NoError(t, err)
	assert.IsType(t, &rawFileVolume{}, volume)

	_, err = newShrinkableVolume(pve.StorageTypeDir, "/var/lib/vz/images/101/subvol-101-disk-0.subvol", runner.run)
	assert.ErrorIs(t, err, ErrShrinkUnsupported)

	_, err = newShrinkableVolume("rbd", "/dev/rbd0", runner.run)
	assert.ErrorIs(t, err, ErrShrinkUnsupported)
	assert.Equal(t, ExitCodeBadInput, ExitCode(err))
}

func TestZfsVolumeShrink(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.on("zfs list", fakeCommandResult{stdout: "rpool/data/subvol-101-disk-0\n"})
	runner.on("zfs get", fakeCommandResult{stdout: "214748364800\n"})

	volume := &zfsVolume{mountPath: "/rpool/data/subvol-101-disk-0", run: runner.run}

	size, err := volume.CurrentSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(200*diskutils.GiB), size)

	err = volume.Shrink(context.Background(), 31*diskutils.GiB)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.called("zfs set refquota=33285996544 rpool/data/subvol-101-disk-0"))
}

func TestZfsVolumeShrinkRefused(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.on("zfs list", fakeCommandResult{stdout: "rpool/data/subvol-101-disk-0\n"})
	runner.on("zfs set", fakeCommandResult{
		stderr: "cannot set property for 'rpool/data/subvol-101-disk-0': size is less than current used or reserved space",
		err:    errors.New("exit status 1"),
	})

	volume := &zfsVolume{mountPath: "/rpool/data/subvol-101-disk-0", run: runner.run}
	plan := ShrinkPlan{TargetSize: 4 * diskutils.GiB}

	_, err := RunShrink(context.Background(), &plan, 200*diskutils.GiB, volume)
	assert.ErrorIs(t, err, ErrShrinkExhausted)
	assert.ErrorContains(t, err, "size is less than current used or reserved space")
	assert.Equal(t, MaxShrinkAttempts, runner.called("zfs set"))
}

func TestZfsVolumeUnparseableOutput(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.on("zfs list", fakeCommandResult{stdout: "NAME USED\nrpool 1G\n"})

	volume := &zfsVolume{mountPath: "/rpool/data/subvol-101-disk-0", run: runner.run}
	_, err := volume.CurrentSize(context.Background())
	assert.ErrorIs(t, err, ErrUnparseableOutput)
}

func TestBlockDeviceSize(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.on("blockdev --getsize64", fakeCommandResult{stdout: "8589934592\n"})

	size, err := blockDeviceSize(context.Background(), runner.run, "/dev/pve/vm-101-disk-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(8*diskutils.GiB), size)
}
