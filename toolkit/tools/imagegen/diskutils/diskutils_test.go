// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func TestBuildPartitionsScriptMbr(t *testing.T) {
	script, err := buildPartitionsScript(PartitionTableTypeMbr, []PartitionSpec{
		{StartMiB: 1, TypeId: MbrLinuxPartitionType, Bootable: true},
	}, 512, 512)
	assert.NoError(t, err)
	assert.Equal(t, "unit: sectors\nstart=2048, type=83, bootable", script)
}

func TestBuildPartitionsScriptGpt(t *testing.T) {
	script, err := buildPartitionsScript(PartitionTableTypeGpt, []PartitionSpec{
		{Name: "esp", StartMiB: 1, SizeMiB: 512, TypeId: EfiSystemPartitionTypeUuid},
		{Name: "rootfs", StartMiB: 513, TypeId: GenericLinuxPartitionTypeUuid},
	}, 512, 512)
	assert.NoError(t, err)
	assert.Equal(t, "unit: sectors\n"+
		"start=2048, size=1048576, type=c12a7328-f81f-11d2-ba4b-00a0c93ec93b, name=\"esp\"\n"+
		"start=1050624, type=0FC63DAF-8483-4772-8E79-3D69D8477DE4, name=\"rootfs\"", script)
}

func TestBuildPartitionsScriptOverlap(t *testing.T) {
	_, err := buildPartitionsScript(PartitionTableTypeGpt, []PartitionSpec{
		{StartMiB: 1, SizeMiB: 512, TypeId: EfiSystemPartitionTypeUuid},
		{StartMiB: 100, TypeId: GenericLinuxPartitionTypeUuid},
	}, 512, 512)
	assert.ErrorContains(t, err, "overlaps")
}

func TestBuildPartitionsScriptFillNotLast(t *testing.T) {
	_, err := buildPartitionsScript(PartitionTableTypeGpt, []PartitionSpec{
		{StartMiB: 1, TypeId: EfiSystemPartitionTypeUuid},
		{StartMiB: 600, TypeId: GenericLinuxPartitionTypeUuid},
	}, 512, 512)
	assert.ErrorContains(t, err, "only the last partition")
}

func TestEscapeSfdiskString(t *testing.T) {
	assert.Equal(t, `"a\x22b\x5c"`, escapeSfdiskString(`a"b\`))
}

func TestCreateSparseDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.raw")

	err := CreateSparseDisk(path, 3*GiB, 0o644)
	require.NoError(t, err)

	info, err := os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, int64(3*GiB), info.Size())
}

func TestCreatePartitionsAndFormat(t *testing.T) {
	testutils.CheckSkipForConversionRequirements(t)

	diskPath := filepath.Join(t.TempDir(), "disk.raw")
	err := CreateSparseDisk(diskPath, 1*GiB, 0o644)
	require.NoError(t, err)

	devicePath, err := SetupLoopbackDevice(diskPath)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, DetachLoopbackDevice(devicePath))
	}()

	partDevPaths, err := CreatePartitions(devicePath, PartitionTableTypeGpt, []PartitionSpec{
		{Name: "esp", StartMiB: 1, SizeMiB: 64, TypeId: EfiSystemPartitionTypeUuid},
		{Name: "rootfs", StartMiB: 65, TypeId: GenericLinuxPartitionTypeUuid},
	})
	require.NoError(t, err)
	require.Len(t, partDevPaths, 2)

	rootUuid := "2f1c0a44-8d2e-4c6f-9a3b-5f7e1d0c9b21"
	err = FormatPartition(devicePath, partDevPaths[1], "ext4", FormatOptions{Label: "rootfs", Uuid: rootUuid})
	require.NoError(t, err)

	uuid, err := GetFileSystemUuid(partDevPaths[1])
	require.NoError(t, err)
	assert.Equal(t, rootUuid, uuid)

	partitions, err := GetDiskPartitions(devicePath)
	require.NoError(t, err)

	partitionCount := 0
	for _, partition := range partitions {
		if partition.Type == "part" {
			partitionCount++
		}
	}
	assert.Equal(t, 2, partitionCount)
}
