// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmapi

import (
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/ptrutils"
	"github.com/stretchr/testify/assert"
)

func TestJobConfigIsValid(t *testing.T) {
	job := JobConfig{
		ContainerId: 101,
		VmId:        9001,
		JobOptions: JobOptions{
			Name:     "web01",
			Storage:  "local-lvm",
			Bridge:   "vmbr0",
			Format:   ImageFormatTypeQcow2,
			Firmware: FirmwareTypeUefi,
		},
	}
	assert.NoError(t, job.IsValid())
}

func TestJobConfigIsValidSameIds(t *testing.T) {
	job := JobConfig{ContainerId: 101, VmId: 101}
	assert.ErrorContains(t, job.IsValid(), "'ctid' and 'vmid' must be different")
}

func TestJobConfigIsValidIdRange(t *testing.T) {
	job := JobConfig{ContainerId: 99, VmId: 9001}
	assert.ErrorContains(t, job.IsValid(), "invalid 'ctid' value")
}

func TestJobOptionsIsValidBadName(t *testing.T) {
	options := JobOptions{Name: "web_01"}
	assert.ErrorContains(t, options.IsValid(), "invalid 'name' value")
}

func TestJobOptionsIsValidBadBridge(t *testing.T) {
	options := JobOptions{Bridge: "vmbr0-with-a-very-long-name"}
	assert.ErrorContains(t, options.IsValid(), "invalid 'bridge' value")

	options = JobOptions{Bridge: "0bridge"}
	assert.ErrorContains(t, options.IsValid(), "invalid 'bridge' value")
}

func TestJobOptionsIsValidBadStorage(t *testing.T) {
	options := JobOptions{Storage: "local lvm"}
	assert.ErrorContains(t, options.IsValid(), "invalid 'storage' value")
}

func TestJobOptionsIsValidDiskSizeAndShrink(t *testing.T) {
	size := DiskSize(8 << 30)
	options := JobOptions{DiskSize: &size, Shrink: ptrutils.PtrTo(true)}
	assert.ErrorContains(t, options.IsValid(), "'diskSize' and 'shrink' cannot both be specified")
}

func TestJobOptionsIsValidBadFormat(t *testing.T) {
	options := JobOptions{Format: "vhdx"}
	assert.ErrorContains(t, options.IsValid(), "invalid image format type (vhdx)")
}

func TestJobOptionsIsValidCompressionWithoutExportDir(t *testing.T) {
	options := JobOptions{ExportCompression: ExportCompressionTypeZstd}
	assert.ErrorContains(t, options.IsValid(), "'exportCompression' requires 'exportDir'")
}

func TestJobOptionsIsValidRollbackWithoutSnapshot(t *testing.T) {
	options := JobOptions{Rollback: ptrutils.PtrTo(true), Snapshot: ptrutils.PtrTo(false)}
	assert.ErrorContains(t, options.IsValid(), "'rollback' requires 'snapshot'")
}

func TestMergeJobOptions(t *testing.T) {
	size := DiskSize(8 << 30)
	defaults := JobOptions{
		Storage:   "tank",
		Bridge:    "vmbr1",
		Firmware:  FirmwareTypeUefi,
		Shrink:    ptrutils.PtrTo(true),
		Snapshot:  ptrutils.PtrTo(true),
		LiveCheck: ptrutils.PtrTo(true),
	}
	options := JobOptions{
		Storage:   "local-lvm",
		DiskSize:  &size,
		LiveCheck: ptrutils.PtrTo(false),
	}

	merged := MergeJobOptions(options, defaults)
	assert.Equal(t, "local-lvm", merged.Storage)
	assert.Equal(t, "vmbr1", merged.Bridge)
	assert.Equal(t, FirmwareTypeUefi, merged.Firmware)
	assert.Equal(t, &size, merged.DiskSize)
	assert.Nil(t, merged.Shrink)
	assert.True(t, *merged.Snapshot)
	assert.False(t, *merged.LiveCheck)
	assert.NoError(t, merged.IsValid())
}

func TestParseJobPairs(t *testing.T) {
	jobs, err := ParseJobPairs("101:9001, 102:9002,")
	assert.NoError(t, err)
	assert.Equal(t, []JobConfig{
		{ContainerId: 101, VmId: 9001},
		{ContainerId: 102, VmId: 9002},
	}, jobs)
}

func TestParseJobPairsInvalid(t *testing.T) {
	_, err := ParseJobPairs("101-9001")
	assert.ErrorContains(t, err, "expected format <ctid>:<vmid>")

	_, err = ParseJobPairs("abc:9001")
	assert.ErrorContains(t, err, "invalid container ID")

	_, err = ParseJobPairs(" , ")
	assert.ErrorContains(t, err, "no job pairs specified")
}
