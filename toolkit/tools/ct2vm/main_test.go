// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/pkg/ct2vmlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()

	retVal := m.Run()

	os.Exit(retVal)
}

func TestJobFlagsUnsetValues(t *testing.T) {
	flags := JobFlags{}

	options, err := flags.AsJobOptions()
	require.NoError(t, err)
	assert.Equal(t, ct2vmapi.JobOptions{}, options)
}

func TestJobFlagsAsJobOptions(t *testing.T) {
	flags := JobFlags{
		Storage:   "local-zfs",
		DiskSize:  "20G",
		Format:    "qcow2",
		Firmware:  "uefi",
		MemoryMiB: 4096,
		Rollback:  true,
		Headroom:  "3",
	}

	options, err := flags.AsJobOptions()
	require.NoError(t, err)

	assert.Equal(t, "local-zfs", options.Storage)
	require.NotNil(t, options.DiskSize)
	assert.Equal(t, ct2vmapi.DiskSize(20*1024*1024*1024), *options.DiskSize)
	assert.Equal(t, ct2vmapi.ImageFormatTypeQcow2, options.Format)
	assert.Equal(t, ct2vmapi.FirmwareTypeUefi, options.Firmware)
	require.NotNil(t, options.MemoryMiB)
	assert.Equal(t, uint64(4096), *options.MemoryMiB)
	require.NotNil(t, options.HeadroomGiB)
	assert.Equal(t, uint64(3), *options.HeadroomGiB)
	require.NotNil(t, options.Rollback)
	assert.True(t, *options.Rollback)
	assert.Nil(t, options.Snapshot)
	assert.Nil(t, options.Cores)
}

func TestJobFlagsBadDiskSize(t *testing.T) {
	flags := JobFlags{DiskSize: "lots"}

	_, err := flags.AsJobOptions()
	assert.ErrorIs(t, err, ct2vmlib.ErrInvalidJob)
	assert.Equal(t, ct2vmlib.ExitCodeBadInput, ct2vmlib.ExitCode(err))
}

func TestJobFlagsBadHeadroom(t *testing.T) {
	flags := JobFlags{Headroom: "-1"}

	_, err := flags.AsJobOptions()
	assert.ErrorIs(t, err, ct2vmlib.ErrInvalidJob)
	assert.ErrorContains(t, err, "--headroom")
}

func TestBatchConfigFromPairs(t *testing.T) {
	cmd := BatchCmd{
		Pairs:    "105:9105, 106:9106",
		Parallel: 2,
		JobFlags: JobFlags{
			Storage: "local-lvm",
			Shrink:  true,
		},
	}

	config, err := cmd.batchConfig()
	require.NoError(t, err)

	assert.Equal(t, 2, config.Parallel)
	jobs := config.ResolvedJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, 106, jobs[1].ContainerId)
	assert.Equal(t, 9106, jobs[1].VmId)
	assert.Equal(t, "local-lvm", jobs[1].Storage)
	require.NotNil(t, jobs[1].Shrink)
	assert.True(t, *jobs[1].Shrink)
}

func TestBatchConfigFlagsOverrideFileDefaults(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "batch.yaml")
	err := file.Write(`
parallel: 3
defaults:
  storage: local-lvm
  bridge: vmbr1
  diskSize: 16G
jobs:
- ctid: 105
  vmid: 9105
- ctid: 106
  vmid: 9106
  storage: ceph
`, configFile)
	require.NoError(t, err)

	cmd := BatchCmd{
		ConfigFile: configFile,
		JobFlags: JobFlags{
			Storage: "local-zfs",
			Shrink:  true,
		},
	}

	config, err := cmd.batchConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, config.Parallel)

	jobs := config.ResolvedJobs()
	require.Len(t, jobs, 2)

	assert.Equal(t, "local-zfs", jobs[0].Storage)
	assert.Equal(t, "vmbr1", jobs[0].Bridge)
	assert.Nil(t, jobs[0].DiskSize)
	require.NotNil(t, jobs[0].Shrink)
	assert.True(t, *jobs[0].Shrink)

	// Options of a job win over everything else.
	assert.Equal(t, "ceph", jobs[1].Storage)
}

func TestBatchConfigDuplicateIds(t *testing.T) {
	cmd := BatchCmd{
		Pairs: "105:9105,9105:9200",
	}

	_, err := cmd.batchConfig()
	assert.ErrorIs(t, err, ct2vmlib.ErrInvalidJob)
	assert.ErrorContains(t, err, "ID (9105) is used by both job 0 and job 1")
}

func TestBatchConfigBadParallel(t *testing.T) {
	cmd := BatchCmd{
		Pairs:    "105:9105",
		Parallel: ct2vmapi.MaxBatchParallel + 1,
	}

	_, err := cmd.batchConfig()
	assert.ErrorIs(t, err, ct2vmlib.ErrInvalidJob)
}

func TestExitCodeErrorKeepsCode(t *testing.T) {
	app := &appContext{colors: newColorScheme("never")}

	err := &exitCodeError{code: ct2vmlib.ExitCodeMigrationFailed, err: errors.New("2 jobs failed")}
	assert.Equal(t, ct2vmlib.ExitCodeMigrationFailed, app.reportFailure(err))

	assert.Equal(t, ct2vmlib.ExitCodeNotFound, app.reportFailure(ct2vmlib.ErrContainerNotFound))
}

func parseTestCommandLine(t *testing.T, args ...string) (*Ct2VmCmd, *kong.Context, int, string) {
	cli := &Ct2VmCmd{}
	stderr := &bytes.Buffer{}

	parser, err := newCliParser(cli, kong.Writers(io.Discard, stderr), kong.Exit(func(int) {}))
	require.NoError(t, err)

	kctx, exitCode := parseCommandLine(parser, args)
	return cli, kctx, exitCode, stderr.String()
}

func TestParseCommandLine(t *testing.T) {
	cli, kctx, exitCode, _ := parseTestCommandLine(t, "convert", "--ctid", "100", "--vmid", "200",
		"--firmware", "uefi", "--shrink")
	require.NotNil(t, kctx)
	assert.Equal(t, ct2vmlib.ExitCodeSuccess, exitCode)
	assert.Equal(t, "convert", kctx.Command())
	assert.Equal(t, 100, cli.Convert.ContainerId)
	assert.Equal(t, "uefi", cli.Convert.Firmware)
	assert.True(t, cli.Convert.Shrink)
}

func TestParseCommandLineBadEnumValue(t *testing.T) {
	_, kctx, exitCode, stderr := parseTestCommandLine(t, "convert", "--ctid", "100", "--vmid", "200",
		"--firmware", "bogus")
	assert.Nil(t, kctx)
	assert.Equal(t, ct2vmlib.ExitCodeBadInput, exitCode)
	assert.Contains(t, stderr, "--firmware must be one of")
}

func TestParseCommandLineNonNumericId(t *testing.T) {
	_, kctx, exitCode, stderr := parseTestCommandLine(t, "convert", "--ctid", "notanumber", "--vmid", "200")
	assert.Nil(t, kctx)
	assert.Equal(t, ct2vmlib.ExitCodeBadInput, exitCode)
	assert.Contains(t, stderr, "--ctid")
}

func TestParseCommandLineSizeFlagsExclusive(t *testing.T) {
	_, _, exitCode, _ := parseTestCommandLine(t, "convert", "--ctid", "100", "--vmid", "200",
		"--shrink", "--disk-size", "20G")
	assert.Equal(t, ct2vmlib.ExitCodeBadInput, exitCode)
}
