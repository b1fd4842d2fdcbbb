// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"testing"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHealthValidator(vms pve.VmControl) *healthValidator {
	return &healthValidator{
		vms:               vms,
		agentTimeout:      200 * time.Millisecond,
		agentPollInterval: 10 * time.Millisecond,
	}
}

func TestValidateStructureHealthy(t *testing.T) {
	vms := newFakeVms()
	vms.configs[200] = pve.VmConfig{
		"scsi0":    "local-lvm:vm-200-disk-0,size=8G",
		"boot":     "order=scsi0;net0",
		"net0":     "virtio=BC:24:11:00:00:01,bridge=vmbr0",
		"agent":    "1,fstrim_cloned_disks=1",
		"bios":     "ovmf",
		"efidisk0": "local-lvm:vm-200-disk-1,efitype=4m,size=4M",
	}

	report := newTestHealthValidator(vms).validateStructure(context.Background(), 200, true)
	assert.True(t, report.Healthy(), "failed checks: %v", report.FailedChecks())
	assert.Len(t, report.Checks, 6)
	assert.Equal(t, 6, report.Passed())
}

func TestValidateStructureRunsEveryCheck(t *testing.T) {
	vms := newFakeVms()
	vms.configs[200] = pve.VmConfig{
		"boot":  "order=net0;scsi0",
		"net0":  "virtio=BC:24:11:00:00:01",
		"agent": "enabled=0",
	}

	report := newTestHealthValidator(vms).validateStructure(context.Background(), 200, true)
	assert.False(t, report.Healthy())
	assert.Len(t, report.Checks, 6)
	assert.Equal(t, []string{
		HealthCheckDiskAttached,
		HealthCheckBootOrder,
		HealthCheckNetworkInterface,
		HealthCheckEfiDisk,
		HealthCheckGuestAgentEnabled,
	}, report.FailedChecks())

	efi, found := report.Check(HealthCheckEfiDisk)
	require.True(t, found)
	assert.Equal(t, "bios: seabios, efidisk0: ", efi.Detail)
}

func TestValidateStructureMissingVm(t *testing.T) {
	report := newTestHealthValidator(newFakeVms()).validateStructure(context.Background(), 200, false)
	assert.Len(t, report.Checks, 5)
	assert.Equal(t, 0, report.Passed())
}

func TestLiveCheckHealthy(t *testing.T) {
	vms := newFakeVms()
	vms.configs[200] = pve.VmConfig{}
	vms.status[200] = "stopped"
	vms.agentFailPings = 2
	vms.healthyGuest()

	report := &HealthReport{}
	started, err := newTestHealthValidator(vms).liveCheck(context.Background(), 200, DistroFamilyDebian, report,
		logger.Log.WithField("test", t.Name()))
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, report.Healthy(), "failed checks: %v", report.FailedChecks())
	assert.Equal(t, "rw,relatime", report.RootMountOptions)
	assert.Equal(t, "active", report.RemountServiceState)
	assert.False(t, report.NeedsRemediation())
}

func TestLiveCheckReadOnlyRoot(t *testing.T) {
	vms := newFakeVms()
	vms.configs[200] = pve.VmConfig{}
	vms.status[200] = "running"
	vms.guestExec["findmnt -no OPTIONS /"] = []pve.GuestExecResult{{Exited: true, Stdout: "ro,relatime\n"}}
	vms.guestExec["systemctl is-active systemd-remount-fs"] = []pve.GuestExecResult{
		{Exited: true, ExitCode: 3, Stdout: "failed\n"},
	}

	report := &HealthReport{}
	started, err := newTestHealthValidator(vms).liveCheck(context.Background(), 200, DistroFamilyDebian, report,
		logger.Log.WithField("test", t.Name()))
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, []string{HealthCheckRootRw, HealthCheckRemountService}, report.FailedChecks())
	assert.True(t, report.NeedsRemediation())
	assert.Equal(t, `root mount options: "ro,relatime", systemd-remount-fs: "failed"`, report.DegradedState())
}

func TestLiveCheckAgentTimeout(t *testing.T) {
	vms := newFakeVms()
	vms.configs[200] = pve.VmConfig{}
	vms.status[200] = "stopped"
	vms.agentFailPings = -1

	report := &HealthReport{}
	_, err := newTestHealthValidator(vms).liveCheck(context.Background(), 200, DistroFamilyDebian, report,
		logger.Log.WithField("test", t.Name()))
	require.NoError(t, err)
	assert.True(t, report.AgentTimedOut)
	assert.Equal(t, []string{HealthCheckGuestAgent, HealthCheckRootRw, HealthCheckRemountService},
		report.FailedChecks())
	assert.False(t, report.NeedsRemediation())
	assert.Zero(t, vms.called("exec"))
}

func TestLiveCheckAlpineSkipsRemountService(t *testing.T) {
	vms := newFakeVms()
	vms.configs[200] = pve.VmConfig{}
	vms.status[200] = "running"
	vms.guestExec["findmnt -no OPTIONS /"] = []pve.GuestExecResult{{Exited: true, Stdout: "rw,relatime\n"}}

	report := &HealthReport{}
	_, err := newTestHealthValidator(vms).liveCheck(context.Background(), 200, DistroFamilyAlpine, report,
		logger.Log.WithField("test", t.Name()))
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, 1, vms.called("exec"))
}

func TestLiveCheckCancelled(t *testing.T) {
	vms := newFakeVms()
	vms.configs[200] = pve.VmConfig{}
	vms.status[200] = "running"
	vms.agentFailPings = -1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestHealthValidator(vms).liveCheck(ctx, 200, DistroFamilyDebian, &HealthReport{},
		logger.Log.WithField("test", t.Name()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHealthReportSetReplaces(t *testing.T) {
	report := &HealthReport{}
	report.add(HealthCheckRootRw, false, "ro")
	report.set(HealthCheckRootRw, true, "rw")
	report.set(HealthCheckGuestAgent, true, "")

	assert.Len(t, report.Checks, 2)
	check, found := report.Check(HealthCheckRootRw)
	require.True(t, found)
	assert.True(t, check.Passed)
	assert.Equal(t, "rw", check.Detail)
}
