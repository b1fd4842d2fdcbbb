// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pve

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

type fakeCall struct {
	program string
	args    []string
}

type fakeRunner struct {
	calls  []fakeCall
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) run(ctx context.Context, program string, args ...string) (string, string, error) {
	f.calls = append(f.calls, fakeCall{program: program, args: args})
	return f.stdout, f.stderr, f.err
}

func TestParseContainerConfig(t *testing.T) {
	output := `arch: amd64
cores: 2
hostname: web01
memory: 2048
net0: name=eth0,bridge=vmbr0,hwaddr=BC:24:11:00:00:01,ip=dhcp,type=veth
ostype: debian
rootfs: local-lvm:vm-101-disk-0,size=8G
swap: 512
unprivileged: 1
lxc.idmap: u 0 100000 65536
lxc.idmap: g 0 100000 65536

[before-upgrade]
memory: 1024
`
	config, err := ParseContainerConfig(output)
	assert.NoError(t, err)
	assert.Equal(t, "web01", config.Hostname)
	assert.Equal(t, uint64(2048), config.MemoryMiB)
	assert.Equal(t, 2, config.Cores)
	assert.True(t, config.Unprivileged)
	assert.Equal(t, "debian", config.OsType)
	assert.Equal(t, "local-lvm:vm-101-disk-0", config.Rootfs.VolumeId)
	assert.Equal(t, uint64(8<<30), config.Rootfs.SizeBytes)
	assert.Equal(t, []IdMap{
		{Kind: 'u', ContainerId: 0, HostId: 100000, Count: 65536},
		{Kind: 'g', ContainerId: 0, HostId: 100000, Count: 65536},
	}, config.IdMaps)
}

func TestParseContainerConfigBadValue(t *testing.T) {
	_, err := ParseContainerConfig("memory: lots\n")
	assert.ErrorIs(t, err, ErrUnparseableOutput)
}

func TestParseSize(t *testing.T) {
	size, err := ParseSize("512M")
	assert.NoError(t, err)
	assert.Equal(t, uint64(512<<20), size)

	size, err = ParseSize("1.5T")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1.5*(1<<40)), size)

	size, err = ParseSize("4096")
	assert.NoError(t, err)
	assert.Equal(t, uint64(4096), size)

	_, err = ParseSize("8GB")
	assert.Error(t, err)
}

func TestPctMount(t *testing.T) {
	runner := &fakeRunner{stdout: "mounted CT 101 in '/var/lib/lxc/101/rootfs'\n"}
	client := &PctClient{run: runner.run}

	path, err := client.Mount(t.Context(), 101)
	assert.NoError(t, err)
	assert.Equal(t, "/var/lib/lxc/101/rootfs", path)
	assert.Equal(t, []string{"mount", "101"}, runner.calls[0].args)
}

func TestPctStatusNotFound(t *testing.T) {
	runner := &fakeRunner{
		stderr: "Configuration file 'nodes/pve/lxc/999.conf' does not exist\n",
		err:    errors.New("exit status 2"),
	}
	client := &PctClient{run: runner.run}

	_, err := client.Status(t.Context(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPctStatusRunning(t *testing.T) {
	runner := &fakeRunner{stdout: "status: running\n"}
	client := &PctClient{run: runner.run}

	status, err := client.Status(t.Context(), 101)
	assert.NoError(t, err)
	assert.True(t, status.Running)
}

func TestParsePvesmStatus(t *testing.T) {
	output := `Name             Type     Status           Total            Used       Available        %
local-lvm     lvmthin     active       100000000        20000000        80000000   20.00%
`
	info, err := parsePvesmStatus("local-lvm", output)
	assert.NoError(t, err)
	assert.Equal(t, StorageTypeLvmThin, info.Type)
	assert.True(t, info.Active)
	assert.Equal(t, uint64(80000000*1024), info.Available)
}

func TestParsePvesmStatusMissing(t *testing.T) {
	output := "Name Type Status Total Used Available %\n"
	_, err := parsePvesmStatus("tank", output)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseImportDisk(t *testing.T) {
	volume, err := parseImportDisk("transferred 8.0 GiB of 8.0 GiB (100.00%)\n" +
		"Successfully imported disk as 'unused0:local-lvm:vm-9001-disk-0'\n")
	assert.NoError(t, err)
	assert.Equal(t, "local-lvm:vm-9001-disk-0", volume)

	volume, err = parseImportDisk("unused0: successfully imported disk 'tank:vm-9001-disk-1'\n")
	assert.NoError(t, err)
	assert.Equal(t, "tank:vm-9001-disk-1", volume)

	_, err = parseImportDisk("something unexpected\n")
	assert.ErrorIs(t, err, ErrUnparseableOutput)
}

func TestParseGuestExec(t *testing.T) {
	result, err := parseGuestExec(`{"exitcode":0,"exited":1,"out-data":"rw,relatime\n"}`)
	assert.NoError(t, err)
	assert.True(t, result.Exited)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "rw,relatime\n", result.Stdout)

	_, err = parseGuestExec("not json")
	assert.ErrorIs(t, err, ErrUnparseableOutput)
}

func TestGuestExecNonZeroExitStillParsed(t *testing.T) {
	runner := &fakeRunner{
		stdout: `{"exitcode":3,"exited":1,"out-data":"failed\n"}`,
		err:    errors.New("exit status 255"),
	}
	client := &QmClient{run: runner.run}

	result, err := client.GuestExec(t.Context(), 9001, "systemctl", "is-active", "systemd-remount-fs")
	assert.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, []string{"guest", "exec", "9001", "--", "systemctl", "is-active", "systemd-remount-fs"},
		runner.calls[0].args)
}

func TestVmCreateOptionsArgs(t *testing.T) {
	args := VmCreateOptions{
		Name:       "web01",
		MemoryMiB:  2048,
		Cores:      2,
		Bridge:     "vmbr0",
		Firmware:   FirmwareUefi,
		EfiStorage: "local-lvm",
	}.Args()

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--bios ovmf")
	assert.Contains(t, joined, "--machine q35")
	assert.Contains(t, joined, "--efidisk0 local-lvm:1,efitype=4m,pre-enrolled-keys=0")
	assert.Contains(t, joined, "--net0 virtio,bridge=vmbr0")
	assert.Contains(t, joined, "--agent enabled=1")

	biosArgs := strings.Join(VmCreateOptions{Name: "a", Firmware: FirmwareBios}.Args(), " ")
	assert.NotContains(t, biosArgs, "ovmf")
}

func TestVmConfigOption(t *testing.T) {
	config, err := parseVmConfig("agent: enabled=1,fstrim_cloned_disks=1\nboot: order=scsi0\nnet0: virtio=BC:24:11:00:00:02,bridge=vmbr0\n")
	assert.NoError(t, err)

	value, found := config.Option("agent", "enabled")
	assert.True(t, found)
	assert.Equal(t, "1", value)

	value, found = config.Option("boot", "order")
	assert.True(t, found)
	assert.Equal(t, "scsi0", value)

	value, found = config.Option("net0", "bridge")
	assert.True(t, found)
	assert.Equal(t, "vmbr0", value)

	_, found = config.Option("efidisk0", "")
	assert.False(t, found)
}

func TestQmExistsFalse(t *testing.T) {
	runner := &fakeRunner{
		stderr: "Configuration file 'nodes/pve/qemu-server/9001.conf' does not exist\n",
		err:    errors.New("exit status 2"),
	}
	client := &QmClient{run: runner.run}

	exists, err := client.Exists(t.Context(), 9001)
	assert.NoError(t, err)
	assert.False(t, exists)
}
