// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pve

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	FirmwareBios = "bios"
	FirmwareUefi = "uefi"
)

var (
	// Examples:
	//   Successfully imported disk as 'unused0:local-lvm:vm-9001-disk-0'
	//   unused0: successfully imported disk 'local-lvm:vm-9001-disk-0'
	importDiskRegexps = []*regexp.Regexp{
		regexp.MustCompile(`imported disk as '(?:unused\d+:)?([^']+)'`),
		regexp.MustCompile(`successfully imported disk '([^']+)'`),
	}
)

// VmCreateOptions are the settings of a new VM.
type VmCreateOptions struct {
	Name      string
	MemoryMiB uint64
	Cores     int
	Bridge    string
	Firmware  string
	// Storage for the EFI vars disk. Only used for UEFI.
	EfiStorage string
}

// Args returns the "qm create" arguments for the options.
func (o VmCreateOptions) Args() []string {
	args := []string{
		"--name", o.Name,
		"--memory", strconv.FormatUint(o.MemoryMiB, 10),
		"--cores", strconv.Itoa(o.Cores),
		"--net0", "virtio,bridge=" + o.Bridge,
		"--ostype", "l26",
		"--scsihw", "virtio-scsi-pci",
		"--agent", "enabled=1",
		"--serial0", "socket",
	}

	if o.Firmware == FirmwareUefi {
		args = append(args,
			"--bios", "ovmf",
			"--machine", "q35",
			"--efidisk0", o.EfiStorage+":1,efitype=4m,pre-enrolled-keys=0",
		)
	}

	return args
}

// VmConfig is the parsed output of "qm config".
type VmConfig map[string]string

// Option returns the value of a comma separated sub-option, e.g. Option("agent", "enabled").
// A leading value without a key (e.g. "1" in "agent: 1,fstrim_cloned_disks=1") is returned for the key "".
func (c VmConfig) Option(key string, subKey string) (string, bool) {
	value, found := c[key]
	if !found {
		return "", false
	}

	for i, part := range strings.Split(value, ",") {
		k, v, hasValue := strings.Cut(part, "=")
		if !hasValue {
			if i == 0 && subKey == "" {
				return k, true
			}
			continue
		}
		if k == subKey {
			return v, true
		}
	}
	return "", false
}

type QmClient struct {
	run runFunc
}

func NewQmClient() *QmClient {
	return &QmClient{
		run: runCommand,
	}
}

func (c *QmClient) Exists(ctx context.Context, vmid int) (bool, error) {
	_, err := c.Status(ctx, vmid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *QmClient) Create(ctx context.Context, vmid int, options VmCreateOptions) error {
	args := append([]string{"create", strconv.Itoa(vmid)}, options.Args()...)
	return c.simple(ctx, fmt.Sprintf("failed to create VM (%d)", vmid), args...)
}

func (c *QmClient) ImportDisk(ctx context.Context, vmid int, imagePath string, storage string, format string,
) (string, error) {
	stdout, stderr, err := c.run(ctx, "qm", "importdisk", strconv.Itoa(vmid), imagePath, storage,
		"--format", format)
	if err != nil {
		return "", wrapCommandError(fmt.Sprintf("failed to import disk (%s) into VM (%d)", imagePath, vmid), stderr,
			err)
	}

	return parseImportDisk(stdout)
}

func parseImportDisk(output string) (string, error) {
	for _, re := range importDiskRegexps {
		match := re.FindStringSubmatch(output)
		if match != nil {
			return match[1], nil
		}
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	return "", unparseable("qm importdisk", lines[len(lines)-1])
}

func (c *QmClient) Set(ctx context.Context, vmid int, options ...string) error {
	args := append([]string{"set", strconv.Itoa(vmid)}, options...)
	return c.simple(ctx, fmt.Sprintf("failed to configure VM (%d)", vmid), args...)
}

func (c *QmClient) Config(ctx context.Context, vmid int) (VmConfig, error) {
	stdout, stderr, err := c.run(ctx, "qm", "config", strconv.Itoa(vmid))
	if err != nil {
		return nil, wrapCommandError(fmt.Sprintf("failed to get VM (%d) config", vmid), stderr, err)
	}

	return parseVmConfig(stdout)
}

func parseVmConfig(output string) (VmConfig, error) {
	config := VmConfig{}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, unparseable("qm config line", line)
		}

		config[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return config, nil
}

func (c *QmClient) Start(ctx context.Context, vmid int) error {
	return c.simple(ctx, fmt.Sprintf("failed to start VM (%d)", vmid), "start", strconv.Itoa(vmid))
}

func (c *QmClient) Stop(ctx context.Context, vmid int) error {
	return c.simple(ctx, fmt.Sprintf("failed to stop VM (%d)", vmid), "stop", strconv.Itoa(vmid))
}

func (c *QmClient) Status(ctx context.Context, vmid int) (string, error) {
	stdout, stderr, err := c.run(ctx, "qm", "status", strconv.Itoa(vmid))
	if err != nil {
		return "", wrapCommandError(fmt.Sprintf("failed to get VM (%d) status", vmid), stderr, err)
	}

	value, found := strings.CutPrefix(strings.TrimSpace(stdout), "status:")
	if !found {
		return "", unparseable("qm status", stdout)
	}
	return strings.TrimSpace(value), nil
}

func (c *QmClient) AgentPing(ctx context.Context, vmid int) error {
	return c.simple(ctx, fmt.Sprintf("guest agent of VM (%d) did not respond", vmid), "guest", "cmd",
		strconv.Itoa(vmid), "ping")
}

func (c *QmClient) GuestExec(ctx context.Context, vmid int, command ...string) (GuestExecResult, error) {
	args := append([]string{"guest", "exec", strconv.Itoa(vmid), "--"}, command...)
	stdout, stderr, err := c.run(ctx, "qm", args...)
	if err != nil && strings.TrimSpace(stdout) == "" {
		return GuestExecResult{}, wrapCommandError(fmt.Sprintf("failed to run (%s) in VM (%d)",
			strings.Join(command, " "), vmid), stderr, err)
	}

	// qm exits non-zero when the guest command fails but still prints the result.
	return parseGuestExec(stdout)
}

type guestExecOutput struct {
	ExitCode *int   `json:"exitcode"`
	Exited   int    `json:"exited"`
	OutData  string `json:"out-data"`
	ErrData  string `json:"err-data"`
}

func parseGuestExec(output string) (GuestExecResult, error) {
	var parsed guestExecOutput
	err := json.Unmarshal([]byte(output), &parsed)
	if err != nil {
		return GuestExecResult{}, unparseable("qm guest exec", output)
	}

	result := GuestExecResult{
		ExitCode: -1,
		Exited:   parsed.Exited == 1,
		Stdout:   parsed.OutData,
		Stderr:   parsed.ErrData,
	}
	if parsed.ExitCode != nil {
		result.ExitCode = *parsed.ExitCode
	}
	return result, nil
}

func (c *QmClient) Template(ctx context.Context, vmid int) error {
	return c.simple(ctx, fmt.Sprintf("failed to convert VM (%d) to a template", vmid), "template",
		strconv.Itoa(vmid))
}

func (c *QmClient) simple(ctx context.Context, what string, args ...string) error {
	_, stderr, err := c.run(ctx, "qm", args...)
	if err != nil {
		return wrapCommandError(what, stderr, err)
	}
	return nil
}
