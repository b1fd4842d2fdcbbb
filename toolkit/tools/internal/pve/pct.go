// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pve

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// For example: mounted CT 101 in '/var/lib/lxc/101/rootfs'
	pctMountRegexp = regexp.MustCompile(`mounted CT \d+ in '([^']+)'`)

	// For example: 8G, 512M, 1.5T
	sizeRegexp = regexp.MustCompile(`^(\d+(?:\.\d+)?)([KMGT]?)$`)
)

// ContainerConfig is the parsed output of "pct config".
type ContainerConfig struct {
	Hostname     string
	MemoryMiB    uint64
	Cores        int
	Unprivileged bool
	OsType       string
	Rootfs       RootfsConfig
	IdMaps       []IdMap
	// All the config keys as printed. Repeated keys (e.g. lxc.idmap) keep their last value.
	Raw map[string]string
}

// RootfsConfig is the container's root volume.
type RootfsConfig struct {
	VolumeId  string
	SizeBytes uint64
}

// IdMap is a single "lxc.idmap" entry: container IDs [ContainerId, ContainerId+Count) map to
// host IDs [HostId, HostId+Count).
type IdMap struct {
	// 'u' for user IDs, 'g' for group IDs.
	Kind        byte
	ContainerId uint32
	HostId      uint32
	Count       uint32
}

type PctClient struct {
	run runFunc
}

func NewPctClient() *PctClient {
	return &PctClient{
		run: runCommand,
	}
}

func (c *PctClient) Status(ctx context.Context, ctid int) (ContainerStatus, error) {
	stdout, stderr, err := c.run(ctx, "pct", "status", strconv.Itoa(ctid))
	if err != nil {
		return ContainerStatus{}, wrapCommandError(fmt.Sprintf("failed to get container (%d) status", ctid), stderr, err)
	}

	return parsePctStatus(stdout)
}

func parsePctStatus(output string) (ContainerStatus, error) {
	// For example: status: running
	value, found := strings.CutPrefix(strings.TrimSpace(output), "status:")
	if !found {
		return ContainerStatus{}, unparseable("pct status", output)
	}

	status := strings.TrimSpace(value)
	return ContainerStatus{
		Running: status == "running",
		Status:  status,
	}, nil
}

func (c *PctClient) Config(ctx context.Context, ctid int) (ContainerConfig, error) {
	stdout, stderr, err := c.run(ctx, "pct", "config", strconv.Itoa(ctid))
	if err != nil {
		return ContainerConfig{}, wrapCommandError(fmt.Sprintf("failed to get container (%d) config", ctid), stderr,
			err)
	}

	return ParseContainerConfig(stdout)
}

// ParseContainerConfig parses the "key: value" lines printed by "pct config".
func ParseContainerConfig(output string) (ContainerConfig, error) {
	config := ContainerConfig{
		Raw: make(map[string]string),
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			// Start of the snapshot sections.
			break
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			return ContainerConfig{}, unparseable("pct config line", line)
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		config.Raw[key] = value

		var err error
		switch key {
		case "hostname":
			config.Hostname = value

		case "memory":
			config.MemoryMiB, err = strconv.ParseUint(value, 10, 64)

		case "cores":
			config.Cores, err = strconv.Atoi(value)

		case "unprivileged":
			config.Unprivileged = value == "1"

		case "ostype":
			config.OsType = value

		case "rootfs":
			config.Rootfs, err = parseRootfs(value)

		case "lxc.idmap":
			var idMap IdMap
			idMap, err = parseIdMap(value)
			config.IdMaps = append(config.IdMaps, idMap)
		}
		if err != nil {
			return ContainerConfig{}, fmt.Errorf("%w: pct config key (%s):\n%w", ErrUnparseableOutput, key, err)
		}
	}

	return config, nil
}

func parseRootfs(value string) (RootfsConfig, error) {
	parts := strings.Split(value, ",")
	rootfs := RootfsConfig{
		VolumeId: parts[0],
	}

	for _, part := range parts[1:] {
		optionKey, optionValue, _ := strings.Cut(part, "=")
		if optionKey != "size" {
			continue
		}

		size, err := ParseSize(optionValue)
		if err != nil {
			return RootfsConfig{}, err
		}
		rootfs.SizeBytes = size
	}

	return rootfs, nil
}

func parseIdMap(value string) (IdMap, error) {
	// For example: u 0 100000 65536
	fields := strings.Fields(value)
	if len(fields) != 4 || (fields[0] != "u" && fields[0] != "g") {
		return IdMap{}, fmt.Errorf("invalid idmap (%s)", value)
	}

	numbers := [3]uint32{}
	for i, field := range fields[1:] {
		n, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return IdMap{}, fmt.Errorf("invalid idmap (%s):\n%w", value, err)
		}
		numbers[i] = uint32(n)
	}

	return IdMap{
		Kind:        fields[0][0],
		ContainerId: numbers[0],
		HostId:      numbers[1],
		Count:       numbers[2],
	}, nil
}

// ParseSize parses a size as used in storage and container configs (e.g. 8G). A bare number is bytes.
func ParseSize(value string) (uint64, error) {
	match := sizeRegexp.FindStringSubmatch(value)
	if match == nil {
		return 0, fmt.Errorf("invalid size (%s)", value)
	}

	number, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size (%s):\n%w", value, err)
	}

	multiplier := uint64(1)
	switch match[2] {
	case "K":
		multiplier = 1 << 10
	case "M":
		multiplier = 1 << 20
	case "G":
		multiplier = 1 << 30
	case "T":
		multiplier = 1 << 40
	}

	return uint64(number * float64(multiplier)), nil
}

func (c *PctClient) Start(ctx context.Context, ctid int) error {
	return c.simple(ctx, fmt.Sprintf("failed to start container (%d)", ctid), "start", strconv.Itoa(ctid))
}

func (c *PctClient) Stop(ctx context.Context, ctid int) error {
	return c.simple(ctx, fmt.Sprintf("failed to stop container (%d)", ctid), "stop", strconv.Itoa(ctid))
}

func (c *PctClient) Mount(ctx context.Context, ctid int) (string, error) {
	stdout, stderr, err := c.run(ctx, "pct", "mount", strconv.Itoa(ctid))
	if err != nil {
		return "", wrapCommandError(fmt.Sprintf("failed to mount container (%d)", ctid), stderr, err)
	}

	match := pctMountRegexp.FindStringSubmatch(stdout)
	if match == nil {
		return "", unparseable("pct mount", stdout)
	}
	return match[1], nil
}

func (c *PctClient) Unmount(ctx context.Context, ctid int) error {
	return c.simple(ctx, fmt.Sprintf("failed to unmount container (%d)", ctid), "unmount", strconv.Itoa(ctid))
}

func (c *PctClient) Snapshot(ctx context.Context, ctid int, name string, description string) error {
	return c.simple(ctx, fmt.Sprintf("failed to snapshot container (%d)", ctid), "snapshot", strconv.Itoa(ctid),
		name, "--description", description)
}

func (c *PctClient) Rollback(ctx context.Context, ctid int, name string) error {
	return c.simple(ctx, fmt.Sprintf("failed to roll back container (%d) to snapshot (%s)", ctid, name),
		"rollback", strconv.Itoa(ctid), name)
}

func (c *PctClient) DeleteSnapshot(ctx context.Context, ctid int, name string) error {
	return c.simple(ctx, fmt.Sprintf("failed to delete container (%d) snapshot (%s)", ctid, name),
		"delsnapshot", strconv.Itoa(ctid), name)
}

func (c *PctClient) Rescan(ctx context.Context, ctid int) error {
	return c.simple(ctx, fmt.Sprintf("failed to rescan container (%d) volumes", ctid), "rescan", "--vmid",
		strconv.Itoa(ctid))
}

func (c *PctClient) Destroy(ctx context.Context, ctid int) error {
	return c.simple(ctx, fmt.Sprintf("failed to destroy container (%d)", ctid), "destroy", strconv.Itoa(ctid))
}

func (c *PctClient) simple(ctx context.Context, what string, args ...string) error {
	_, stderr, err := c.run(ctx, "pct", args...)
	if err != nil {
		return wrapCommandError(what, stderr, err)
	}
	return nil
}
