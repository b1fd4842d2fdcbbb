// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package pve

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	StorageTypeLvm     = "lvm"
	StorageTypeLvmThin = "lvmthin"
	StorageTypeZfs     = "zfspool"
	StorageTypeDir     = "dir"
	StorageTypeNfs     = "nfs"
)

type PvesmClient struct {
	run runFunc
}

func NewPvesmClient() *PvesmClient {
	return &PvesmClient{
		run: runCommand,
	}
}

func (c *PvesmClient) Status(ctx context.Context, storage string) (StorageInfo, error) {
	stdout, stderr, err := c.run(ctx, "pvesm", "status", "--storage", storage)
	if err != nil {
		return StorageInfo{}, wrapCommandError(fmt.Sprintf("failed to get storage (%s) status", storage), stderr, err)
	}

	return parsePvesmStatus(storage, stdout)
}

// parsePvesmStatus parses the table printed by "pvesm status". Sizes are printed in KiB.
func parsePvesmStatus(storage string, output string) (StorageInfo, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return StorageInfo{}, fmt.Errorf("storage (%s): %w", storage, ErrNotFound)
	}

	header := strings.Fields(lines[0])
	if len(header) < 6 || header[0] != "Name" {
		return StorageInfo{}, unparseable("pvesm status header", lines[0])
	}

	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 6 || fields[0] != storage {
			continue
		}

		sizes := [3]uint64{}
		for i, field := range fields[3:6] {
			kib, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return StorageInfo{}, unparseable("pvesm status size", line)
			}
			sizes[i] = kib * 1024
		}

		return StorageInfo{
			Name:      fields[0],
			Type:      fields[1],
			Active:    fields[2] == "active",
			Total:     sizes[0],
			Used:      sizes[1],
			Available: sizes[2],
		}, nil
	}

	return StorageInfo{}, fmt.Errorf("storage (%s): %w", storage, ErrNotFound)
}

func (c *PvesmClient) Path(ctx context.Context, volumeId string) (string, error) {
	stdout, stderr, err := c.run(ctx, "pvesm", "path", volumeId)
	if err != nil {
		return "", wrapCommandError(fmt.Sprintf("failed to resolve volume (%s) path", volumeId), stderr, err)
	}

	path := strings.TrimSpace(stdout)
	if !strings.HasPrefix(path, "/") {
		return "", unparseable("pvesm path", stdout)
	}
	return path, nil
}

// SplitVolumeId splits "storage:volume" into its parts.
func SplitVolumeId(volumeId string) (string, string, error) {
	storage, volume, found := strings.Cut(volumeId, ":")
	if !found || storage == "" || volume == "" {
		return "", "", fmt.Errorf("invalid volume ID (%s)", volumeId)
	}
	return storage, volume, nil
}
