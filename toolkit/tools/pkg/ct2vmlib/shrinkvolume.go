// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/diskutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
)

// shrinkableVolume is a container root volume that can be shrunk in place.
type shrinkableVolume interface {
	VolumeResizer
	// CurrentSize returns the volume's size in bytes.
	CurrentSize(ctx context.Context) (uint64, error)
	// FilesystemMinimum returns the smallest size the filesystem can be shrunk to, or 0 if it is not known.
	FilesystemMinimum(ctx context.Context) (uint64, error)
}

// newShrinkableVolume returns the resizer for a volume of the given storage type.
// path is the host path of the volume, as returned by "pvesm path".
func newShrinkableVolume(storageType string, path string, run commandRunner) (shrinkableVolume, error) {
	switch storageType {
	case pve.StorageTypeLvm, pve.StorageTypeLvmThin:
		return &lvmVolume{devPath: path, run: run}, nil

	case pve.StorageTypeZfs:
		return &zfsVolume{mountPath: path, run: run}, nil

	case pve.StorageTypeDir, pve.StorageTypeNfs:
		if !strings.HasSuffix(path, ".raw") {
			return nil, fmt.Errorf("%w (storage type: %s, volume: %s)", ErrShrinkUnsupported, storageType, path)
		}
		return &rawFileVolume{path: path, run: run}, nil

	default:
		return nil, fmt.Errorf("%w (storage type: %s)", ErrShrinkUnsupported, storageType)
	}
}

// lvmVolume is an ext4 filesystem directly on a (thick or thin) logical volume.
type lvmVolume struct {
	devPath string
	run     commandRunner
}

func (v *lvmVolume) CurrentSize(ctx context.Context) (uint64, error) {
	return blockDeviceSize(ctx, v.run, v.devPath)
}

func (v *lvmVolume) FilesystemMinimum(ctx context.Context) (uint64, error) {
	return ext4Minimum(ctx, v.devPath)
}

func (v *lvmVolume) Shrink(ctx context.Context, sizeBytes uint64) error {
	err := shrinkExt4(ctx, v.devPath, sizeBytes)
	if err != nil {
		return err
	}

	_, stderr, err := v.run(ctx, "lvreduce", "-f", "-L", fmt.Sprintf("%dk", sizeBytes/diskutils.KiB), v.devPath)
	if err != nil {
		restoreErr := diskutils.GrowExt4(ctx, v.devPath)
		if restoreErr != nil {
			logger.Log.Errorf("Failed to grow filesystem back after failed lvreduce (%s): %v", v.devPath,
				restoreErr)
		}
		return fmt.Errorf("failed to reduce logical volume (%s):\n%s\n%w", v.devPath, stderr, err)
	}

	return nil
}

// zfsVolume is a ZFS dataset (subvol) whose size is its refquota.
type zfsVolume struct {
	mountPath string
	run       commandRunner
}

func (v *zfsVolume) dataset(ctx context.Context) (string, error) {
	stdout, stderr, err := v.run(ctx, "zfs", "list", "-H", "-o", "name", v.mountPath)
	if err != nil {
		return "", fmt.Errorf("failed to find ZFS dataset of (%s):\n%s\n%w", v.mountPath, stderr, err)
	}

	dataset := strings.TrimSpace(stdout)
	if dataset == "" || strings.ContainsAny(dataset, " \t\n") {
		return "", fmt.Errorf("%w:\nzfs list (%s)", ErrUnparseableOutput, stdout)
	}
	return dataset, nil
}

func (v *zfsVolume) CurrentSize(ctx context.Context) (uint64, error) {
	dataset, err := v.dataset(ctx)
	if err != nil {
		return 0, err
	}

	stdout, stderr, err := v.run(ctx, "zfs", "get", "-H", "-p", "-o", "value", "refquota", dataset)
	if err != nil {
		return 0, fmt.Errorf("failed to read refquota of (%s):\n%s\n%w", dataset, stderr, err)
	}

	size, err := strconv.ParseUint(strings.TrimSpace(stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w:\nzfs refquota (%s)", ErrUnparseableOutput, stdout)
	}
	return size, nil
}

func (v *zfsVolume) FilesystemMinimum(ctx context.Context) (uint64, error) {
	return 0, nil
}

func (v *zfsVolume) Shrink(ctx context.Context, sizeBytes uint64) error {
	dataset, err := v.dataset(ctx)
	if err != nil {
		return err
	}

	// ZFS refuses a refquota below the referenced space, leaving the old value in place.
	_, stderr, err := v.run(ctx, "zfs", "set", fmt.Sprintf("refquota=%d", sizeBytes), dataset)
	if err != nil {
		return fmt.Errorf("failed to set refquota of (%s):\n%s\n%w", dataset, stderr, err)
	}
	return nil
}

// rawFileVolume is an ext4 filesystem in a raw image file on a directory storage.
type rawFileVolume struct {
	path string
	run  commandRunner
}

func (v *rawFileVolume) CurrentSize(ctx context.Context) (uint64, error) {
	stat, err := os.Stat(v.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat volume (%s):\n%w", v.path, err)
	}
	return uint64(stat.Size()), nil
}

func (v *rawFileVolume) FilesystemMinimum(ctx context.Context) (uint64, error) {
	return ext4Minimum(ctx, v.path)
}

func (v *rawFileVolume) Shrink(ctx context.Context, sizeBytes uint64) error {
	err := shrinkExt4(ctx, v.path, sizeBytes)
	if err != nil {
		return err
	}

	_, stderr, err := v.run(ctx, "truncate", "-s", strconv.FormatUint(sizeBytes, 10), v.path)
	if err != nil {
		restoreErr := diskutils.GrowExt4(ctx, v.path)
		if restoreErr != nil {
			logger.Log.Errorf("Failed to grow filesystem back after failed truncate (%s): %v", v.path, restoreErr)
		}
		return fmt.Errorf("failed to truncate volume (%s):\n%s\n%w", v.path, stderr, err)
	}
	return nil
}

func shrinkExt4(ctx context.Context, devPath string, sizeBytes uint64) error {
	err := diskutils.CheckExt4(ctx, devPath)
	if err != nil {
		return err
	}

	newSize, err := diskutils.ResizeExt4(ctx, devPath, sizeBytes)
	if err != nil {
		return err
	}

	if newSize > sizeBytes {
		restoreErr := diskutils.GrowExt4(ctx, devPath)
		if restoreErr != nil {
			logger.Log.Errorf("Failed to grow filesystem back (%s): %v", devPath, restoreErr)
		}
		return fmt.Errorf("filesystem (%s) was resized to %s instead of %s", devPath, humanSize(newSize),
			humanSize(sizeBytes))
	}

	return nil
}

func ext4Minimum(ctx context.Context, devPath string) (uint64, error) {
	err := diskutils.CheckExt4(ctx, devPath)
	if err != nil {
		return 0, err
	}

	return diskutils.Ext4MinimumSize(ctx, devPath)
}

func blockDeviceSize(ctx context.Context, run commandRunner, devPath string) (uint64, error) {
	stdout, stderr, err := run(ctx, "blockdev", "--getsize64", devPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read size of (%s):\n%s\n%w", devPath, stderr, err)
	}

	size, err := strconv.ParseUint(strings.TrimSpace(stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w:\nblockdev size (%s)", ErrUnparseableOutput, stdout)
	}
	return size, nil
}
