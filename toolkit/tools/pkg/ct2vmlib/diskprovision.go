// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/diskutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/safeloopback"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/safemount"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	efiPartitionSizeMiB = 512
	firstPartitionMiB   = 1

	rootFsLabel = "rootfs"
	efiFsLabel  = "EFI"

	efiMountPath  = "boot/efi"
	diskImagePerm = 0o600

	cleanupDiskLoopback  = "disk-loopback"
	cleanupDiskRootMount = "disk-mount-root"
	cleanupDiskEfiMount  = "disk-mount-efi"
)

// DiskImage is the VM disk being built. The image file is always raw, Format is the format it is imported as.
type DiskImage struct {
	Path           string
	Format         ct2vmapi.ImageFormatType
	Firmware       ct2vmapi.FirmwareType
	PartitionTable diskutils.PartitionTableType
	SizeBytes      uint64

	LoopDevice    string
	EfiPartition  string
	RootPartition string
	RootUuid      string
	EfiUuid       string

	// Where the root filesystem (and the EFI partition under it) is mounted.
	MountDir string
}

func (d *DiskImage) IsUefi() bool {
	return d.Firmware == ct2vmapi.FirmwareTypeUefi
}

// diskLayout returns the partition table for the firmware type.
// BIOS uses a single bootable MBR partition. UEFI uses GPT with an EFI system partition followed by the root.
func diskLayout(firmware ct2vmapi.FirmwareType) (diskutils.PartitionTableType, []diskutils.PartitionSpec) {
	if firmware == ct2vmapi.FirmwareTypeUefi {
		return diskutils.PartitionTableTypeGpt, []diskutils.PartitionSpec{
			{
				Name:     "esp",
				StartMiB: firstPartitionMiB,
				SizeMiB:  efiPartitionSizeMiB,
				TypeId:   diskutils.EfiSystemPartitionTypeUuid,
			},
			{
				Name:   rootFsLabel,
				TypeId: diskutils.GenericLinuxPartitionTypeUuid,
			},
		}
	}

	return diskutils.PartitionTableTypeMbr, []diskutils.PartitionSpec{
		{
			StartMiB: firstPartitionMiB,
			TypeId:   diskutils.MbrLinuxPartitionType,
			Bootable: true,
		},
	}
}

// rootPartitionNumber is the 1-based number of the root partition for the firmware type.
func rootPartitionNumber(firmware ct2vmapi.FirmwareType) int {
	if firmware == ct2vmapi.FirmwareTypeUefi {
		return 2
	}
	return 1
}

// provisionDisk creates, partitions, formats and mounts a new disk image.
// Every resource is pushed onto the cleanup stack as soon as it is acquired.
func provisionDisk(ctx context.Context, imagePath string, mountDir string, sizeBytes uint64,
	firmware ct2vmapi.FirmwareType, format ct2vmapi.ImageFormatType, cleanup *cleanupStack,
) (*DiskImage, error) {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "provision_disk")
	span.SetAttributes(
		attribute.Int64("size_bytes", int64(sizeBytes)),
		attribute.String("firmware", string(firmware)),
	)
	defer span.End()

	tableType, partitions := diskLayout(firmware)
	disk := &DiskImage{
		Path:           imagePath,
		Format:         format,
		Firmware:       firmware,
		PartitionTable: tableType,
		SizeBytes:      sizeBytes,
		MountDir:       mountDir,
	}

	logger.Log.Infof("Creating %s disk image (%s)", humanSize(sizeBytes), imagePath)

	err := diskutils.CreateSparseDisk(imagePath, sizeBytes, diskImagePerm)
	if err != nil {
		return nil, err
	}

	loopback, err := safeloopback.NewLoopback(imagePath)
	if err != nil {
		return nil, err
	}
	cleanup.pushGuard(cleanupDiskLoopback, loopback)
	disk.LoopDevice = loopback.DevicePath()

	partDevPaths, err := diskutils.CreatePartitions(disk.LoopDevice, tableType, partitions)
	if err != nil {
		return nil, err
	}

	disk.RootPartition = partDevPaths[rootPartitionNumber(firmware)-1]
	if disk.IsUefi() {
		disk.EfiPartition = partDevPaths[0]

		err = diskutils.FormatPartition(disk.LoopDevice, disk.EfiPartition, "vfat",
			diskutils.FormatOptions{Label: efiFsLabel, Uuid: uuid.NewString()})
		if err != nil {
			return nil, err
		}
	}

	err = diskutils.FormatPartition(disk.LoopDevice, disk.RootPartition, "ext4",
		diskutils.FormatOptions{Label: rootFsLabel, Uuid: uuid.NewString()})
	if err != nil {
		return nil, err
	}

	err = readDiskUuids(disk)
	if err != nil {
		return nil, err
	}

	err = mountDisk(disk, cleanup)
	if err != nil {
		return nil, err
	}

	return disk, nil
}

// attachDisk re-attaches the disk image of a resumed job without recreating it.
func attachDisk(ctx context.Context, imagePath string, mountDir string, firmware ct2vmapi.FirmwareType,
	format ct2vmapi.ImageFormatType, cleanup *cleanupStack,
) (*DiskImage, error) {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "attach_disk")
	span.SetAttributes(
		attribute.String("firmware", string(firmware)),
	)
	defer span.End()

	stat, err := os.Stat(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrResumeAttach, err)
	}

	tableType, _ := diskLayout(firmware)
	disk := &DiskImage{
		Path:           imagePath,
		Format:         format,
		Firmware:       firmware,
		PartitionTable: tableType,
		SizeBytes:      uint64(stat.Size()),
		MountDir:       mountDir,
	}

	logger.Log.Infof("Re-attaching disk image (%s)", imagePath)

	loopback, err := safeloopback.NewLoopback(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrResumeAttach, err)
	}
	cleanup.pushGuard(cleanupDiskLoopback, loopback)
	disk.LoopDevice = loopback.DevicePath()

	partitions, err := diskutils.GetDiskPartitions(disk.LoopDevice)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrResumeAttach, err)
	}

	err = assignPartitions(disk, partitions)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrResumeAttach, err)
	}

	err = mountDisk(disk, cleanup)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrResumeAttach, err)
	}

	return disk, nil
}

// assignPartitions finds the root and EFI partitions of an existing disk in the kernel's partition list.
func assignPartitions(disk *DiskImage, partitions []diskutils.PartitionInfo) error {
	parts := []diskutils.PartitionInfo(nil)
	for _, partition := range partitions {
		if partition.Type == "part" {
			parts = append(parts, partition)
		}
	}

	expected := rootPartitionNumber(disk.Firmware)
	if len(parts) != expected {
		return fmt.Errorf("disk (%s) has %d partitions, expected %d for %s", disk.Path, len(parts), expected,
			disk.Firmware)
	}

	root := parts[expected-1]
	if root.FileSystemType != "ext4" {
		return fmt.Errorf("root partition (%s) has filesystem (%s), expected ext4", root.Path, root.FileSystemType)
	}
	disk.RootPartition = root.Path
	disk.RootUuid = root.Uuid

	if disk.IsUefi() {
		efi := parts[0]
		if efi.FileSystemType != "vfat" {
			return fmt.Errorf("EFI partition (%s) has filesystem (%s), expected vfat", efi.Path,
				efi.FileSystemType)
		}
		disk.EfiPartition = efi.Path
		disk.EfiUuid = efi.Uuid
	}

	return nil
}

// readDiskUuids reads the filesystem UUIDs back, since vfat volume IDs don't have the UUID format.
func readDiskUuids(disk *DiskImage) error {
	var err error
	disk.RootUuid, err = diskutils.GetFileSystemUuid(disk.RootPartition)
	if err != nil {
		return err
	}

	// fstab and the grub config reference the root filesystem by this UUID.
	err = uuid.Validate(disk.RootUuid)
	if err != nil {
		return fmt.Errorf("%w (root filesystem UUID: %s):\n%w", ErrUnparseableOutput, disk.RootUuid, err)
	}

	if disk.IsUefi() {
		disk.EfiUuid, err = diskutils.GetFileSystemUuid(disk.EfiPartition)
		if err != nil {
			return err
		}
	}

	return nil
}

func mountDisk(disk *DiskImage, cleanup *cleanupStack) error {
	rootMount, err := safemount.NewMount(disk.RootPartition, disk.MountDir, "ext4", 0, "", true)
	if err != nil {
		return err
	}
	cleanup.pushGuard(cleanupDiskRootMount, rootMount)

	if disk.IsUefi() {
		efiDir := filepath.Join(disk.MountDir, efiMountPath)
		err = os.MkdirAll(efiDir, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create EFI mount directory (%s):\n%w", efiDir, err)
		}

		efiMount, err := safemount.NewMount(disk.EfiPartition, efiDir, "vfat", 0, "", false)
		if err != nil {
			return err
		}
		cleanup.pushGuard(cleanupDiskEfiMount, efiMount)
	}

	return nil
}

// releaseDisk unmounts the disk and detaches its loop device, flushing all writes to the image file.
func releaseDisk(ctx context.Context, disk *DiskImage, cleanup *cleanupStack) error {
	err := diskutils.BlockOnDiskIO(disk.LoopDevice)
	if err != nil {
		logger.Log.Warnf("Failed to flush disk (%s): %v", disk.LoopDevice, err)
	}

	return cleanup.release(ctx, cleanupDiskLoopback)
}
