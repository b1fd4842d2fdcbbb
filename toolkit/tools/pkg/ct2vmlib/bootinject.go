// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/installutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/kernelversion"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/osinfo"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/safechroot"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	cleanupBootChroot = "boot-chroot"

	osReleaseFile       = "/etc/os-release"
	osReleaseFallback   = "/usr/lib/os-release"
	efiFstabMountPoint  = "/boot/efi"
	efiFstabMountOption = "umask=0077"
)

// BootInfo describes the boot setup written into the disk.
type BootInfo struct {
	Family         DistroFamily
	DistroId       string
	KernelVersion  string
	GrubConfigPath string
}

// bootInjector makes the migrated root filesystem bootable.
type bootInjector struct {
	// newChroot prepares a chroot at the root directory. The returned guard is released by the cleanup stack.
	newChroot func(root string) (chrootRunner, interface{ CleanClose() error }, error)
	// hostInstallBios installs the BIOS bootloader from the host when the guest's own installer fails.
	hostInstallBios func(ctx context.Context, root string, diskDevPath string) error
}

func newBootInjector() *bootInjector {
	return &bootInjector{
		newChroot:       newSafeChroot,
		hostInstallBios: installutils.HostInstallLegacyBootloader,
	}
}

func newSafeChroot(root string) (chrootRunner, interface{ CleanClose() error }, error) {
	chroot := safechroot.NewChroot(root)
	err := chroot.Initialize(nil)
	if err != nil {
		return nil, nil, err
	}
	return chroot, chroot, nil
}

// inject writes fstab and network config, installs a kernel and bootloader, and verifies the result.
func (b *bootInjector) inject(ctx context.Context, disk *DiskImage, keepNetwork bool,
	cleanup *cleanupStack,
) (BootInfo, error) {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "inject_boot")
	span.SetAttributes(
		attribute.String("firmware", string(disk.Firmware)),
	)
	defer span.End()

	root := disk.MountDir

	release, err := readGuestOsRelease(root)
	if err != nil {
		return BootInfo{}, fmt.Errorf("%w:\n%w", ErrBootInject, err)
	}

	family, known := detectDistroFamily(release)
	if !known {
		logger.Log.Warnf("Unrecognized distribution (%s), treating it as %s", release.Id, family)
	}
	span.SetAttributes(attribute.String("distro_family", string(family)))

	handler, err := newDistroHandler(family, release)
	if err != nil {
		return BootInfo{}, fmt.Errorf("%w:\n%w", ErrBootInject, err)
	}

	err = installutils.WriteFstab(root, fstabEntries(disk))
	if err != nil {
		return BootInfo{}, fmt.Errorf("%w:\n%w", ErrBootInject, err)
	}

	logger.Log.Debugf("Configuring network")
	err = configureNetwork(root, family, keepNetwork)
	if err != nil {
		return BootInfo{}, fmt.Errorf("%w:\n%w", ErrBootInject, err)
	}

	err = b.runInChroot(ctx, root, handler, disk, cleanup)
	if err != nil {
		return BootInfo{}, fmt.Errorf("%w:\n%w", ErrBootInject, err)
	}

	info, err := verifyBootArtifacts(root, handler, disk.Firmware)
	if err != nil {
		return BootInfo{}, err
	}
	info.DistroId = release.Id

	logger.Log.Infof("Disk is bootable (distro: %s, kernel: %s)", release.Id, info.KernelVersion)
	return info, nil
}

func (b *bootInjector) runInChroot(ctx context.Context, root string, handler distroHandler, disk *DiskImage,
	cleanup *cleanupStack,
) error {
	chroot, guard, err := b.newChroot(root)
	if err != nil {
		return err
	}
	cleanup.pushGuard(cleanupBootChroot, guard)

	logger.Log.Debugf("Installing kernel and bootloader packages")
	err = handler.installPackages(ctx, chroot, handler.bootPackages(disk.Firmware))
	if err != nil {
		return fmt.Errorf("failed to install boot packages:\n%w", err)
	}

	err = installutils.UpdateGrubCmdline(root, handler.kernelArgs(), nil)
	if err != nil {
		return err
	}

	logger.Log.Debugf("Regenerating initramfs")
	err = handler.regenerateInitramfs(ctx, chroot)
	if err != nil {
		return fmt.Errorf("failed to regenerate initramfs:\n%w", err)
	}

	logger.Log.Debugf("Installing bootloader (%s)", disk.Firmware)
	err = handler.installBootloader(ctx, chroot, disk.Firmware, disk.LoopDevice)
	if err != nil {
		if disk.IsUefi() {
			return fmt.Errorf("failed to install bootloader:\n%w", err)
		}

		logger.Log.Warnf("Guest bootloader install failed, falling back to host: %v", err)
		hostErr := b.hostInstallBios(ctx, root, disk.LoopDevice)
		if hostErr != nil {
			return fmt.Errorf("failed to install bootloader:\n%w", errors.Join(err, hostErr))
		}
	}

	err = handler.regenerateGrubConfig(ctx, chroot)
	if err != nil {
		return fmt.Errorf("failed to generate grub config:\n%w", err)
	}

	err = handler.enableServices(ctx, chroot)
	if err != nil {
		return fmt.Errorf("failed to enable services:\n%w", err)
	}

	return cleanup.release(ctx, cleanupBootChroot)
}

func readGuestOsRelease(root string) (osinfo.OsRelease, error) {
	for _, path := range []string{osReleaseFile, osReleaseFallback} {
		fullPath := filepath.Join(root, path)
		exists, err := file.PathExists(fullPath)
		if err != nil {
			return osinfo.OsRelease{}, err
		}
		if exists {
			return osinfo.ReadOsRelease(fullPath)
		}
	}

	return osinfo.OsRelease{}, fmt.Errorf("no os-release file found in (%s)", root)
}

func fstabEntries(disk *DiskImage) []installutils.FstabEntry {
	entries := []installutils.FstabEntry{
		{
			Source:     installutils.UuidFstabSource(disk.RootUuid),
			MountPoint: "/",
			FsType:     "ext4",
			Options:    "defaults",
		},
	}

	if disk.IsUefi() {
		entries = append(entries, installutils.FstabEntry{
			Source:     installutils.UuidFstabSource(disk.EfiUuid),
			MountPoint: efiFstabMountPoint,
			FsType:     "vfat",
			Options:    efiFstabMountOption,
		})
	}

	return entries
}

// verifyBootArtifacts checks that a kernel, an initramfs, the grub config and (for UEFI) the EFI loader exist.
func verifyBootArtifacts(root string, handler distroHandler, firmware ct2vmapi.FirmwareType) (BootInfo, error) {
	kernels, err := kernelversion.FindKernelImages(filepath.Join(root, "boot"))
	if err != nil {
		return BootInfo{}, fmt.Errorf("%w:\n%w", ErrBootArtifactMissing, err)
	}
	if len(kernels) == 0 {
		return BootInfo{}, fmt.Errorf("%w (no kernel in /boot)", ErrBootArtifactMissing)
	}

	initramfs, err := findInitramfs(filepath.Join(root, "boot"))
	if err != nil {
		return BootInfo{}, fmt.Errorf("%w:\n%w", ErrBootArtifactMissing, err)
	}
	if initramfs == "" {
		return BootInfo{}, fmt.Errorf("%w (no initramfs in /boot)", ErrBootArtifactMissing)
	}

	required := []string{handler.grubConfigPath()}
	if firmware == ct2vmapi.FirmwareTypeUefi {
		required = append(required, "/"+efiFallbackLoaderPath)
	}

	for _, path := range required {
		isFile, err := file.IsFile(filepath.Join(root, path))
		if err != nil {
			return BootInfo{}, fmt.Errorf("%w:\n%w", ErrBootArtifactMissing, err)
		}
		if !isFile {
			return BootInfo{}, fmt.Errorf("%w (%s)", ErrBootArtifactMissing, path)
		}
	}

	return BootInfo{
		Family:         handler.family(),
		KernelVersion:  kernels[0].VersionString,
		GrubConfigPath: handler.grubConfigPath(),
	}, nil
}

// findInitramfs returns the first initramfs image name in bootDir.
// Debian uses initrd.img-<version>, dracut initramfs-<version>.img and Alpine initramfs-<flavor>.
func findInitramfs(bootDir string) (string, error) {
	for _, pattern := range []string{"initrd.img*", "initramfs-*", "initrd-*"} {
		matches, err := filepath.Glob(filepath.Join(bootDir, pattern))
		if err != nil {
			return "", err
		}
		if len(matches) > 0 {
			return filepath.Base(matches[0]), nil
		}
	}
	return "", nil
}
