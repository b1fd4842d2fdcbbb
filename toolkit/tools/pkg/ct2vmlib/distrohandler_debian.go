// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"slices"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/osinfo"
)

type debianHandler struct {
	release osinfo.OsRelease
}

func (h *debianHandler) family() DistroFamily {
	return DistroFamilyDebian
}

func (h *debianHandler) kernelPackage() string {
	if h.release.Id == "ubuntu" || slices.Contains(h.release.IdLike, "ubuntu") {
		return "linux-image-virtual"
	}
	return "linux-image-amd64"
}

func (h *debianHandler) bootPackages(firmware ct2vmapi.FirmwareType) []string {
	packages := []string{h.kernelPackage(), "initramfs-tools", "e2fsprogs", "qemu-guest-agent"}
	if firmware == ct2vmapi.FirmwareTypeUefi {
		return append(packages, "grub-efi-amd64", "dosfstools")
	}
	return append(packages, "grub-pc")
}

func (h *debianHandler) installPackages(ctx context.Context, chroot chrootRunner, packages []string) error {
	err := chroot.Run(ctx, "apt-get", "update")
	if err != nil {
		return err
	}

	args := append([]string{"install", "-y", "--no-install-recommends"}, packages...)
	return chroot.Run(ctx, "apt-get", args...)
}

func (h *debianHandler) kernelArgs() []string {
	return serialConsoleKernelArgs()
}

func (h *debianHandler) grubConfigPath() string {
	return grubConfigPath
}

func (h *debianHandler) installBootloader(ctx context.Context, chroot chrootRunner, firmware ct2vmapi.FirmwareType,
	diskDevPath string,
) error {
	return chroot.Run(ctx, "grub-install", grubInstallArgs(firmware, diskDevPath)...)
}

func (h *debianHandler) regenerateGrubConfig(ctx context.Context, chroot chrootRunner) error {
	return chroot.Run(ctx, "grub-mkconfig", "-o", grubConfigPath)
}

func (h *debianHandler) regenerateInitramfs(ctx context.Context, chroot chrootRunner) error {
	return chroot.Run(ctx, "update-initramfs", "-u", "-k", "all")
}

func (h *debianHandler) enableServices(ctx context.Context, chroot chrootRunner) error {
	return enableSystemdServices(ctx, chroot)
}

// enableSystemdServices enables the serial getty and the guest agent.
// The guest agent unit is started by udev on some distributions and can't be enabled, which is fine.
func enableSystemdServices(ctx context.Context, chroot chrootRunner) error {
	err := chroot.Run(ctx, "systemctl", "enable", "serial-getty@"+serialConsoleDevice+".service")
	if err != nil {
		return err
	}

	err = chroot.Run(ctx, "systemctl", "enable", "qemu-guest-agent.service")
	if err != nil {
		logger.Log.Warnf("Failed to enable qemu-guest-agent service: %v", err)
	}

	return nil
}
