// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
)

type archHandler struct{}

func (h *archHandler) family() DistroFamily {
	return DistroFamilyArch
}

func (h *archHandler) bootPackages(firmware ct2vmapi.FirmwareType) []string {
	packages := []string{"linux", "mkinitcpio", "e2fsprogs", "qemu-guest-agent", "grub"}
	if firmware == ct2vmapi.FirmwareTypeUefi {
		return append(packages, "efibootmgr", "dosfstools")
	}
	return packages
}

func (h *archHandler) installPackages(ctx context.Context, chroot chrootRunner, packages []string) error {
	args := append([]string{"-Sy", "--noconfirm", "--needed"}, packages...)
	return chroot.Run(ctx, "pacman", args...)
}

func (h *archHandler) kernelArgs() []string {
	return serialConsoleKernelArgs()
}

func (h *archHandler) grubConfigPath() string {
	return grubConfigPath
}

func (h *archHandler) installBootloader(ctx context.Context, chroot chrootRunner, firmware ct2vmapi.FirmwareType,
	diskDevPath string,
) error {
	return chroot.Run(ctx, "grub-install", grubInstallArgs(firmware, diskDevPath)...)
}

func (h *archHandler) regenerateGrubConfig(ctx context.Context, chroot chrootRunner) error {
	return chroot.Run(ctx, "grub-mkconfig", "-o", grubConfigPath)
}

func (h *archHandler) regenerateInitramfs(ctx context.Context, chroot chrootRunner) error {
	return chroot.Run(ctx, "mkinitcpio", "-P")
}

func (h *archHandler) enableServices(ctx context.Context, chroot chrootRunner) error {
	return enableSystemdServices(ctx, chroot)
}
