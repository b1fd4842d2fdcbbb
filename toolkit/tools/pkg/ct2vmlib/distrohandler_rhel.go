// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
)

type rhelHandler struct{}

func (h *rhelHandler) family() DistroFamily {
	return DistroFamilyRhel
}

func (h *rhelHandler) bootPackages(firmware ct2vmapi.FirmwareType) []string {
	packages := []string{"kernel", "dracut", "e2fsprogs", "qemu-guest-agent", "grub2-tools"}
	if firmware == ct2vmapi.FirmwareTypeUefi {
		return append(packages, "grub2-efi-x64", "grub2-efi-x64-modules", "shim-x64", "dosfstools")
	}
	return append(packages, "grub2-pc")
}

func (h *rhelHandler) installPackages(ctx context.Context, chroot chrootRunner, packages []string) error {
	args := append([]string{"install", "-y", "--setopt=install_weak_deps=False"}, packages...)
	return chroot.Run(ctx, "dnf", args...)
}

func (h *rhelHandler) kernelArgs() []string {
	return serialConsoleKernelArgs()
}

func (h *rhelHandler) grubConfigPath() string {
	return grub2ConfigPath
}

func (h *rhelHandler) installBootloader(ctx context.Context, chroot chrootRunner, firmware ct2vmapi.FirmwareType,
	diskDevPath string,
) error {
	return chroot.Run(ctx, "grub2-install", grubInstallArgs(firmware, diskDevPath)...)
}

// Boot loader spec entries take their arguments from the kernelopts written by grub2-mkconfig, so the
// existing entries are updated too.
func (h *rhelHandler) regenerateGrubConfig(ctx context.Context, chroot chrootRunner) error {
	err := chroot.Run(ctx, "grub2-mkconfig", "-o", grub2ConfigPath)
	if err != nil {
		return err
	}

	return chroot.Run(ctx, "grubby", "--update-kernel=ALL", "--args="+strings.Join(h.kernelArgs(), " "))
}

func (h *rhelHandler) regenerateInitramfs(ctx context.Context, chroot chrootRunner) error {
	return chroot.Run(ctx, "dracut", "--force", "--regenerate-all")
}

func (h *rhelHandler) enableServices(ctx context.Context, chroot chrootRunner) error {
	return enableSystemdServices(ctx, chroot)
}
