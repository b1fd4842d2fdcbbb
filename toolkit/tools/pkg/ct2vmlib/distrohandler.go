// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"fmt"
	"slices"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/osinfo"
)

// DistroFamily groups distributions that are made bootable the same way.
type DistroFamily string

const (
	DistroFamilyDebian DistroFamily = "debian"
	DistroFamilyAlpine DistroFamily = "alpine"
	DistroFamilyRhel   DistroFamily = "rhel"
	DistroFamilyArch   DistroFamily = "arch"
)

const (
	serialConsoleDevice = "ttyS0"
	serialConsoleBaud   = "115200"

	grubConfigPath  = "/boot/grub/grub.cfg"
	grub2ConfigPath = "/boot/grub2/grub.cfg"

	// The EFI loader path firmware falls back to when it has no boot entries.
	efiFallbackLoaderPath = "boot/efi/EFI/BOOT/BOOTX64.EFI"
)

var distroFamilyIds = map[DistroFamily][]string{
	DistroFamilyDebian: {"debian", "ubuntu", "devuan", "kali", "linuxmint", "pop"},
	DistroFamilyAlpine: {"alpine"},
	DistroFamilyRhel:   {"rhel", "centos", "rocky", "almalinux", "fedora", "ol"},
	DistroFamilyArch:   {"arch", "archlinux", "manjaro", "endeavouros"},
}

// chrootRunner runs programs inside a prepared root directory.
type chrootRunner interface {
	RootDir() string
	Run(ctx context.Context, program string, args ...string) error
}

// distroHandler makes a copied container root filesystem bootable.
type distroHandler interface {
	family() DistroFamily
	// bootPackages lists the packages that provide a kernel, initramfs tooling, bootloader and guest agent.
	bootPackages(firmware ct2vmapi.FirmwareType) []string
	installPackages(ctx context.Context, chroot chrootRunner, packages []string) error
	// kernelArgs are appended to the kernel command line.
	kernelArgs() []string
	grubConfigPath() string
	installBootloader(ctx context.Context, chroot chrootRunner, firmware ct2vmapi.FirmwareType,
		diskDevPath string) error
	regenerateGrubConfig(ctx context.Context, chroot chrootRunner) error
	regenerateInitramfs(ctx context.Context, chroot chrootRunner) error
	// enableServices turns on the serial console and the guest agent.
	enableServices(ctx context.Context, chroot chrootRunner) error
}

// detectDistroFamily maps an os-release file to a family, by ID first and then by ID_LIKE.
// Unknown distributions are treated as Debian derivatives.
func detectDistroFamily(release osinfo.OsRelease) (DistroFamily, bool) {
	for _, family := range []DistroFamily{DistroFamilyDebian, DistroFamilyAlpine, DistroFamilyRhel, DistroFamilyArch} {
		if slices.Contains(distroFamilyIds[family], release.Id) {
			return family, true
		}
	}

	for _, like := range release.IdLike {
		for _, family := range []DistroFamily{DistroFamilyDebian, DistroFamilyAlpine, DistroFamilyRhel, DistroFamilyArch} {
			if slices.Contains(distroFamilyIds[family], like) {
				return family, true
			}
		}
	}

	return DistroFamilyDebian, false
}

func newDistroHandler(family DistroFamily, release osinfo.OsRelease) (distroHandler, error) {
	switch family {
	case DistroFamilyDebian:
		return &debianHandler{release: release}, nil
	case DistroFamilyAlpine:
		return &alpineHandler{}, nil
	case DistroFamilyRhel:
		return &rhelHandler{}, nil
	case DistroFamilyArch:
		return &archHandler{}, nil
	default:
		return nil, fmt.Errorf("unsupported distribution family (%s)", family)
	}
}

func serialConsoleKernelArgs() []string {
	return []string{"console=tty0", "console=" + serialConsoleDevice + "," + serialConsoleBaud}
}

// grubInstallArgs are the arguments of grub-install (or grub2-install) for the firmware type.
// UEFI installs to the removable media path so the VM boots without NVRAM entries.
func grubInstallArgs(firmware ct2vmapi.FirmwareType, diskDevPath string) []string {
	if firmware == ct2vmapi.FirmwareTypeUefi {
		return []string{
			"--target=x86_64-efi",
			"--efi-directory=/" + efiMountPath,
			"--removable",
			"--no-nvram",
		}
	}

	return []string{"--target=i386-pc", diskDevPath}
}
