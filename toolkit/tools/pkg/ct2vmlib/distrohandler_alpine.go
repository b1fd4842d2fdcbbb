// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
)

const (
	alpineInittabFile   = "/etc/inittab"
	alpineSecurettyFile = "/etc/securetty"
	alpineModulesDir    = "/lib/modules"
)

// OpenRC services a container doesn't run but a booted machine needs, by runlevel.
var alpineBootServices = []struct {
	name     string
	runlevel string
}{
	{"devfs", "sysinit"},
	{"dmesg", "sysinit"},
	{"mdev", "sysinit"},
	{"hwdrivers", "sysinit"},
	{"modules", "boot"},
	{"hwclock", "boot"},
	{"hostname", "boot"},
	{"sysctl", "boot"},
	{"bootmisc", "boot"},
	{"networking", "boot"},
	{"qemu-guest-agent", "default"},
	{"mount-ro", "shutdown"},
	{"killprocs", "shutdown"},
}

type alpineHandler struct{}

func (h *alpineHandler) family() DistroFamily {
	return DistroFamilyAlpine
}

func (h *alpineHandler) bootPackages(firmware ct2vmapi.FirmwareType) []string {
	packages := []string{"linux-virt", "mkinitfs", "e2fsprogs", "qemu-guest-agent", "grub"}
	if firmware == ct2vmapi.FirmwareTypeUefi {
		return append(packages, "grub-efi", "dosfstools")
	}
	return append(packages, "grub-bios")
}

func (h *alpineHandler) installPackages(ctx context.Context, chroot chrootRunner, packages []string) error {
	args := append([]string{"add", "--no-cache"}, packages...)
	return chroot.Run(ctx, "apk", args...)
}

// The virt kernel loads the root filesystem driver from the initramfs.
func (h *alpineHandler) kernelArgs() []string {
	return append(serialConsoleKernelArgs(), "modules=sd-mod,ext4", "rootfstype=ext4")
}

func (h *alpineHandler) grubConfigPath() string {
	return grubConfigPath
}

func (h *alpineHandler) installBootloader(ctx context.Context, chroot chrootRunner, firmware ct2vmapi.FirmwareType,
	diskDevPath string,
) error {
	return chroot.Run(ctx, "grub-install", grubInstallArgs(firmware, diskDevPath)...)
}

func (h *alpineHandler) regenerateGrubConfig(ctx context.Context, chroot chrootRunner) error {
	return chroot.Run(ctx, "grub-mkconfig", "-o", grubConfigPath)
}

// mkinitfs needs the kernel version, which isn't the running kernel's.
func (h *alpineHandler) regenerateInitramfs(ctx context.Context, chroot chrootRunner) error {
	modulesDir := filepath.Join(chroot.RootDir(), alpineModulesDir)
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		return fmt.Errorf("failed to list kernel modules (%s):\n%w", modulesDir, err)
	}

	built := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		err = chroot.Run(ctx, "mkinitfs", entry.Name())
		if err != nil {
			return err
		}
		built++
	}

	if built == 0 {
		return fmt.Errorf("no kernel modules found in (%s)", modulesDir)
	}

	return nil
}

func (h *alpineHandler) enableServices(ctx context.Context, chroot chrootRunner) error {
	err := enableAlpineSerialConsole(chroot.RootDir())
	if err != nil {
		return err
	}

	for _, service := range alpineBootServices {
		err = chroot.Run(ctx, "rc-update", "add", service.name, service.runlevel)
		if err != nil {
			return err
		}
	}

	return nil
}

// enableAlpineSerialConsole adds a getty on the serial port to inittab and allows root logins on it.
func enableAlpineSerialConsole(root string) error {
	gettyLine := fmt.Sprintf("%s::respawn:/sbin/getty -L %s %s vt100", serialConsoleDevice, serialConsoleBaud,
		serialConsoleDevice)

	err := appendLineIfMissing(filepath.Join(root, alpineInittabFile), gettyLine,
		func(line string) bool { return strings.HasPrefix(line, serialConsoleDevice+"::") })
	if err != nil {
		return err
	}

	return appendLineIfMissing(filepath.Join(root, alpineSecurettyFile), serialConsoleDevice,
		func(line string) bool { return line == serialConsoleDevice })
}

// appendLineIfMissing appends line to the file unless an existing (trimmed) line matches.
// A missing file is created.
func appendLineIfMissing(path string, line string, matches func(string) bool) error {
	exists, err := file.PathExists(path)
	if err != nil {
		return err
	}

	if exists {
		lines, err := file.ReadLines(path)
		if err != nil {
			return err
		}

		if slices.ContainsFunc(lines, func(existing string) bool { return matches(strings.TrimSpace(existing)) }) {
			return nil
		}
	}

	return file.Append(line+"\n", path)
}
