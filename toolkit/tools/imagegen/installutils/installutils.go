// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package installutils

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/envfile"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/shell"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/sliceutils"
	"github.com/sirupsen/logrus"
)

const (
	// FstabFile is the path of the fstab file relative to the root.
	FstabFile = "/etc/fstab"

	// GrubDefFile is the filepath of the config file used by grub-mkconfig.
	GrubDefFile = "/etc/default/grub"

	// GrubCmdlineVar is the /etc/default/grub variable holding the kernel command line.
	GrubCmdlineVar = "GRUB_CMDLINE_LINUX"

	rootMountPoint = "/"
)

var (
	// Matches a "GRUB_CMDLINE_LINUX=..." assignment, optionally exported.
	grubCmdlineLineRegexp = regexp.MustCompile(`^\s*(?:export\s+)?` + GrubCmdlineVar + `=`)
)

// FstabEntry is a single line of an fstab file.
type FstabEntry struct {
	// Source device, usually "UUID=<uuid>".
	Source     string
	MountPoint string
	FsType     string
	Options    string
}

// String formats the entry as an fstab line.
// The root filesystem always gets pass number 1 and other filesystems 2.
func (e FstabEntry) String() string {
	const (
		defaultOptions = "defaults"
		defaultDump    = "0"
		rootPass       = "1"
		defaultPass    = "2"
	)

	options := e.Options
	if options == "" {
		options = defaultOptions
	}

	pass := defaultPass
	if e.MountPoint == rootMountPoint {
		pass = rootPass
	}

	return fmt.Sprintf("%s %s %s %s %s %s", e.Source, e.MountPoint, e.FsType, options, defaultDump, pass)
}

// WriteFstab replaces the fstab file under installRoot with the given entries.
func WriteFstab(installRoot string, entries []FstabEntry) error {
	logger.Log.Debugf("Configuring fstab")

	lines := []string{
		"# <file system> <mount point> <type> <options> <dump> <pass>",
	}
	for _, entry := range entries {
		lines = append(lines, entry.String())
	}

	fstabPath := filepath.Join(installRoot, FstabFile)
	err := file.WriteLines(lines, fstabPath)
	if err != nil {
		return fmt.Errorf("failed to write fstab file (%s):\n%w", fstabPath, err)
	}

	return nil
}

// UuidFstabSource returns the fstab source field for a filesystem UUID.
func UuidFstabSource(uuid string) string {
	return "UUID=" + uuid
}

// ReplaceRootMountOption replaces a mount option of the root entry of an existing fstab file.
// Returns true if the file was changed.
func ReplaceRootMountOption(installRoot string, oldOption string, newOption string) (bool, error) {
	fstabPath := filepath.Join(installRoot, FstabFile)
	lines, err := file.ReadLines(fstabPath)
	if err != nil {
		return false, fmt.Errorf("failed to read fstab file (%s):\n%w", fstabPath, err)
	}

	changed := false
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 4 || strings.HasPrefix(fields[0], "#") || fields[1] != rootMountPoint {
			continue
		}

		options := strings.Split(fields[3], ",")
		newOptions := []string(nil)
		for _, option := range options {
			if option == oldOption {
				changed = true
				if newOption == "" || sliceutils.ContainsValue(newOptions, newOption) {
					continue
				}
				option = newOption
			}
			newOptions = append(newOptions, option)
		}
		if len(newOptions) == 0 {
			newOptions = []string{"defaults"}
		}

		fields[3] = strings.Join(newOptions, ",")
		lines[i] = strings.Join(fields, " ")
	}

	if !changed {
		return false, nil
	}

	err = file.WriteLines(lines, fstabPath)
	if err != nil {
		return false, fmt.Errorf("failed to write fstab file (%s):\n%w", fstabPath, err)
	}
	return true, nil
}

// UpdateGrubCmdline adds and removes kernel arguments in the GRUB_CMDLINE_LINUX variable of the
// /etc/default/grub file under installRoot. The variable is appended if it doesn't exist.
func UpdateGrubCmdline(installRoot string, addArgs []string, removeArgs []string) error {
	grubDefPath := filepath.Join(installRoot, GrubDefFile)

	exists, err := file.PathExists(grubDefPath)
	if err != nil {
		return err
	}

	lines := []string(nil)
	if exists {
		lines, err = file.ReadLines(grubDefPath)
		if err != nil {
			return fmt.Errorf("failed to read grub defaults file (%s):\n%w", grubDefPath, err)
		}
	}

	found := false
	for i, line := range lines {
		if !grubCmdlineLineRegexp.MatchString(line) {
			continue
		}

		values, err := envfile.ParseEnv(strings.TrimSpace(line))
		if err != nil {
			return fmt.Errorf("failed to parse %s in (%s):\n%w", GrubCmdlineVar, grubDefPath, err)
		}

		args := updateArgs(strings.Fields(values[GrubCmdlineVar]), addArgs, removeArgs)
		lines[i] = GrubCmdlineVar + "=" + envfile.QuoteValue(strings.Join(args, " "))
		found = true
	}

	if !found {
		args := updateArgs(nil, addArgs, removeArgs)
		lines = append(lines, GrubCmdlineVar+"="+envfile.QuoteValue(strings.Join(args, " ")))
	}

	err = file.WriteLines(lines, grubDefPath)
	if err != nil {
		return fmt.Errorf("failed to write grub defaults file (%s):\n%w", grubDefPath, err)
	}

	return nil
}

func updateArgs(args []string, addArgs []string, removeArgs []string) []string {
	newArgs := []string(nil)
	for _, arg := range args {
		if sliceutils.ContainsValue(removeArgs, arg) {
			continue
		}
		newArgs = append(newArgs, arg)
	}

	for _, arg := range addArgs {
		if !sliceutils.ContainsValue(newArgs, arg) {
			newArgs = append(newArgs, arg)
		}
	}

	return newArgs
}

// HostInstallLegacyBootloader runs the host's grub installer against a BIOS disk whose root
// filesystem is mounted at installRoot.
func HostInstallLegacyBootloader(ctx context.Context, installRoot string, diskDevPath string) error {
	const (
		grub2InstallName = "grub2-install"
		grubInstallName  = "grub-install"
		bootDir          = "/boot"
	)

	logger.Log.Debugf("Installing BIOS bootloader from host onto (%s)", diskDevPath)

	installName := grub2InstallName
	grub2InstallExists, err := file.CommandExists(grub2InstallName)
	if err != nil {
		return err
	}

	if !grub2InstallExists {
		grubInstallExists, err := file.CommandExists(grubInstallName)
		if err != nil {
			return err
		}

		if !grubInstallExists {
			return fmt.Errorf("neither 'grub2-install' command nor 'grub-install' command found")
		}

		installName = grubInstallName
	}

	bootDirArg := "--boot-directory=" + filepath.Join(installRoot, bootDir)
	err = shell.NewExecBuilder(installName, "--target=i386-pc", bootDirArg, diskDevPath).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.InfoLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return fmt.Errorf("host %s failed:\n%w", installName, err)
	}

	return nil
}
