// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safechroot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/processes"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/safemount"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/shell"
	"github.com/sirupsen/logrus"
)

const (
	resolvConfPath       = "/etc/resolv.conf"
	resolvConfBackupName = "resolv.conf.ct2vm-orig"
)

// MountPoint describes a filesystem mounted inside the chroot.
type MountPoint struct {
	source string
	target string
	fstype string
	flags  uintptr
	data   string
}

func NewMountPoint(source, target, fstype string, flags uintptr, data string) *MountPoint {
	return &MountPoint{
		source: source,
		target: target,
		fstype: fstype,
		flags:  flags,
		data:   data,
	}
}

var defaultChrootMountPoints = []*MountPoint{
	NewMountPoint("devtmpfs", "/dev", "devtmpfs", 0, ""),
	NewMountPoint("devpts", "/dev/pts", "devpts", 0, "gid=5,mode=620"),
	NewMountPoint("proc", "/proc", "proc", 0, ""),
	NewMountPoint("sysfs", "/sys", "sysfs", 0, ""),
	NewMountPoint("tmpfs", "/run", "tmpfs", 0, ""),
}

// Chroot is a root directory prepared for running programs inside it.
//
// Programs are run in child processes that have their own root, so the calling process never changes
// root. This allows many chroots to be used concurrently.
type Chroot struct {
	rootDir            string
	mounts             []*safemount.Mount
	resolvConfReplaced bool
	log                *logrus.Entry
}

func NewChroot(rootDir string) *Chroot {
	return &Chroot{
		rootDir: rootDir,
		log:     logger.Log.WithField("chroot", rootDir),
	}
}

func (c *Chroot) RootDir() string {
	return c.rootDir
}

// Initialize mounts the pseudo filesystems (followed by the extra mounts) into the chroot
// and installs the host's DNS config.
func (c *Chroot) Initialize(extraMountPoints []*MountPoint) error {
	exists, err := file.DirExists(c.rootDir)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("chroot directory (%s) does not exist", c.rootDir)
	}

	allMountPoints := slices.Concat(defaultChrootMountPoints, extraMountPoints)
	for _, mountPoint := range allMountPoints {
		target := filepath.Join(c.rootDir, mountPoint.target)
		mount, err := safemount.NewMount(mountPoint.source, target, mountPoint.fstype, mountPoint.flags,
			mountPoint.data, true)
		if err != nil {
			c.Close()
			return err
		}

		c.mounts = append(c.mounts, mount)
	}

	err = c.installHostResolvConf()
	if err != nil {
		c.Close()
		return err
	}

	return nil
}

// installHostResolvConf gives the chroot network name resolution for package installs.
func (c *Chroot) installHostResolvConf() error {
	exists, err := file.PathExists(resolvConfPath)
	if err != nil || !exists {
		return err
	}

	target := filepath.Join(c.rootDir, resolvConfPath)
	backup := filepath.Join(c.rootDir, "etc", resolvConfBackupName)

	_, err = file.RenameIfExists(target, backup)
	if err != nil {
		return fmt.Errorf("failed to back up chroot resolv.conf:\n%w", err)
	}
	c.resolvConfReplaced = true

	err = file.Copy(resolvConfPath, target)
	if err != nil {
		return fmt.Errorf("failed to copy host resolv.conf into chroot:\n%w", err)
	}

	return nil
}

func (c *Chroot) restoreResolvConf() error {
	if !c.resolvConfReplaced {
		return nil
	}

	target := filepath.Join(c.rootDir, resolvConfPath)
	backup := filepath.Join(c.rootDir, "etc", resolvConfBackupName)

	err := file.RemoveFileIfExists(target)
	if err != nil {
		return err
	}

	_, err = file.RenameIfExists(backup, target)
	if err != nil {
		return fmt.Errorf("failed to restore chroot resolv.conf:\n%w", err)
	}

	c.resolvConfReplaced = false
	return nil
}

// Command returns an ExecBuilder for a program that runs inside the chroot.
func (c *Chroot) Command(ctx context.Context, program string, args ...string) shell.ExecBuilder {
	return shell.NewExecBuilder(program, args...).
		Context(ctx).
		Chroot(c.rootDir).
		EnvironmentVariables(chrootEnvironment()).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(1)
}

// Run runs a program inside the chroot.
func (c *Chroot) Run(ctx context.Context, program string, args ...string) error {
	return c.Command(ctx, program, args...).Execute()
}

func chrootEnvironment() []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/root",
		"LANG=C.UTF-8",
		"DEBIAN_FRONTEND=noninteractive",
	}
}

// Close releases the chroot without reporting errors. Used on error paths.
func (c *Chroot) Close() {
	err := c.close(true)
	if err != nil {
		c.log.Warnf("failed to close chroot: %s", err)
	}
}

func (c *Chroot) CleanClose() error {
	return c.close(false)
}

func (c *Chroot) close(bestEffort bool) error {
	errs := []error(nil)

	err := c.restoreResolvConf()
	if err != nil {
		errs = append(errs, err)
	}

	c.stopLeftoverProcesses()

	// Unmount in reverse order.
	for i := len(c.mounts) - 1; i >= 0; i-- {
		mount := c.mounts[i]
		if bestEffort {
			mount.Close()
			continue
		}

		err := mount.CleanClose()
		if err != nil {
			errs = append(errs, err)
			// Keep the remaining mounts so a later Close can retry them.
			c.mounts = c.mounts[:i+1]
			return errors.Join(errs...)
		}
	}

	c.mounts = nil
	return errors.Join(errs...)
}

// stopLeftoverProcesses interrupts daemons that a package install may have started inside the chroot.
func (c *Chroot) stopLeftoverProcesses() {
	if len(c.mounts) == 0 {
		return
	}

	_, err := processes.StopProcessesInRoot(c.rootDir)
	if err != nil {
		c.log.Debugf("Failed to stop processes using chroot: %s", err)
	}
}
