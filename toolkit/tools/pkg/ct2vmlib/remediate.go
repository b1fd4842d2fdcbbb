// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/diskutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/installutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/safeloopback"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/safenbd"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	remediateMountDirName  = "remediate-mnt"
	cleanupRemediateChroot = "remediate-chroot"

	remountReadOnlyOption = "errors=remount-ro"
)

// Cache directories whose absence or wrong owner breaks early boot services on a read-only root.
var remediateCacheDirs = []struct {
	path string
	perm os.FileMode
}{
	{"/var/cache/apt/archives/partial", 0o700},
	{"/var/lib/apt/lists/partial", 0o700},
	{"/var/cache/ldconfig", 0o755},
	{"/var/cache/man", 0o755},
}

// remediator repairs a VM whose guest came up with a read-only root filesystem.
type remediator struct {
	vms     pve.VmControl
	storage pve.StorageManager
	health  *healthValidator

	// openDisk attaches and mounts a VM disk. Its resources are pushed onto the cleanup stack.
	openDisk func(ctx context.Context, diskPath string, format ct2vmapi.ImageFormatType,
		firmware ct2vmapi.FirmwareType, mountDir string, cleanup *cleanupStack) (*DiskImage, error)
	checkFilesystem func(ctx context.Context, devPath string) error
	normalizeDirs   func(root string) error
	newChroot       func(root string) (chrootRunner, interface{ CleanClose() error }, error)
}

func newRemediator(vms pve.VmControl, storage pve.StorageManager, health *healthValidator) *remediator {
	return &remediator{
		vms:             vms,
		storage:         storage,
		health:          health,
		openDisk:        openVmDisk,
		checkFilesystem: diskutils.CheckExt4,
		normalizeDirs:   normalizeCacheDirs,
		newChroot:       newSafeChroot,
	}
}

// remediate makes a single repair attempt and re-runs the live checks once.
// The report is updated in place. A guest that still shows the failure returns ErrHealthDegraded.
func (r *remediator) remediate(ctx context.Context, job *ConversionJob, vm ProvisionedVm, family DistroFamily,
	workDir string, report *HealthReport, log *logrus.Entry,
) error {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "remediate_vm")
	span.SetAttributes(
		attribute.Int("vmid", vm.VmId),
	)
	defer span.End()

	log.Warnf("Guest of VM (%d) has a read-only root (%s), attempting remediation", vm.VmId,
		report.DegradedState())

	err := r.vms.Stop(ctx, vm.VmId)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrRemediate, err)
	}

	diskPath, err := r.storage.Path(ctx, vm.DiskVolumeId)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrRemediate, err)
	}

	err = r.repairDisk(ctx, diskPath, job.Firmware, filepath.Join(workDir, remediateMountDirName), log)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrRemediate, err)
	}

	log.Infof("Restarting VM (%d) after remediation", vm.VmId)

	err = r.vms.Start(ctx, vm.VmId)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrRemediate, err)
	}

	_, err = r.health.liveCheck(ctx, vm.VmId, family, report, log)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrRemediate, err)
	}
	report.Remediated = true

	if !remediationResolved(report) {
		return fmt.Errorf("%w (%s)", ErrHealthDegraded, report.DegradedState())
	}

	log.Infof("Remediation of VM (%d) succeeded", vm.VmId)
	return nil
}

func remediationResolved(report *HealthReport) bool {
	for _, name := range []string{HealthCheckGuestAgent, HealthCheckRootRw, HealthCheckRemountService} {
		check, found := report.Check(name)
		if !found || !check.Passed {
			return false
		}
	}
	return true
}

func (r *remediator) repairDisk(ctx context.Context, diskPath string, firmware ct2vmapi.FirmwareType,
	mountDir string, log *logrus.Entry,
) (err error) {
	cleanup := newCleanupStack(log)
	defer func() {
		cleanupErr := cleanup.run(ctx)
		err = errors.Join(err, cleanupErr)
	}()

	disk, err := r.openDisk(ctx, diskPath, volumeFormat(diskPath), firmware, mountDir, cleanup)
	if err != nil {
		return err
	}

	root := disk.MountDir

	err = installutils.UpdateGrubCmdline(root, []string{"rw"}, []string{"ro"})
	if err != nil {
		return err
	}

	changed, err := installutils.ReplaceRootMountOption(root, remountReadOnlyOption, "defaults")
	if err != nil {
		return err
	}
	if changed {
		log.Infof("Replaced (%s) in the root fstab entry", remountReadOnlyOption)
	}

	err = r.normalizeDirs(root)
	if err != nil {
		return err
	}

	err = r.regenerateGrubConfig(ctx, root, cleanup)
	if err != nil {
		return err
	}

	err = cleanup.release(ctx, cleanupDiskRootMount)
	if err != nil {
		return err
	}

	return r.checkFilesystem(ctx, disk.RootPartition)
}

func (r *remediator) regenerateGrubConfig(ctx context.Context, root string, cleanup *cleanupStack) error {
	release, err := readGuestOsRelease(root)
	if err != nil {
		return err
	}

	family, _ := detectDistroFamily(release)
	handler, err := newDistroHandler(family, release)
	if err != nil {
		return err
	}

	chroot, guard, err := r.newChroot(root)
	if err != nil {
		return err
	}
	cleanup.pushGuard(cleanupRemediateChroot, guard)

	err = handler.regenerateGrubConfig(ctx, chroot)
	if err != nil {
		return err
	}

	return cleanup.release(ctx, cleanupRemediateChroot)
}

// normalizeCacheDirs recreates the cache directories as root owned directories with their standard mode.
func normalizeCacheDirs(root string) error {
	for _, dir := range remediateCacheDirs {
		path := filepath.Join(root, dir.path)

		stat, err := os.Lstat(path)
		if err == nil && !stat.IsDir() {
			err = os.Remove(path)
			if err != nil {
				return fmt.Errorf("failed to remove non-directory (%s):\n%w", path, err)
			}
		}

		err = os.MkdirAll(path, dir.perm)
		if err != nil {
			return fmt.Errorf("failed to create cache directory (%s):\n%w", path, err)
		}

		err = os.Chmod(path, dir.perm)
		if err != nil {
			return fmt.Errorf("failed to set mode of cache directory (%s):\n%w", path, err)
		}

		err = os.Lchown(path, 0, 0)
		if err != nil {
			return fmt.Errorf("failed to set owner of cache directory (%s):\n%w", path, err)
		}
	}

	return nil
}

// volumeFormat guesses an imported volume's format from its path. Block device volumes are raw.
func volumeFormat(path string) ct2vmapi.ImageFormatType {
	switch {
	case strings.HasSuffix(path, ".qcow2"):
		return ct2vmapi.ImageFormatTypeQcow2
	case strings.HasSuffix(path, ".vmdk"):
		return ct2vmapi.ImageFormatTypeVmdk
	default:
		return ct2vmapi.ImageFormatTypeRaw
	}
}

// openVmDisk attaches an imported VM disk (through a loop device for raw and qemu-nbd otherwise) and
// mounts its root partition.
func openVmDisk(ctx context.Context, diskPath string, format ct2vmapi.ImageFormatType,
	firmware ct2vmapi.FirmwareType, mountDir string, cleanup *cleanupStack,
) (*DiskImage, error) {
	tableType, _ := diskLayout(firmware)
	disk := &DiskImage{
		Path:           diskPath,
		Format:         format,
		Firmware:       firmware,
		PartitionTable: tableType,
		MountDir:       mountDir,
	}

	if format == ct2vmapi.ImageFormatTypeRaw {
		loopback, err := safeloopback.NewLoopback(diskPath)
		if err != nil {
			return nil, err
		}
		cleanup.pushGuard(cleanupDiskLoopback, loopback)
		disk.LoopDevice = loopback.DevicePath()
	} else {
		nbd, err := safenbd.NewNbd(diskPath, string(format))
		if err != nil {
			return nil, err
		}
		cleanup.pushGuard(cleanupDiskLoopback, nbd)
		disk.LoopDevice = nbd.DevicePath()
	}

	partitions, err := diskutils.GetDiskPartitions(disk.LoopDevice)
	if err != nil {
		return nil, err
	}

	err = assignPartitions(disk, partitions)
	if err != nil {
		return nil, err
	}

	err = mountDisk(disk, cleanup)
	if err != nil {
		return nil, err
	}

	return disk, nil
}
