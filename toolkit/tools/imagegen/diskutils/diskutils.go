// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Utility to create and manipulate disks and partitions

package diskutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/retry"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/shell"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/sliceutils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PartitionTableType is the partition table label written by sfdisk.
type PartitionTableType string

const (
	PartitionTableTypeMbr PartitionTableType = "dos"
	PartitionTableTypeGpt PartitionTableType = "gpt"
)

// PartitionSpec describes a single partition to create.
type PartitionSpec struct {
	// Name is the GPT partition name. Ignored for MBR.
	Name string
	// Start of the partition in MiB.
	StartMiB uint64
	// Size of the partition in MiB. Zero means "to the end of the disk".
	SizeMiB uint64
	// TypeId is a GPT type UUID or a MBR type byte (e.g. "83").
	TypeId   string
	Bootable bool
}

type partitionInfoOutput struct {
	Devices []PartitionInfo `json:"blockdevices"`
}

type PartitionInfo struct {
	Name              string `json:"name"`       // Example: nbd0p1
	Path              string `json:"path"`       // Example: /dev/nbd0p1
	PartitionTypeUuid string `json:"parttype"`   // Example: c12a7328-f81f-11d2-ba4b-00a0c93ec93b
	FileSystemType    string `json:"fstype"`     // Example: vfat
	Uuid              string `json:"uuid"`       // Example: 4BD9-3A78
	PartUuid          string `json:"partuuid"`   // Example: 7b1367a6-5845-43f2-99b1-a742d873f590
	Mountpoint        string `json:"mountpoint"` // Example: /mnt/os/boot
	PartLabel         string `json:"partlabel"`  // Example: boot
	Type              string `json:"type"`       // Example: part
	SizeInBytes       uint64 `json:"size"`       // Example: 4096
}

type loopbackListOutput struct {
	Devices []loopbackDevice `json:"loopdevices"`
}

type loopbackDevice struct {
	Name        string `json:"name"`
	BackingFile string `json:"back-file"`
}

type PartitionTablePartition struct {
	// Populated from "sfdisk --json":
	Path         string `json:"node"`  // Example: /dev/loop1p1
	Start        int64  `json:"start"` // Example: 2048
	Size         int64  `json:"size"`  // Example: 16384
	PartTypeUuid string `json:"type"`  // Example: C12A7328-F81F-11D2-BA4B-00A0C93EC93B
	PartUuid     string `json:"uuid"`  // Example: 2789D1BC-3909-4B06-AD2D-DA531DABF7C8
	PartLabel    string `json:"name"`  // Example: rootfs

	// Populated from "blkid --probe":
	FileSystemType string // Example: vfat
	FileSystemUuid string // Example: 4BD9-3A78
}

type PartitionTable struct {
	Label      string                    `json:"label"`      // Example: gpt
	Id         string                    `json:"id"`         // Example: 1DFD88CF-6214-4574-97A2-C605D411CFBE
	Device     string                    `json:"device"`     // Example: /dev/loop1
	Unit       string                    `json:"unit"`       // Example: sectors
	FirstLba   int64                     `json:"firstlba"`   // Example: 2048
	LastLba    int64                     `json:"lastlba"`    // Example: 8388574
	SectorSize int                       `json:"sectorsize"` // Example: 512
	Partitions []PartitionTablePartition `json:"partitions"`
}

type partitionTableOutput struct {
	PartitionTable *PartitionTable `json:"partitiontable"`
}

const (
	EfiSystemPartitionTypeUuid    = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"
	BiosBootPartitionTypeUuid     = "21686148-6449-6e6f-744e-656564454649"
	GenericLinuxPartitionTypeUuid = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"

	MbrLinuxPartitionType = "83"
)

// Unit to byte conversion values
const (
	B  = 1
	KB = 1000
	MB = 1000 * 1000
	GB = 1000 * 1000 * 1000
	TB = 1000 * 1000 * 1000 * 1000

	KiB = 1024
	MiB = 1024 * 1024
	GiB = 1024 * 1024 * 1024
	TiB = 1024 * 1024 * 1024 * 1024
)

var (
	diskDevPathRegexp = regexp.MustCompile(`^/dev/(\w+)$`)
)

// CreateSparseDisk creates an empty sparse disk file of the given size in bytes.
func CreateSparseDisk(diskPath string, size uint64, perm os.FileMode) (err error) {
	file, err := os.OpenFile(diskPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create empty disk file:\n%w", err)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("failed to close empty disk file:\n%w", closeErr)
		}
	}()

	err = file.Truncate(int64(size))
	if err != nil {
		return fmt.Errorf("failed to set empty disk file's size:\n%w", err)
	}
	return nil
}

// SetupLoopbackDevice creates a /dev/loop device for the given disk file
func SetupLoopbackDevice(diskFilePath string) (devicePath string, err error) {
	logger.Log.Debugf("Attaching Loopback: %v", diskFilePath)
	stdout, stderr, err := shell.Execute("losetup", "--show", "-f", "-P", diskFilePath)
	if err != nil {
		err = fmt.Errorf("failed to create loopback device using losetup:\n%v\n%w", stderr, err)
		return
	}
	devicePath = strings.TrimSpace(stdout)
	logger.Log.Debugf("Created loopback device at device path: %v", devicePath)
	return
}

// BlockOnDiskIO flushes and waits until all outstanding operations against a disk complete.
func BlockOnDiskIO(diskDevPath string) error {
	const (
		// Indices for values in /proc/diskstats
		nameIdx           = 2
		outstandingOpsIdx = 11
	)

	logger.Log.Debugf("Flushing all IO to disk (%s)", diskDevPath)
	_, _, err := shell.Execute("sync")
	if err != nil {
		return err
	}

	diskName := filepath.Base(diskDevPath)
	_, err = retry.RunWithExpBackoff(context.Background(), func() error {
		lines, err := file.ReadLines("/proc/diskstats")
		if err != nil {
			return err
		}

		for _, line := range lines {
			fields := strings.Fields(line)
			if len(fields) <= outstandingOpsIdx || fields[nameIdx] != diskName {
				continue
			}

			if fields[outstandingOpsIdx] != "0" {
				return fmt.Errorf("disk (%s) has %s outstanding operations", diskName, fields[outstandingOpsIdx])
			}
			return nil
		}

		// The device is gone, so there is nothing to wait for.
		return nil
	}, 12, 125*time.Millisecond, 1.5)
	return err
}

// DetachLoopbackDevice detaches the specified disk
func DetachLoopbackDevice(diskDevPath string) (err error) {
	logger.Log.Debugf("Detaching Loopback Device Path: %v", diskDevPath)
	_, stderr, err := shell.Execute("losetup", "-d", diskDevPath)
	if err != nil {
		logger.Log.Warnf("Failed to detach loopback device using losetup: %v", stderr)
	}
	return
}

func WaitForLoopbackToDetach(devicePath string, diskPath string) error {
	if !filepath.IsAbs(diskPath) {
		return fmt.Errorf("internal error: loopback disk path must be absolute (%s)", diskPath)
	}

	delay := 120 * time.Millisecond
	attempts := 10
	for failures := 0; failures < attempts; failures++ {
		stdout, _, err := shell.Execute("losetup", "--list", "--json", "--output", "NAME,BACK-FILE")
		if err != nil {
			return fmt.Errorf("failed to read loopback list:\n%w", err)
		}

		var output loopbackListOutput
		if stdout != "" {
			err = json.Unmarshal([]byte(stdout), &output)
			if err != nil {
				return fmt.Errorf("failed to parse loopback devices list JSON:\n%w", err)
			}
		}

		found := false
		for _, device := range output.Devices {
			if device.Name == devicePath && device.BackingFile == diskPath {
				found = true
				break
			}
		}

		if !found {
			return nil
		}

		time.Sleep(delay)
		delay *= 2
	}

	return fmt.Errorf("timed out waiting for loopback device (%s) for disk (%s) to close", devicePath, diskPath)
}

func WaitForDiskDevice(diskDevPath string) error {
	err := waitForDevicesToSettle()
	if err != nil {
		return err
	}

	// 'udevadm settle' is sometimes not enough.
	// So, double check that the partitions have been populated.
	// Ideally, we would use 'udevadm wait' instead of 'udevadm settle'. But it is too new and so isn't universally
	// available yet.
	err = waitForDiskToPopulate(diskDevPath)
	if err != nil {
		return err
	}

	return nil
}

func waitForDiskToPopulate(diskDevPath string) error {
	partitionTable, err := ReadDiskPartitionTable(diskDevPath)
	if err != nil {
		return err
	}

	if partitionTable == nil {
		// Disk is empty.
		return nil
	}

	_, err = retry.RunWithExpBackoff(context.Background(), func() error {
		kernelPartitions, err := GetDiskPartitions(diskDevPath)
		if err != nil {
			return err
		}

		errs := []error(nil)
		for _, partition := range partitionTable.Partitions {
			info, found := sliceutils.FindValueFunc(kernelPartitions, func(info PartitionInfo) bool {
				return info.Path == partition.Path
			})
			if !found {
				err := fmt.Errorf("failed to find partition device node (%s)", partition.Path)
				errs = append(errs, err)
				continue
			}

			// MBR tables have no partition UUIDs or names and report type bytes in a different format.
			if partitionTable.Label == string(PartitionTableTypeGpt) {
				if !strings.EqualFold(partition.PartTypeUuid, info.PartitionTypeUuid) {
					err := fmt.Errorf("partition's (%s) type UUID is wrong: expected (%s), actual (%s)",
						partition.Path, partition.PartTypeUuid, info.PartitionTypeUuid)
					errs = append(errs, err)
				}

				if !strings.EqualFold(partition.PartUuid, info.PartUuid) {
					err := fmt.Errorf("partition's (%s) UUID is wrong: expected (%s), actual (%s)",
						partition.Path, partition.PartUuid, info.PartUuid)
					errs = append(errs, err)
				}

				if partition.PartLabel != info.PartLabel {
					err := fmt.Errorf("partition's (%s) label is wrong: expected (%s), actual (%s)",
						partition.Path, partition.PartLabel, info.PartLabel)
					errs = append(errs, err)
				}
			}

			if partition.FileSystemType != info.FileSystemType {
				err := fmt.Errorf("partition's (%s) filesystem type is wrong: expected (%s), actual (%s)",
					partition.Path, partition.FileSystemType, info.FileSystemType)
				errs = append(errs, err)
			}

			if !strings.EqualFold(partition.FileSystemUuid, info.Uuid) {
				err := fmt.Errorf("partition's (%s) filesystem UUID is wrong: expected (%s), actual (%s)",
					partition.Path, partition.FileSystemUuid, info.Uuid)
				errs = append(errs, err)
			}
		}

		if len(errs) > 0 {
			return errors.Join(errs...)
		}

		return nil
	}, 10, 120*time.Millisecond, 2.0)
	if err != nil {
		return fmt.Errorf("timed out waiting for disk (%s) info to be populated:\n%w", diskDevPath, err)
	}

	return nil
}

// waitForDevicesToSettle waits for all udev events to be processed on the system.
// This can be used to wait for partitions to be discovered after mounting a disk.
func waitForDevicesToSettle() error {
	logger.Log.Debugf("Waiting for devices to settle")
	_, _, err := shell.Execute("udevadm", "settle")
	if err != nil {
		return fmt.Errorf("failed to wait for devices to settle:\n%w", err)
	}
	return nil
}

// CreatePartitions writes a new partition table and the given partitions to the disk.
// Returns the device paths of the new partitions, in order.
func CreatePartitions(diskDevPath string, tableType PartitionTableType, partitions []PartitionSpec,
) ([]string, error) {
	err := createPartitionTable(diskDevPath, tableType)
	if err != nil {
		return nil, err
	}

	logicalSectorSize, physicalSectorSize, err := GetSectorSize(diskDevPath)
	if err != nil {
		return nil, err
	}

	script, err := buildPartitionsScript(tableType, partitions, logicalSectorSize, physicalSectorSize)
	if err != nil {
		return nil, err
	}

	logger.Log.Debugf("sfdisk script:\n%s", script)

	err = shell.NewExecBuilder("flock", "--timeout", "5", diskDevPath, "sfdisk", "--lock=no", "--append",
		diskDevPath).
		Stdin(script).
		LogLevel(logrus.DebugLevel, logrus.WarnLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to create partitions using sfdisk:\n%w", err)
	}

	err = RefreshPartitions(diskDevPath)
	if err != nil {
		return nil, err
	}

	partDevPaths := []string(nil)
	for i := range partitions {
		partDevPath, err := waitForPartitionCreation(diskDevPath, i+1)
		if err != nil {
			return nil, err
		}
		partDevPaths = append(partDevPaths, partDevPath)
	}

	return partDevPaths, nil
}

func createPartitionTable(diskDevPath string, tableType PartitionTableType) error {
	if !slices.Contains([]PartitionTableType{PartitionTableTypeMbr, PartitionTableTypeGpt}, tableType) {
		return fmt.Errorf("unsupported partition table type (%s)", tableType)
	}

	// Create new partition table.
	// This will also wipe the existing partition.
	sfdiskScript := fmt.Sprintf("label: %s", tableType)

	err := shell.NewExecBuilder("flock", "--timeout", "5", diskDevPath, "sfdisk", "--lock=no", diskDevPath).
		Stdin(sfdiskScript).
		LogLevel(logrus.DebugLevel, logrus.WarnLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to create partition table (%s) using sfdisk:\n%w", diskDevPath, err)
	}

	return nil
}

func buildPartitionsScript(tableType PartitionTableType, partitions []PartitionSpec,
	logicalSectorSize, physicalSectorSize uint64,
) (string, error) {
	if len(partitions) == 0 {
		return "", fmt.Errorf("no partitions specified")
	}

	if tableType == PartitionTableTypeMbr && len(partitions) > 4 {
		return "", fmt.Errorf("MBR disks support at most 4 primary partitions")
	}

	lines := []string{"unit: sectors"}
	prevEndMiB := uint64(0)
	for i, partition := range partitions {
		if partition.StartMiB < prevEndMiB {
			return "", fmt.Errorf("partition (%d) overlaps the previous partition", i+1)
		}
		if partition.SizeMiB == 0 && i != len(partitions)-1 {
			return "", fmt.Errorf("only the last partition can fill the rest of the disk")
		}

		start := alignSectorAddress(partition.StartMiB*MiB/logicalSectorSize, logicalSectorSize, physicalSectorSize)
		line := fmt.Sprintf("start=%d", start)

		if partition.SizeMiB > 0 {
			size := partition.SizeMiB * MiB / logicalSectorSize
			line += fmt.Sprintf(", size=%d", size)
			prevEndMiB = partition.StartMiB + partition.SizeMiB
		}

		switch tableType {
		case PartitionTableTypeGpt:
			line += fmt.Sprintf(", type=%s", partition.TypeId)
			if partition.Name != "" {
				line += fmt.Sprintf(", name=%s", escapeSfdiskString(partition.Name))
			}

		case PartitionTableTypeMbr:
			line += fmt.Sprintf(", type=%s", partition.TypeId)
			if partition.Bootable {
				line += ", bootable"
			}
		}

		lines = append(lines, line)
	}

	return strings.Join(lines, "\n"), nil
}

// Adds escaping of string values for sfdisk scripts.
//
// Note: Support string escaping was only added in util-linux v2.32.1 (commits: 75ef5a1, 810b313)
//
// util-linux versions:
// - Ubuntu 20.04: v2.34.0
// - Debian 11 (Proxmox VE 7): v2.36.1
//
// So, it should be fine to assume that it is supported.
func escapeSfdiskString(value string) string {
	builder := strings.Builder{}
	builder.WriteString("\"")

	for _, c := range value {
		switch c {
		case '"':
			builder.WriteString("\\x22")

		case '\\':
			builder.WriteString("\\x5c")

		default:
			builder.WriteRune(c)
		}
	}

	builder.WriteString("\"")
	return builder.String()
}

// waitForPartitionCreation waits for the partition device node to appear.
func waitForPartitionCreation(diskDevPath string, partitionNumber int) (partDevPath string, err error) {
	const (
		retryDuration    = time.Second
		timeoutInSeconds = "5"
		totalAttempts    = 5
	)

	partitionNumberStr := strconv.Itoa(partitionNumber)

	// There are two primary partition naming conventions:
	// - /dev/sdN<y>
	// - /dev/loopNp<x>
	// Detect the exact one we are using.
	testPartDevPaths := []string{
		fmt.Sprintf("%sp%s", diskDevPath, partitionNumberStr),
	}

	// If disk path ends in a digit, then the 'p<x>' style must be used.
	// So, don't check the other style to avoid ambiguities. For example, /dev/loop1 vs. /dev/loop11.
	// This is particularly relevant on Ubuntu, due to snap's use of loopback devices.
	if !isDigit(diskDevPath[len(diskDevPath)-1]) {
		devPath := fmt.Sprintf("%s%s", diskDevPath, partitionNumberStr)
		testPartDevPaths = append(testPartDevPaths, devPath)
	}

	err = retry.Run(func() error {
		for _, testPartDevPath := range testPartDevPaths {
			exists, err := file.PathExists(testPartDevPath)
			if err != nil {
				err = fmt.Errorf("failed to find device path (%s):\n%w", testPartDevPath, err)
				return err
			}
			if exists {
				partDevPath = testPartDevPath
				return nil
			}
			logger.Log.Debugf("Could not find partition path (%s). Checking other naming convention", testPartDevPath)
		}
		logger.Log.Warnf("Could not find any valid partition paths. Will retry up to %d times", totalAttempts)
		err = fmt.Errorf("could not find partition (%d) in /dev", partitionNumber)
		return err
	}, totalAttempts, retryDuration)
	if err != nil {
		return
	}

	return
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// GetDiskPartitions gets the kernel's view of a disk's partitions.
func GetDiskPartitions(diskDevPath string) ([]PartitionInfo, error) {
	// Read the disk's partitions.
	jsonString, _, err := shell.Execute("lsblk", diskDevPath, "--output",
		"NAME,PATH,PARTTYPE,FSTYPE,UUID,MOUNTPOINT,PARTUUID,PARTLABEL,TYPE,SIZE", "--bytes", "--json", "--list")
	if err != nil {
		return nil, fmt.Errorf("failed to list disk (%s) partitions:\n%w", diskDevPath, err)
	}

	var output partitionInfoOutput
	if jsonString != "" {
		err = json.Unmarshal([]byte(jsonString), &output)
		if err != nil {
			return nil, fmt.Errorf("failed to parse disk (%s) partitions JSON:\n%w", diskDevPath, err)
		}
	}

	return output.Devices, err
}

// ReadPartitionTable reads the partition table directly from the disk.
func ReadDiskPartitionTable(diskDevPath string) (*PartitionTable, error) {
	// Read the partition table directly from disk.
	stdout, stderr, err := shell.Execute("flock", "--timeout", "5", "--shared", diskDevPath,
		"sfdisk", "--lock=no", "--dump", "--json", diskDevPath)
	if err != nil {
		if strings.Contains(stderr, "does not contain a recognized partition table") {
			// Empty partition table.
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read partition table (%s):\n%s\n%w", diskDevPath, stderr, err)
	}

	var output partitionTableOutput
	if stdout == "" {
		return output.PartitionTable, nil
	}

	err = json.Unmarshal([]byte(stdout), &output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse disk (%s) partition table JSON:\n%w", diskDevPath, err)
	}

	if output.PartitionTable == nil {
		// Disk is empty.
		return nil, nil
	}

	partitionTable := output.PartitionTable

	if partitionTable.Unit != "sectors" {
		return nil, fmt.Errorf("sfdisk returned unexpected unit size '%s': expecting 'sectors'", partitionTable.Unit)
	}

	for i := range partitionTable.Partitions {
		partition := &partitionTable.Partitions[i]

		// Read the filesystem type directly from disk.
		stdout, _, err := shell.Execute("flock", "--timeout", "5", "--shared", diskDevPath,
			"blkid", "--probe", "-s", "TYPE", "-o", "value", partition.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to get filesystem type of partition (%s)\n%w", partition.Path, err)
		}

		partition.FileSystemType = strings.TrimSpace(stdout)

		// Read the filesystem UUID directly from disk.
		stdout, _, err = shell.Execute("flock", "--timeout", "5", "--shared", diskDevPath,
			"blkid", "--probe", "-s", "UUID", "-o", "value", partition.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to get filesystem UUID of partition (%s)\n%w", partition.Path, err)
		}

		partition.FileSystemUuid = strings.TrimSpace(stdout)
	}

	return output.PartitionTable, nil
}

// GetFileSystemUuid reads a filesystem's UUID directly from the device.
func GetFileSystemUuid(devPath string) (string, error) {
	stdout, _, err := shell.Execute("blkid", "--probe", "-s", "UUID", "-o", "value", devPath)
	if err != nil {
		return "", fmt.Errorf("failed to read filesystem UUID (%s):\n%w", devPath, err)
	}
	return strings.TrimSpace(stdout), nil
}

func getSectorSizeFromFile(sectorFile string) (sectorSize uint64, err error) {
	if exists, ferr := file.PathExists(sectorFile); ferr != nil {
		err = fmt.Errorf("failed to access sector size file (%s):\n%w", sectorFile, ferr)
		return
	} else if !exists {
		err = fmt.Errorf("could not find the hw sector size file %s to obtain the sector size of the system", sectorFile)
		return
	}

	fileContent, err := file.ReadLines(sectorFile)
	if err != nil {
		err = fmt.Errorf("failed to read from (%s):\n%w", sectorFile, err)
		return
	}

	// sector file should only have one line, return error if not
	if len(fileContent) != 1 {
		err = fmt.Errorf("%s has more than one line", sectorFile)
		return
	}

	sectorSize, err = strconv.ParseUint(fileContent[0], 10, 64)
	return
}

func GetSectorSize(diskDevPath string) (logicalSectorSize, physicalSectorSize uint64, err error) {
	const (
		diskNameStartIndex = 5
	)

	// Grab the specific disk name from /dev/xxx
	matchResult := diskDevPathRegexp.MatchString(diskDevPath)
	if !matchResult {
		err = fmt.Errorf("input disk device path (%s) is of invalud format", diskDevPath)
		return
	}
	diskName := diskDevPath[diskNameStartIndex:len(diskDevPath)]

	hw_sector_size_file := fmt.Sprintf("/sys/block/%s/queue/hw_sector_size", diskName)
	physical_sector_size_file := fmt.Sprintf("/sys/block/%s/queue/physical_block_size", diskName)

	logicalSectorSize, err = getSectorSizeFromFile(hw_sector_size_file)
	if err != nil {
		return
	}

	physicalSectorSize, err = getSectorSizeFromFile(physical_sector_size_file)
	return
}

func alignSectorAddress(sectorAddr, logicalSectorSize, physicalSectorSize uint64) (alignedSector uint64) {
	// Need to make sure that starting sector of a partition is aligned based on the physical sector size of the system.
	// For example, suppose the physical sector size is 4096. If the input start sector is 40960001, then this is misaligned,
	// and need to be elevated to the next aligned address, which is (40960001/4096 + 1)*4096 = 4100096.

	// We do need to take care of a special case, which is the first partition (normally boot partition) might be less than
	// the physical sector size. In this case, we need to check whether the start sector is a multiple of 1 MiB.
	alignedSector = 0
	if sectorAddr < physicalSectorSize {
		if sectorAddr%(MiB/logicalSectorSize) == 0 {
			alignedSector = sectorAddr
		}
	} else if (sectorAddr % physicalSectorSize) == 0 {
		alignedSector = sectorAddr
	} else {
		alignedSector = (sectorAddr/physicalSectorSize + 1) * physicalSectorSize
	}

	return
}

func RefreshPartitions(diskDevPath string) error {
	err := requestKernelRereadPartitionTable(diskDevPath)
	if err != nil {
		return fmt.Errorf("failed to request partition table reread (%s):\n%w", diskDevPath, err)
	}

	err = WaitForDiskDevice(diskDevPath)
	if err != nil {
		return err
	}

	return nil
}

// Requests that the kernel reread the partition table for the given disk device.
func requestKernelRereadPartitionTable(diskDevPath string) error {
	diskFile, err := os.OpenFile(diskDevPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer diskFile.Close()

	waitTime := 125 * time.Millisecond
	retries := 10
	for i := 0; ; i = 1 {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, diskFile.Fd(), unix.BLKRRPART, 0)
		switch {
		case errno == unix.EBUSY && i < retries:
			// Something else is using the disk at the moment.
			// So, retry in a little bit.
			time.Sleep(waitTime)
			waitTime *= 2
			continue

		case errno != 0:
			return errno

		default:
			return nil
		}
	}
}
