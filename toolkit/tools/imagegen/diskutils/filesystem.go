// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/retry"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/shell"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/version"
	"github.com/sirupsen/logrus"
)

// The mkfs defaults depend on the host's /etc/mke2fs.conf, which is often newer than the guest being converted.
// So, the ext4 features are given explicitly and limited to features that old guest kernels, bootloaders and
// e2fsprogs understand. In particular, metadata_csum and orphan_file are left out.

type ext4Options struct {
	BlockSize int
	Features  []string
}

var (
	guestExt4Options = ext4Options{
		BlockSize: 4096,
		Features: []string{"sparse_super", "large_file", "filetype", "resize_inode", "dir_index", "ext_attr",
			"has_journal", "extent", "huge_file", "flex_bg", "64bit", "dir_nlink", "extra_isize",
		},
	}

	// "-O none" and the 64bit feature need a reasonably recent mke2fs.
	minMke2fsVersion = version.Version{1, 43, 0}

	// For example: mke2fs 1.47.0 (5-Feb-2023)
	mke2fsVersionRegex = regexp.MustCompile(`(?m)^mke2fs (\d+\.\d+\.\d+) \(\d+-[a-zA-Z]+-\d+\)$`)

	// For example: "The filesystem on /dev/loop0p1 is now 1048576 (4k) blocks long."
	resize2fsResultRegex = regexp.MustCompile(`is now (\d+) \((\d+)k\) blocks long`)

	// For example: "Estimated minimum size of the filesystem: 215040"
	resize2fsMinimumRegex = regexp.MustCompile(`Estimated minimum size of the filesystem: (\d+)`)

	// For example: "Block size:               4096"
	dumpe2fsBlockSizeRegex = regexp.MustCompile(`(?m)^Block size:\s+(\d+)$`)
)

// FormatOptions are the per-filesystem options for FormatPartition.
type FormatOptions struct {
	Label string
	// Uuid is the filesystem UUID. For vfat, the first 8 hex digits become the volume ID.
	Uuid string
}

// FormatPartition creates a filesystem on a partition.
func FormatPartition(diskDevPath string, partDevPath string, fsType string, options FormatOptions) error {
	const (
		totalAttempts = 5
		retryDuration = time.Second
	)

	mkfsArgs := []string{"--timeout", "5", diskDevPath}

	switch fsType {
	case "ext4":
		ext4Args, err := getExt4FileSystemOptions()
		if err != nil {
			return err
		}

		mkfsArgs = append(mkfsArgs, "mkfs.ext4", "-F")
		mkfsArgs = append(mkfsArgs, ext4Args...)
		if options.Label != "" {
			mkfsArgs = append(mkfsArgs, "-L", options.Label)
		}
		if options.Uuid != "" {
			mkfsArgs = append(mkfsArgs, "-U", options.Uuid)
		}

	case "vfat":
		mkfsArgs = append(mkfsArgs, "mkfs.vfat", "-F", "32")
		if options.Label != "" {
			mkfsArgs = append(mkfsArgs, "-n", strings.ToUpper(options.Label))
		}
		if options.Uuid != "" {
			volumeId, err := vfatVolumeId(options.Uuid)
			if err != nil {
				return err
			}
			mkfsArgs = append(mkfsArgs, "-i", volumeId)
		}

	default:
		return fmt.Errorf("unsupported filesystem type (%s)", fsType)
	}

	mkfsArgs = append(mkfsArgs, partDevPath)

	// Formatting a freshly created partition can fail if the kernel hasn't finished creating the device node.
	err := retry.Run(func() error {
		_, stderr, err := shell.Execute("flock", mkfsArgs...)
		if err != nil {
			logger.Log.Warnf("Failed to format partition using mkfs: %v", stderr)
			return err
		}
		return nil
	}, totalAttempts, retryDuration)
	if err != nil {
		return fmt.Errorf("could not format partition (%s) with type %s after %d attempts:\n%w", partDevPath, fsType,
			totalAttempts, err)
	}

	return nil
}

func vfatVolumeId(uuid string) (string, error) {
	hex := strings.ReplaceAll(uuid, "-", "")
	if len(hex) < 8 {
		return "", fmt.Errorf("uuid (%s) is too short for a vfat volume ID", uuid)
	}

	_, err := strconv.ParseUint(hex[:8], 16, 32)
	if err != nil {
		return "", fmt.Errorf("uuid (%s) is not hexadecimal:\n%w", uuid, err)
	}

	return strings.ToUpper(hex[:8]), nil
}

func getExt4FileSystemOptions() ([]string, error) {
	mke2fsVersion, err := getMke2fsVersion()
	if err != nil {
		return nil, err
	}

	if minMke2fsVersion.Gt(mke2fsVersion) {
		return nil, fmt.Errorf("mke2fs version (%s) is too old (min: %s)", mke2fsVersion, minMke2fsVersion)
	}

	return ext4FeatureArgs(guestExt4Options), nil
}

func ext4FeatureArgs(options ext4Options) []string {
	// "none" requests no default options.
	features := append([]string{"none"}, options.Features...)
	featuresArg := strings.Join(features, ",")
	return []string{"-b", strconv.Itoa(options.BlockSize), "-O", featuresArg}
}

// Get the version of mkfs.ext4
func getMke2fsVersion() (version.Version, error) {
	_, stderr, err := shell.Execute("mke2fs", "-V")
	if err != nil {
		return nil, fmt.Errorf("failed to get mke2fs's version:\n%w", err)
	}

	return parseMke2fsVersion(stderr)
}

func parseMke2fsVersion(output string) (version.Version, error) {
	fullVersionString := strings.TrimSpace(output)

	match := mke2fsVersionRegex.FindStringSubmatch(fullVersionString)
	if match == nil {
		return nil, fmt.Errorf("failed to parse mke2fs's version (%s)", fullVersionString)
	}

	return version.Parse(match[1])
}

// CheckExt4 forces a full check of an ext4 filesystem, repairing what it can.
func CheckExt4(ctx context.Context, devPath string) error {
	// e2fsck returns 1 when errors were corrected, which is still a success.
	_, stderr, err := shell.NewExecBuilder("e2fsck", "-fy", devPath).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ExecuteCaptureOuput()
	if err != nil {
		if shell.ExitCode(err) == 1 {
			logger.Log.Infof("Filesystem errors were corrected on (%s)", devPath)
			return nil
		}
		return fmt.Errorf("filesystem check failed (%s):\n%s\n%w", devPath, stderr, err)
	}
	return nil
}

// Ext4BlockSize reads the filesystem's block size from its superblock.
func Ext4BlockSize(ctx context.Context, devPath string) (uint64, error) {
	stdout, _, err := shell.NewExecBuilder("dumpe2fs", "-h", devPath).
		Context(ctx).
		LogLevel(logrus.TraceLevel, logrus.DebugLevel).
		ExecuteCaptureOuput()
	if err != nil {
		return 0, fmt.Errorf("failed to read superblock (%s):\n%w", devPath, err)
	}

	match := dumpe2fsBlockSizeRegex.FindStringSubmatch(stdout)
	if match == nil {
		return 0, fmt.Errorf("failed to find block size in dumpe2fs output (%s)", devPath)
	}

	blockSize, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block size (%s):\n%w", match[1], err)
	}
	return blockSize, nil
}

// Ext4MinimumSize returns the smallest size, in bytes, that resize2fs can shrink the filesystem to.
func Ext4MinimumSize(ctx context.Context, devPath string) (uint64, error) {
	blockSize, err := Ext4BlockSize(ctx, devPath)
	if err != nil {
		return 0, err
	}

	stdout, _, err := shell.NewExecBuilder("resize2fs", "-P", devPath).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ExecuteCaptureOuput()
	if err != nil {
		return 0, fmt.Errorf("failed to estimate minimum filesystem size (%s):\n%w", devPath, err)
	}

	blocks, err := ParseResize2fsMinimum(stdout)
	if err != nil {
		return 0, err
	}
	return blocks * blockSize, nil
}

// ParseResize2fsMinimum parses the block count printed by "resize2fs -P".
func ParseResize2fsMinimum(output string) (uint64, error) {
	match := resize2fsMinimumRegex.FindStringSubmatch(output)
	if match == nil {
		return 0, fmt.Errorf("failed to parse resize2fs minimum size output (%s)", strings.TrimSpace(output))
	}

	return strconv.ParseUint(match[1], 10, 64)
}

// ResizeExt4 resizes an ext4 filesystem to the given size in bytes and returns the new size in bytes.
func ResizeExt4(ctx context.Context, devPath string, sizeBytes uint64) (uint64, error) {
	sizeArg := fmt.Sprintf("%dK", sizeBytes/KiB)

	stdout, stderr, err := shell.NewExecBuilder("resize2fs", devPath, sizeArg).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ExecuteCaptureOuput()
	if err != nil {
		return 0, fmt.Errorf("failed to resize filesystem (%s) to (%s):\n%s\n%w", devPath, sizeArg, stderr, err)
	}

	if strings.Contains(stdout, "Nothing to do!") {
		return sizeBytes, nil
	}

	return ParseResize2fsResult(stdout)
}

// ParseResize2fsResult parses the new filesystem size, in bytes, from resize2fs's output.
func ParseResize2fsResult(output string) (uint64, error) {
	match := resize2fsResultRegex.FindStringSubmatch(output)
	if match == nil {
		return 0, fmt.Errorf("failed to parse resize2fs output (%s)", strings.TrimSpace(output))
	}

	blocks, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, err
	}

	blockSizeKiB, err := strconv.ParseUint(match[2], 10, 64)
	if err != nil {
		return 0, err
	}

	return blocks * blockSizeKiB * KiB, nil
}

// GrowExt4 grows an ext4 filesystem to fill its device.
func GrowExt4(ctx context.Context, devPath string) error {
	err := shell.NewExecBuilder("resize2fs", devPath).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to grow filesystem (%s):\n%w", devPath, err)
	}
	return nil
}
