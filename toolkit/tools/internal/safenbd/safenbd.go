// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safenbd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/diskutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/shell"
)

const (
	sysBlockDir  = "/sys/block"
	nbdMaxParts  = 16
	nbdDevPrefix = "nbd"
)

// Nbd is a network block device exporting a disk image file (e.g. qcow2) through qemu-nbd.
// It is disconnected by Close or CleanClose.
type Nbd struct {
	devicePath   string
	diskFilePath string
	isConnected  bool
}

func NewNbd(diskFilePath string, format string) (*Nbd, error) {
	absPath, err := filepath.Abs(diskFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path of disk file (%s):\n%w", diskFilePath, err)
	}

	n := &Nbd{
		diskFilePath: absPath,
	}

	err = n.newNbdHelper(format)
	if err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

func (n *Nbd) newNbdHelper(format string) error {
	_, stderr, err := shell.Execute("modprobe", "nbd", "max_part="+strconv.Itoa(nbdMaxParts))
	if err != nil {
		return fmt.Errorf("failed to load nbd module:\n%v\n%w", stderr, err)
	}

	devicePath, err := FindFreeDevice(sysBlockDir)
	if err != nil {
		return err
	}

	_, stderr, err = shell.Execute("qemu-nbd", "--connect="+devicePath, "--format="+format, n.diskFilePath)
	if err != nil {
		return fmt.Errorf("failed to connect (%s) to (%s):\n%v\n%w", n.diskFilePath, devicePath, stderr, err)
	}

	n.devicePath = devicePath
	n.isConnected = true

	return diskutils.WaitForDiskDevice(n.devicePath)
}

func (n *Nbd) DevicePath() string {
	return n.devicePath
}

// Close disconnects the device without reporting errors. Used on error paths.
func (n *Nbd) Close() {
	err := n.close(false)
	if err != nil {
		logger.Log.Warnf("failed to disconnect nbd device (%s): %s", n.devicePath, err)
	}
}

// CleanClose flushes outstanding IO and disconnects the device.
func (n *Nbd) CleanClose() error {
	return n.close(true)
}

func (n *Nbd) close(clean bool) error {
	if !n.isConnected {
		return nil
	}

	if clean {
		err := diskutils.BlockOnDiskIO(n.devicePath)
		if err != nil {
			return err
		}
	}

	_, stderr, err := shell.Execute("qemu-nbd", "--disconnect", n.devicePath)
	if err != nil {
		return fmt.Errorf("failed to disconnect nbd device (%s):\n%v\n%w", n.devicePath, stderr, err)
	}

	n.isConnected = false
	return nil
}

// FindFreeDevice returns the first nbd device that has no server attached.
// A connected device has a "pid" file in its sysfs directory.
func FindFreeDevice(sysBlock string) (string, error) {
	entries, err := os.ReadDir(sysBlock)
	if err != nil {
		return "", fmt.Errorf("failed to list block devices (%s):\n%w", sysBlock, err)
	}

	indexes := []int(nil)
	for _, entry := range entries {
		suffix, found := strings.CutPrefix(entry.Name(), nbdDevPrefix)
		if !found {
			continue
		}

		index, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	for _, index := range indexes {
		name := nbdDevPrefix + strconv.Itoa(index)
		connected, err := file.PathExists(filepath.Join(sysBlock, name, "pid"))
		if err != nil {
			return "", err
		}

		if !connected {
			return "/dev/" + name, nil
		}
	}

	return "", fmt.Errorf("no free nbd device found")
}
