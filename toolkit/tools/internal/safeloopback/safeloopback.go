// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safeloopback

import (
	"fmt"
	"path/filepath"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/diskutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
)

// Loopback is a loop device attached to a disk image file that is detached by Close or CleanClose.
type Loopback struct {
	devicePath   string
	diskFilePath string
	isAttached   bool
}

func NewLoopback(diskFilePath string) (*Loopback, error) {
	absPath, err := filepath.Abs(diskFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path of disk file (%s):\n%w", diskFilePath, err)
	}

	l := &Loopback{
		diskFilePath: absPath,
	}

	err = l.newLoopbackHelper()
	if err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

func (l *Loopback) newLoopbackHelper() error {
	devicePath, err := diskutils.SetupLoopbackDevice(l.diskFilePath)
	if err != nil {
		return err
	}

	l.devicePath = devicePath
	l.isAttached = true

	err = diskutils.WaitForDiskDevice(l.devicePath)
	if err != nil {
		return err
	}

	return nil
}

func (l *Loopback) DevicePath() string {
	return l.devicePath
}

// Close detaches the loop device without reporting errors. Used on error paths.
func (l *Loopback) Close() {
	err := l.close(false)
	if err != nil {
		logger.Log.Warnf("failed to close loopback device (%s): %s", l.devicePath, err)
	}
}

// CleanClose flushes outstanding IO, detaches the loop device and waits for the kernel to release it.
func (l *Loopback) CleanClose() error {
	return l.close(true)
}

func (l *Loopback) close(clean bool) error {
	if !l.isAttached {
		return nil
	}

	if clean {
		err := diskutils.BlockOnDiskIO(l.devicePath)
		if err != nil {
			return err
		}
	}

	err := diskutils.DetachLoopbackDevice(l.devicePath)
	if err != nil {
		return err
	}

	l.isAttached = false

	if clean {
		err = diskutils.WaitForLoopbackToDetach(l.devicePath, l.diskFilePath)
		if err != nil {
			return err
		}
	}

	return nil
}
