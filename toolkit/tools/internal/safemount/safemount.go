// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safemount

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/retry"
	"golang.org/x/sys/unix"
)

const (
	unmountAttempts = 5
	unmountDelay    = 250 * time.Millisecond
)

// Mount is a mount that is guaranteed to be unmounted by Close or CleanClose.
type Mount struct {
	source     string
	target     string
	isMounted  bool
	dirCreated bool
}

// NewMount mounts source on target.
// If makeAndDeleteDir is set, the target directory is created and then removed again on close.
func NewMount(source, target, fstype string, flags uintptr, data string, makeAndDeleteDir bool) (*Mount, error) {
	m := &Mount{
		source: source,
		target: target,
	}

	err := m.newMountHelper(fstype, flags, data, makeAndDeleteDir)
	if err != nil {
		m.Close()
		return nil, err
	}

	return m, nil
}

func (m *Mount) newMountHelper(fstype string, flags uintptr, data string, makeAndDeleteDir bool) error {
	if makeAndDeleteDir {
		_, err := os.Stat(m.target)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			err = os.MkdirAll(m.target, 0o755)
			if err != nil {
				return fmt.Errorf("failed to create mount directory (%s):\n%w", m.target, err)
			}
			m.dirCreated = true
		default:
			return fmt.Errorf("failed to stat mount directory (%s):\n%w", m.target, err)
		}
	}

	logger.Log.Debugf("Mounting (%s) at (%s)", m.source, m.target)
	err := unix.Mount(m.source, m.target, fstype, flags, data)
	if err != nil {
		return fmt.Errorf("failed to mount (%s) to (%s):\n%w", m.source, m.target, err)
	}

	m.isMounted = true
	return nil
}

// Close unmounts without reporting errors. Used on error paths.
func (m *Mount) Close() {
	err := m.close(true)
	if err != nil {
		logger.Log.Warnf("failed to close mount (%s): %s", m.target, err)
	}
}

// CleanClose unmounts and returns any error.
func (m *Mount) CleanClose() error {
	return m.close(false)
}

func (m *Mount) close(lazyFallback bool) error {
	if m.isMounted {
		logger.Log.Debugf("Unmounting (%s)", m.target)
		err := retry.Run(func() error {
			err := unix.Unmount(m.target, 0)
			if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
				// Not mounted anymore.
				return nil
			}
			return err
		}, unmountAttempts, unmountDelay)
		if err != nil {
			if !lazyFallback {
				return fmt.Errorf("failed to unmount (%s):\n%w", m.target, err)
			}

			logger.Log.Warnf("Lazy unmounting busy mount (%s)", m.target)
			err = unix.Unmount(m.target, unix.MNT_DETACH)
			if err != nil {
				return fmt.Errorf("failed to lazy unmount (%s):\n%w", m.target, err)
			}
		}

		m.isMounted = false
	}

	if m.dirCreated {
		err := os.Remove(m.target)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete mount directory (%s):\n%w", m.target, err)
		}

		m.dirCreated = false
	}

	return nil
}
