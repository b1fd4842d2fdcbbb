// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Host-wide advisory locks that keep two conversions from using the same container or VM ID.

package joblock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"golang.org/x/sys/unix"
)

var ErrLocked = errors.New("already locked by another conversion")

// Lock is an exclusive flock(2) on a file in the lock directory.
// The kernel releases it if the process dies.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the named lock without blocking.
// Returns ErrLocked if another process (or another job in this process) holds it.
func Acquire(lockDir string, name string) (*Lock, error) {
	err := os.MkdirAll(lockDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock directory (%s):\n%w", lockDir, err)
	}

	path := filepath.Join(lockDir, name+".lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file (%s):\n%w", path, err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w (%s)", ErrLocked, name)
		}
		return nil, fmt.Errorf("failed to lock (%s):\n%w", path, err)
	}

	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	logger.Log.Debugf("Acquired lock (%s)", path)
	return &Lock{
		path: path,
		file: f,
	}, nil
}

// Close releases the lock. Safe to call more than once.
func (l *Lock) Close() error {
	if l.file == nil {
		return nil
	}

	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to release lock (%s):\n%w", l.path, err)
	}

	logger.Log.Debugf("Released lock (%s)", l.path)
	return nil
}
