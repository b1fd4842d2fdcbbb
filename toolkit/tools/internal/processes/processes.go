// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package processes

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"golang.org/x/sys/unix"
)

const (
	procDir = "/proc"
)

type ProcessRecord struct {
	ProcessId   int
	ProcessName string
	ProcessRoot string
}

// GetProcessesInRoot returns the processes whose root directory is rootDir, e.g. leftovers of a chroot.
func GetProcessesInRoot(rootDir string) ([]ProcessRecord, error) {
	return getProcessesInRoot(procDir, rootDir)
}

func getProcessesInRoot(procDir string, rootDir string) ([]ProcessRecord, error) {
	entries, err := os.ReadDir(procDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes (%s):\n%w", procDir, err)
	}

	records := []ProcessRecord(nil)
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		processRoot, err := os.Readlink(filepath.Join(procDir, entry.Name(), "root"))
		if errors.Is(err, fs.ErrNotExist) {
			// The process exited.
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to read process root (%d):\n%w", pid, err)
		}

		if processRoot != rootDir {
			continue
		}

		name, _ := os.ReadFile(filepath.Join(procDir, entry.Name(), "comm"))
		records = append(records, ProcessRecord{
			ProcessId:   pid,
			ProcessName: strings.TrimSpace(string(name)),
			ProcessRoot: processRoot,
		})
	}

	return records, nil
}

func StopProcessById(pid int) error {
	logger.Log.Debugf("Stopping process: Pid=%d.", pid)

	err := unix.Kill(pid, unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to stop process (%d):\n%w", pid, err)
	}

	return nil
}

// StopProcessesInRoot terminates every process whose root directory is rootDir.
// Returns the number of processes that were signalled.
func StopProcessesInRoot(rootDir string) (int, error) {
	records, err := GetProcessesInRoot(rootDir)
	if err != nil {
		return 0, err
	}

	stopped := 0
	errs := []error(nil)
	for _, record := range records {
		if record.ProcessId == os.Getpid() {
			continue
		}

		logger.Log.Infof("Stopping leftover process (%s, pid=%d) in (%s)", record.ProcessName, record.ProcessId,
			rootDir)
		err := StopProcessById(record.ProcessId)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stopped++
	}

	return stopped, errors.Join(errs...)
}
