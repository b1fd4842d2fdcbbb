// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Typed adapters for the host's container, storage and VM management tools (pct, pvesm, qm).

package pve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/shell"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when the container, VM, storage or volume doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrUnparseableOutput is returned when a tool's output doesn't have the expected format.
	ErrUnparseableOutput = errors.New("unparseable tool output")
)

// ContainerControl manages containers.
type ContainerControl interface {
	Status(ctx context.Context, ctid int) (ContainerStatus, error)
	Config(ctx context.Context, ctid int) (ContainerConfig, error)
	Start(ctx context.Context, ctid int) error
	Stop(ctx context.Context, ctid int) error
	// Mount mounts the container's root filesystem on the host and returns the mount path.
	Mount(ctx context.Context, ctid int) (string, error)
	Unmount(ctx context.Context, ctid int) error
	Snapshot(ctx context.Context, ctid int, name string, description string) error
	Rollback(ctx context.Context, ctid int, name string) error
	DeleteSnapshot(ctx context.Context, ctid int, name string) error
	// Rescan updates the container config's disk sizes from the storage.
	Rescan(ctx context.Context, ctid int) error
	Destroy(ctx context.Context, ctid int) error
}

// StorageManager queries storage pools and volumes.
type StorageManager interface {
	Status(ctx context.Context, storage string) (StorageInfo, error)
	// Path resolves a volume ID (e.g. local-lvm:vm-101-disk-0) to a host path.
	Path(ctx context.Context, volumeId string) (string, error)
}

// VmControl manages virtual machines.
type VmControl interface {
	Exists(ctx context.Context, vmid int) (bool, error)
	Create(ctx context.Context, vmid int, options VmCreateOptions) error
	// ImportDisk imports a disk image as an unused disk and returns its volume ID.
	ImportDisk(ctx context.Context, vmid int, imagePath string, storage string, format string) (string, error)
	Set(ctx context.Context, vmid int, options ...string) error
	Config(ctx context.Context, vmid int) (VmConfig, error)
	Start(ctx context.Context, vmid int) error
	Stop(ctx context.Context, vmid int) error
	Status(ctx context.Context, vmid int) (string, error)
	AgentPing(ctx context.Context, vmid int) error
	GuestExec(ctx context.Context, vmid int, command ...string) (GuestExecResult, error)
	Template(ctx context.Context, vmid int) error
}

type ContainerStatus struct {
	Running bool
	Status  string
}

type StorageInfo struct {
	Name      string
	Type      string
	Active    bool
	Total     uint64
	Used      uint64
	Available uint64
}

type GuestExecResult struct {
	ExitCode int
	Exited   bool
	Stdout   string
	Stderr   string
}

// runFunc runs a program and returns its stdout and stderr.
type runFunc func(ctx context.Context, program string, args ...string) (string, string, error)

func runCommand(ctx context.Context, program string, args ...string) (string, string, error) {
	return shell.NewExecBuilder(program, args...).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(1).
		ExecuteCaptureOuput()
}

// notFoundMessages are the error texts pct/qm/pvesm print for missing objects.
var notFoundMessages = []string{
	"does not exist",
	"no such",
	"not found",
}

func wrapCommandError(what string, stderr string, err error) error {
	lower := strings.ToLower(stderr)
	for _, msg := range notFoundMessages {
		if strings.Contains(lower, msg) {
			return fmt.Errorf("%s: %w:\n%w", what, ErrNotFound, err)
		}
	}
	return fmt.Errorf("%s:\n%w", what, err)
}

func unparseable(what string, output string) error {
	return fmt.Errorf("%w: %s (%s)", ErrUnparseableOutput, what, strings.TrimSpace(output))
}
