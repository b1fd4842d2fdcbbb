// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/diskutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/hostmounts"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
)

const (
	jobDirPrefix      = "ct2vm-"
	diskImageFileName = "disk.raw"
	partialDirName    = ".rsync-partial"
	mountDirName      = "mnt"
)

var (
	pseudoFilesystems = []string{
		"autofs", "binfmt_misc", "bpf", "cgroup", "cgroup2", "configfs", "debugfs", "devpts", "devtmpfs",
		"efivarfs", "fusectl", "hugetlbfs", "mqueue", "nsfs", "overlay", "proc", "pstore", "ramfs", "rpc_pipefs",
		"securityfs", "squashfs", "sysfs", "tmpfs", "tracefs",
	}

	excludedMountPrefixes = []string{
		"/boot", "/dev", "/proc", "/run", "/snap", "/sys", "/tmp", "/var/tmp",
	}
)

// WorkspaceCandidate is a mounted filesystem that can hold a job's disk image.
type WorkspaceCandidate struct {
	Path      string
	FsType    string
	Available uint64
}

// WorkspaceRequest is the input of the workspace selection.
type WorkspaceRequest struct {
	RequiredBytes uint64
	// Preferred directory. If it is too small, the selection fails instead of falling back.
	PreferredPath string
	// Pre-seeded answer used when several candidates exist: a 1-based index into the candidates or a path.
	Choice string
}

type workspaceSelector struct {
	listMounts      func() ([]hostmounts.Mount, error)
	getUsage        func(path string) (hostmounts.Usage, error)
	excludePrefixes []string
}

func newWorkspaceSelector(excludePrefixes []string) *workspaceSelector {
	return &workspaceSelector{
		listMounts:      hostmounts.ListMounts,
		getUsage:        hostmounts.GetUsage,
		excludePrefixes: excludePrefixes,
	}
}

// Select returns the directory the job's workspace is created in.
func (w *workspaceSelector) Select(request WorkspaceRequest) (string, error) {
	if request.PreferredPath != "" {
		return w.checkPreferred(request)
	}

	candidates, err := w.Candidates(request.RequiredBytes)
	if err != nil {
		return "", err
	}

	return selectWorkspaceCandidate(candidates, request)
}

func (w *workspaceSelector) checkPreferred(request WorkspaceRequest) (string, error) {
	path, err := filepath.Abs(request.PreferredPath)
	if err != nil {
		return "", fmt.Errorf("invalid workspace path (%s):\n%w", request.PreferredPath, err)
	}

	usage, err := w.getUsage(path)
	if err != nil {
		return "", fmt.Errorf("%w:\n%w", ErrInsufficientSpace, err)
	}

	if usage.Available < request.RequiredBytes {
		return "", fmt.Errorf("%w (path: %s, available: %s, required: %s)", ErrInsufficientSpace, path,
			humanSize(usage.Available), humanSize(request.RequiredBytes))
	}

	return path, nil
}

// Candidates returns the mounted filesystems with at least requiredBytes available, ordered by most
// available space and then by path.
func (w *workspaceSelector) Candidates(requiredBytes uint64) ([]WorkspaceCandidate, error) {
	mounts, err := w.listMounts()
	if err != nil {
		return nil, err
	}

	// The same filesystem may be mounted more than once (e.g. bind mounts). Offer it once, under its
	// shortest path.
	bySource := make(map[string]hostmounts.Mount)
	for _, mount := range mounts {
		if !w.isEligible(mount) {
			continue
		}

		existing, found := bySource[mount.Source]
		if !found || len(mount.Mountpoint) < len(existing.Mountpoint) {
			bySource[mount.Source] = mount
		}
	}

	candidates := []WorkspaceCandidate(nil)
	for _, mount := range bySource {
		usage, err := w.getUsage(mount.Mountpoint)
		if err != nil {
			logger.Log.Debugf("Skipping workspace candidate (%s): %v", mount.Mountpoint, err)
			continue
		}

		if usage.Available < requiredBytes {
			logger.Log.Debugf("Skipping workspace candidate (%s): only %s available", mount.Mountpoint,
				humanSize(usage.Available))
			continue
		}

		candidates = append(candidates, WorkspaceCandidate{
			Path:      mount.Mountpoint,
			FsType:    mount.FSType,
			Available: usage.Available,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Available != candidates[j].Available {
			return candidates[i].Available > candidates[j].Available
		}
		return candidates[i].Path < candidates[j].Path
	})

	return candidates, nil
}

func (w *workspaceSelector) isEligible(mount hostmounts.Mount) bool {
	if slices.Contains(pseudoFilesystems, mount.FSType) || strings.HasPrefix(mount.FSType, "fuse") {
		return false
	}

	if slices.Contains(strings.Split(mount.Options, ","), "ro") {
		return false
	}

	for _, prefix := range slices.Concat(excludedMountPrefixes, w.excludePrefixes) {
		if isPathUnder(mount.Mountpoint, prefix) {
			return false
		}
	}

	return true
}

// selectWorkspaceCandidate picks a candidate. The result only depends on its inputs.
func selectWorkspaceCandidate(candidates []WorkspaceCandidate, request WorkspaceRequest) (string, error) {
	switch {
	case len(candidates) == 0:
		return "", fmt.Errorf("%w (required: %s)", ErrNoWorkspace, humanSize(request.RequiredBytes))

	case len(candidates) == 1:
		logger.Log.Infof("Using workspace (%s) with %s available", candidates[0].Path,
			humanSize(candidates[0].Available))
		return candidates[0].Path, nil

	case request.Choice == "":
		return "", fmt.Errorf("%w, choose one of:\n%s", ErrWorkspaceAmbiguous, formatCandidates(candidates))
	}

	index, err := strconv.Atoi(request.Choice)
	if err == nil {
		if index < 1 || index > len(candidates) {
			return "", fmt.Errorf("%w (choice: %d), choose one of:\n%s", ErrBadWorkspaceChoice, index,
				formatCandidates(candidates))
		}
		return candidates[index-1].Path, nil
	}

	choice := filepath.Clean(request.Choice)
	for _, candidate := range candidates {
		if candidate.Path == choice {
			return candidate.Path, nil
		}
	}

	return "", fmt.Errorf("%w (choice: %s), choose one of:\n%s", ErrBadWorkspaceChoice, request.Choice,
		formatCandidates(candidates))
}

func formatCandidates(candidates []WorkspaceCandidate) string {
	lines := make([]string, 0, len(candidates))
	for i, candidate := range candidates {
		lines = append(lines, fmt.Sprintf("  %d) %s (%s, %s available)", i+1, candidate.Path, candidate.FsType,
			humanSize(candidate.Available)))
	}
	return strings.Join(lines, "\n")
}

// workspaceRequiredBytes is the free space a job's workspace needs for a disk of diskSize bytes.
func workspaceRequiredBytes(diskSize uint64, overheadGiB uint64) uint64 {
	return diskSize + overheadGiB*diskutils.GiB
}

// jobWorkspaceDir is the job's own directory in the workspace. Concurrent jobs never share it.
func jobWorkspaceDir(workspace string, ctid int, vmid int) string {
	return filepath.Join(workspace, jobDirPrefix+jobKey(ctid, vmid))
}

func isPathUnder(path string, dir string) bool {
	if dir == "/" {
		return true
	}
	return path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/")
}
