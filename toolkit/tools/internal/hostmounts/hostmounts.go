// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Queries the host's mount table and filesystem usage.

package hostmounts

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Mount is a single entry of the host's mount table.
type Mount struct {
	Mountpoint string
	Source     string
	FSType     string
	Options    string
}

// Usage is the capacity of a mounted filesystem, in bytes.
type Usage struct {
	Total     uint64
	Free      uint64
	Available uint64
	Used      uint64
}

func ListMounts() ([]Mount, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table:\n%w", err)
	}

	return toMounts(infos), nil
}

// MountsUnder lists the mounts at or below dir, deepest first.
// This is the order they need to be unmounted in.
func MountsUnder(dir string) ([]Mount, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(absDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table:\n%w", err)
	}

	mounts := toMounts(infos)
	sort.SliceStable(mounts, func(i, j int) bool {
		return len(mounts[i].Mountpoint) > len(mounts[j].Mountpoint)
	})
	return mounts, nil
}

// GetUsage returns the capacity of the filesystem containing path.
// Available is the space usable by unprivileged users, which is what a new file can safely grow into.
func GetUsage(path string) (Usage, error) {
	var stat unix.Statfs_t
	err := unix.Statfs(path, &stat)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem (%s):\n%w", path, err)
	}

	blockSize := uint64(stat.Bsize)
	return Usage{
		Total:     stat.Blocks * blockSize,
		Free:      stat.Bfree * blockSize,
		Available: stat.Bavail * blockSize,
		Used:      (stat.Blocks - stat.Bfree) * blockSize,
	}, nil
}

func toMounts(infos []*mountinfo.Info) []Mount {
	mounts := make([]Mount, 0, len(infos))
	for _, info := range infos {
		mounts = append(mounts, Mount{
			Mountpoint: info.Mountpoint,
			Source:     info.Source,
			FSType:     info.FSType,
			Options:    info.Options,
		})
	}
	return mounts
}
