// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"golang.org/x/sys/unix"
)

const (
	// The host range used by unprivileged containers without explicit lxc.idmap lines.
	defaultIdMapHostStart = 100000
	defaultIdMapCount     = 65536

	fileCapsXattr = "security.capability"

	// From linux/capability.h.
	vfsCapRevisionMask = 0xFF000000
	vfsCapRevision2    = 0x02000000
	vfsCapRevision3    = 0x03000000
	vfsCapV2Size       = 20
	vfsCapV3Size       = 24
)

// idShifter maps host IDs of an unprivileged container's files back to the container's own IDs.
type idShifter struct {
	uidMaps []pve.IdMap
	gidMaps []pve.IdMap
}

// newIdShifter returns nil for privileged containers, whose files already have the container's IDs.
func newIdShifter(config pve.ContainerConfig) *idShifter {
	if !config.Unprivileged {
		return nil
	}

	shifter := &idShifter{}
	for _, idMap := range config.IdMaps {
		switch idMap.Kind {
		case 'u':
			shifter.uidMaps = append(shifter.uidMaps, idMap)
		case 'g':
			shifter.gidMaps = append(shifter.gidMaps, idMap)
		}
	}

	defaultMap := pve.IdMap{ContainerId: 0, HostId: defaultIdMapHostStart, Count: defaultIdMapCount}
	if len(shifter.uidMaps) == 0 {
		defaultMap.Kind = 'u'
		shifter.uidMaps = []pve.IdMap{defaultMap}
	}
	if len(shifter.gidMaps) == 0 {
		defaultMap.Kind = 'g'
		shifter.gidMaps = []pve.IdMap{defaultMap}
	}

	return shifter
}

func (s *idShifter) uid(hostId uint32) (uint32, bool) {
	return mapHostId(hostId, s.uidMaps)
}

func (s *idShifter) gid(hostId uint32) (uint32, bool) {
	return mapHostId(hostId, s.gidMaps)
}

func mapHostId(hostId uint32, idMaps []pve.IdMap) (uint32, bool) {
	for _, idMap := range idMaps {
		if hostId >= idMap.HostId && uint64(hostId) < uint64(idMap.HostId)+uint64(idMap.Count) {
			return hostId - idMap.HostId + idMap.ContainerId, true
		}
	}
	return hostId, false
}

// shiftOwnership rewrites the owner and group of every entry under root. File data is not touched.
// Returns the number of entries that were changed.
func shiftOwnership(ctx context.Context, root string, shifter *idShifter) (int, error) {
	changed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if changed%1000 == 0 {
			ctxErr := ctx.Err()
			if ctxErr != nil {
				return ctxErr
			}
		}

		var stat unix.Stat_t
		err = unix.Lstat(path, &stat)
		if err != nil {
			return fmt.Errorf("failed to stat (%s):\n%w", path, err)
		}

		uid, uidMapped := shifter.uid(stat.Uid)
		gid, gidMapped := shifter.gid(stat.Gid)
		if !uidMapped && !gidMapped {
			return nil
		}

		err = lchownPreservingAttributes(path, d, stat.Mode, int(uid), int(gid))
		if err != nil {
			return err
		}

		changed++
		return nil
	})
	if err != nil {
		return changed, err
	}

	return changed, nil
}

// lchownPreservingAttributes changes ownership and restores what chown(2) clears: the setuid and setgid bits
// and file capabilities.
func lchownPreservingAttributes(path string, d fs.DirEntry, mode uint32, uid int, gid int) error {
	isSymlink := d.Type()&fs.ModeSymlink != 0
	isRegular := d.Type().IsRegular()

	var caps []byte
	if isRegular {
		var err error
		caps, err = getXattr(path, fileCapsXattr)
		if err != nil {
			return err
		}
	}

	err := os.Lchown(path, uid, gid)
	if err != nil {
		return fmt.Errorf("failed to change owner of (%s):\n%w", path, err)
	}

	if isSymlink || !isRegular {
		return nil
	}

	if mode&(unix.S_ISUID|unix.S_ISGID) != 0 {
		err = unix.Chmod(path, mode&07777)
		if err != nil {
			return fmt.Errorf("failed to restore mode of (%s):\n%w", path, err)
		}
	}

	if caps != nil {
		err = unix.Lsetxattr(path, fileCapsXattr, normalizeFileCaps(caps), 0)
		if err != nil {
			return fmt.Errorf("failed to restore capabilities of (%s):\n%w", path, err)
		}
	}

	return nil
}

func getXattr(path string, name string) ([]byte, error) {
	size, err := unix.Lgetxattr(path, name, nil)
	if errors.Is(err, unix.ENODATA) || errors.Is(err, unix.ENOTSUP) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read xattr (%s) of (%s):\n%w", name, path, err)
	}

	buf := make([]byte, size)
	size, err = unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read xattr (%s) of (%s):\n%w", name, path, err)
	}
	return buf[:size], nil
}

// normalizeFileCaps converts namespaced (v3) file capabilities, which carry the host root ID of the
// container, into plain v2 capabilities that are valid on the VM.
func normalizeFileCaps(caps []byte) []byte {
	if len(caps) != vfsCapV3Size {
		return caps
	}

	magic := binary.LittleEndian.Uint32(caps[0:4])
	if magic&vfsCapRevisionMask != vfsCapRevision3 {
		return caps
	}

	v2 := make([]byte, vfsCapV2Size)
	copy(v2, caps[:vfsCapV2Size])
	binary.LittleEndian.PutUint32(v2[0:4], (magic&^vfsCapRevisionMask)|vfsCapRevision2)
	return v2
}
