// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package kernelversion

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/version"
)

var (
	// Parses the kernel version from "uname -r" or subdirectories of /lib/modules.
	//
	// Examples:
	//   OS               Version
	//   Fedora 40        6.11.6-200.fc40.x86_64
	//   Ubuntu 22.04     6.8.0-48-generic
	//   Proxmox VE 8     6.8.12-4-pve
	//   Alpine 3.20      6.6.58-0-lts
	kernelVersionRegex = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)([.\-][a-zA-Z0-9_.\-]*)?$`)
)

func parseKernelVersion(versionString string) (version.Version, error) {
	match := kernelVersionRegex.FindStringSubmatch(versionString)
	if match == nil {
		return nil, fmt.Errorf("failed to parse kernel version (%s)", versionString)
	}

	major, _ := strconv.Atoi(match[1])
	minor, _ := strconv.Atoi(match[2])
	patch, _ := strconv.Atoi(match[3])

	version := version.Version{major, minor, patch}
	return version, nil
}

// KernelImage is a kernel found in a /boot directory.
type KernelImage struct {
	Path          string
	VersionString string
	Version       version.Version
}

// FindKernelImages lists the vmlinuz-<version> files in bootDir, newest first.
// Alpine names its kernels by flavor (e.g. vmlinuz-lts) and those are listed last, without a version.
func FindKernelImages(bootDir string) ([]KernelImage, error) {
	entries, err := os.ReadDir(bootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list boot directory (%s):\n%w", bootDir, err)
	}

	images := []KernelImage(nil)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (name != "vmlinuz" && !strings.HasPrefix(name, "vmlinuz-")) {
			continue
		}

		versionString := strings.TrimPrefix(strings.TrimPrefix(name, "vmlinuz"), "-")
		image := KernelImage{
			Path:          filepath.Join(bootDir, name),
			VersionString: versionString,
		}

		parsed, err := parseKernelVersion(versionString)
		if err == nil {
			image.Version = parsed
		}

		images = append(images, image)
	}

	slices.SortStableFunc(images, func(a, b KernelImage) int {
		return -a.Version.Cmp(b.Version)
	})
	return images, nil
}
