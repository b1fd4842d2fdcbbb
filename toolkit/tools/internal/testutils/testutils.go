// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutils

import (
	"os"
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/stretchr/testify/assert"
)

// Host tools used to build a VM disk image.
var conversionCommands = []string{"losetup", "sfdisk", "mkfs.ext4", "mkfs.vfat", "rsync"}

func CheckSkipForRoot(t *testing.T, reason string) {
	if os.Geteuid() != 0 {
		t.Skipf("Test must be run as root because it %s", reason)
	}
}

// CheckSkipForConversionRequirements skips tests that need to build a real disk image on the host.
func CheckSkipForConversionRequirements(t *testing.T) {
	CheckSkipForRoot(t, "uses loop devices")

	for _, command := range conversionCommands {
		exists, err := file.CommandExists(command)
		assert.NoError(t, err)
		if !exists {
			t.Skipf("The '%s' command is not available", command)
		}
	}
}
