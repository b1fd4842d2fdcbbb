// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package osinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadOsRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	content := "NAME=\"Rocky Linux\"\nID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\nVERSION_ID=\"9.3\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	release, err := ReadOsRelease(path)
	assert.NoError(t, err)
	assert.Equal(t, "rocky", release.Id)
	assert.Equal(t, []string{"rhel", "centos", "fedora"}, release.IdLike)
	assert.Equal(t, "Rocky Linux", release.Name)
	assert.Equal(t, "9.3", release.VersionId)
}

func TestReadOsReleaseMissing(t *testing.T) {
	_, err := ReadOsRelease(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
