// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/joblock"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"github.com/stretchr/testify/assert"
)

func TestConversionErrorCategory(t *testing.T) {
	assert.Equal(t, CategoryValidation, ErrVmExists.Category())
	assert.Equal(t, "Validation:VmExists", ErrVmExists.Name())
	assert.Equal(t, CategorySpace, ErrShrinkExhausted.Category())
	assert.Equal(t, "Boot", ErrBootInject.Category())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"success", nil, ExitCodeSuccess},
		{"bad input", fmt.Errorf("%w:\nbad vmid", ErrInvalidJob), ExitCodeBadInput},
		{"not found", fmt.Errorf("%w:\n%w", ErrContainerNotFound, pve.ErrNotFound), ExitCodeNotFound},
		{"space", fmt.Errorf("%w (required: 10 GiB)", ErrNoWorkspace), ExitCodeNoSpace},
		{"permission", ErrNotRoot, ExitCodePermission},
		{"migration", fmt.Errorf("%w:\nrsync exited with 12", ErrMigrate), ExitCodeMigrationFailed},
		{"conversion", fmt.Errorf("%w:\ngrub-install failed", ErrBootInject), ExitCodeConversionFailed},
		{"generic outer, specific inner", fmt.Errorf("%w:\n%w", ErrDiskProvision, ErrInsufficientSpace), ExitCodeNoSpace},
		{"plain not found", fmt.Errorf("%w:\n%w", ErrVmProvision, pve.ErrNotFound), ExitCodeNotFound},
		{"plain permission", fmt.Errorf("%w:\n%w", ErrBootInject, fs.ErrPermission), ExitCodePermission},
		{"locked", fmt.Errorf("%w (ct-101)", joblock.ErrLocked), ExitCodeBadInput},
		{"unknown", errors.New("boom"), ExitCodeConversionFailed},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, ExitCode(test.err))
		})
	}
}

func TestGetAllConversionErrorsJoined(t *testing.T) {
	err := errors.Join(
		fmt.Errorf("%w:\n%w", ErrMigrate, errors.New("rsync failed")),
		fmt.Errorf("%w:\numount failed", ErrCleanup),
	)

	names := []string(nil)
	for _, conversionError := range GetAllConversionErrors(err) {
		names = append(names, conversionError.Name())
	}
	assert.Equal(t, []string{"Migrate:Copy", "Cleanup:Release"}, names)
	assert.Equal(t, ExitCodeMigrationFailed, ExitCode(err))
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "", Summary(nil))
	assert.Equal(t, "target VM already exists", Summary(ErrVmExists))
	assert.Equal(t, "failed to create the VM disk image: no filesystem has enough free space for the disk image",
		Summary(fmt.Errorf("%w:\n%w", ErrDiskProvision, ErrNoWorkspace)))
	assert.Equal(t, "conversion was interrupted", Summary(fmt.Errorf("%w:\n%w", ErrMigrate, context.Canceled)))
	assert.Equal(t, "first line", Summary(errors.New("first line\nsecond line")))
}

func TestRemedyHint(t *testing.T) {
	assert.Contains(t, RemedyHint(ErrNoWorkspace), "--workspace")
	assert.Contains(t, RemedyHint(ErrMigrate), "--resume")
	assert.Contains(t, RemedyHint(ErrBootInject), "log file")
}
