// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/diskutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeStoreRoundTrip(t *testing.T) {
	store := NewResumeStore(t.TempDir())

	state := &ResumeState{
		ContainerId:   101,
		VmId:          9001,
		Stage:         StageMigrate,
		Timestamp:     time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC),
		WorkspacePath: "/mnt/data",
		Data: ResumeStateData{
			ImagePath:  "/mnt/data/ct2vm-101-9001/disk.raw",
			DiskSize:   10 * diskutils.GiB,
			Firmware:   ct2vmapi.FirmwareTypeUefi,
			PartialDir: "/mnt/data/ct2vm-101-9001/.rsync-partial",
		},
	}

	err := store.Save(state)
	require.NoError(t, err)

	exists, err := store.Exists(101, 9001)
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := store.Load(101, 9001)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)

	err = store.Clear(101, 9001)
	require.NoError(t, err)

	_, err = store.Load(101, 9001)
	assert.ErrorIs(t, err, ErrNoResumeState)

	// Clearing twice is fine.
	err = store.Clear(101, 9001)
	require.NoError(t, err)
}

func TestResumeStoreList(t *testing.T) {
	store := NewResumeStore(t.TempDir())

	states, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, states)

	for _, ids := range [][2]int{{105, 9005}, {101, 9002}, {101, 9001}} {
		err := store.Save(&ResumeState{ContainerId: ids[0], VmId: ids[1], Stage: StageMigrate})
		require.NoError(t, err)
	}

	states, err = store.List()
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, "101-9001", states[0].Key())
	assert.Equal(t, "101-9002", states[1].Key())
	assert.Equal(t, "105-9005", states[2].Key())
}

func TestResumeStoreDiscard(t *testing.T) {
	store := NewResumeStore(t.TempDir())
	workspace := t.TempDir()

	jobDir := jobWorkspaceDir(workspace, 101, 9001)
	require.NoError(t, file.Write("partial image", filepath.Join(jobDir, diskImageFileName)))

	err := store.Save(&ResumeState{
		ContainerId:   101,
		VmId:          9001,
		Stage:         StageMigrate,
		WorkspacePath: workspace,
	})
	require.NoError(t, err)

	state, err := store.Discard(101, 9001)
	require.NoError(t, err)
	assert.Equal(t, workspace, state.WorkspacePath)

	exists, err := file.PathExists(jobDir)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.Exists(101, 9001)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Discard(101, 9001)
	assert.ErrorIs(t, err, ErrNoResumeState)
}

func TestResumeStoreRejectsStageThatCannotResume(t *testing.T) {
	store := NewResumeStore(t.TempDir())

	err := store.Save(&ResumeState{ContainerId: 101, VmId: 9001, Stage: StageBootInject})
	require.NoError(t, err)

	_, err = store.Load(101, 9001)
	assert.ErrorIs(t, err, ErrResumeState)
	assert.ErrorContains(t, err, "can't be resumed")
}
