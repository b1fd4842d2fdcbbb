// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/hostmounts"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
)

const (
	resumeStateDirName  = "resume"
	resumeStateFileExt  = ".yaml"
	resumeStateFilePerm = 0o600
)

// ResumeState records a job that failed at a resumable stage.
type ResumeState struct {
	ContainerId   int             `yaml:"ctid"`
	VmId          int             `yaml:"vmid"`
	Stage         Stage           `yaml:"stage"`
	Timestamp     time.Time       `yaml:"timestamp"`
	WorkspacePath string          `yaml:"workspacePath"`
	Data          ResumeStateData `yaml:"data"`
}

// ResumeStateData is the stage specific part of the resume state.
type ResumeStateData struct {
	ImagePath  string                `yaml:"imagePath"`
	DiskSize   uint64                `yaml:"diskSize"`
	Firmware   ct2vmapi.FirmwareType `yaml:"firmware"`
	PartialDir string                `yaml:"partialDir"`
}

func (s *ResumeState) Key() string {
	return jobKey(s.ContainerId, s.VmId)
}

// ResumeStore keeps one resume state file per (ctid, vmid) pair.
type ResumeStore struct {
	dir string
}

func NewResumeStore(stateDir string) *ResumeStore {
	return &ResumeStore{
		dir: filepath.Join(stateDir, resumeStateDirName),
	}
}

func (s *ResumeStore) path(ctid int, vmid int) string {
	return filepath.Join(s.dir, jobKey(ctid, vmid)+resumeStateFileExt)
}

func (s *ResumeStore) Save(state *ResumeState) error {
	data, err := ct2vmapi.MarshalYaml(state)
	if err != nil {
		return fmt.Errorf("%w:\nfailed to serialize resume state:\n%w", ErrResumeState, err)
	}

	path := s.path(state.ContainerId, state.VmId)
	err = file.WriteAtomic(data, path, resumeStateFilePerm)
	if err != nil {
		return fmt.Errorf("%w:\nfailed to write resume state (%s):\n%w", ErrResumeState, path, err)
	}

	logger.Log.Infof("Saved resume state (%s)", path)
	return nil
}

// Load returns the saved state of a job. Returns ErrNoResumeState if there is none.
func (s *ResumeStore) Load(ctid int, vmid int) (*ResumeState, error) {
	path := s.path(ctid, vmid)
	return loadResumeState(path)
}

func loadResumeState(path string) (*ResumeState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w (%s)", ErrNoResumeState, path)
	} else if err != nil {
		return nil, fmt.Errorf("%w:\nfailed to read resume state (%s):\n%w", ErrResumeState, path, err)
	}

	var state ResumeState
	err = ct2vmapi.UnmarshalYaml(data, &state)
	if err != nil {
		return nil, fmt.Errorf("%w:\nfailed to parse resume state (%s):\n%w", ErrResumeState, path, err)
	}

	if !state.Stage.IsResumable() {
		return nil, fmt.Errorf("%w:\nresume state (%s) has a stage that can't be resumed (%s)", ErrResumeState, path,
			state.Stage)
	}

	return &state, nil
}

// Clear removes a job's state. Clearing a job without state is not an error.
func (s *ResumeStore) Clear(ctid int, vmid int) error {
	path := s.path(ctid, vmid)
	err := file.RemoveFileIfExists(path)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrResumeState, err)
	}
	return nil
}

func (s *ResumeStore) Exists(ctid int, vmid int) (bool, error) {
	return file.PathExists(s.path(ctid, vmid))
}

// List returns every saved state, ordered by container ID and then VM ID.
func (s *ResumeStore) List() ([]*ResumeState, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w:\nfailed to list resume states (%s):\n%w", ErrResumeState, s.dir, err)
	}

	states := []*ResumeState(nil)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), resumeStateFileExt) {
			continue
		}

		state, err := loadResumeState(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			logger.Log.Warnf("Skipping unreadable resume state: %v", err)
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		if states[i].ContainerId != states[j].ContainerId {
			return states[i].ContainerId < states[j].ContainerId
		}
		return states[i].VmId < states[j].VmId
	})
	return states, nil
}

// Discard removes a job's state together with the workspace directory it kept for the resume.
// The workspace is left alone while anything is still mounted below it.
func (s *ResumeStore) Discard(ctid int, vmid int) (*ResumeState, error) {
	state, err := s.Load(ctid, vmid)
	if err != nil {
		return nil, err
	}

	if state.WorkspacePath != "" {
		jobDir := jobWorkspaceDir(state.WorkspacePath, ctid, vmid)

		mounts, err := hostmounts.MountsUnder(jobDir)
		if err != nil {
			return nil, err
		}
		if len(mounts) > 0 {
			return nil, fmt.Errorf("workspace (%s) still has %d mounts, unmount them first", jobDir, len(mounts))
		}

		err = os.RemoveAll(jobDir)
		if err != nil {
			return nil, fmt.Errorf("failed to remove workspace (%s):\n%w", jobDir, err)
		}
		logger.Log.Infof("Removed workspace (%s)", jobDir)
	}

	err = s.Clear(ctid, vmid)
	if err != nil {
		return nil, err
	}

	return state, nil
}
