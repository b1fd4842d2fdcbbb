// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"fmt"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/settings"
)

// ConversionJob is the fully resolved set of options for converting one container into one VM.
// It is validated once when it is created and is not modified afterwards.
type ConversionJob struct {
	ContainerId int
	VmId        int
	Name        string

	Storage string
	// Explicit VM disk size. 0 means derive the size from the container's volume.
	DiskSize    uint64
	Shrink      bool
	HeadroomGiB uint64

	ImageFormat ct2vmapi.ImageFormatType
	Firmware    ct2vmapi.FirmwareType
	Bridge      string
	// 0 means inherit from the container.
	MemoryMiB uint64
	Cores     int

	WorkspacePath   string
	WorkspaceChoice string

	KeepNetwork       bool
	Snapshot          bool
	RollbackOnFailure bool
	DestroySource     bool
	Resume            bool
	LiveCheck         bool
	Template          bool
	StartVm           bool

	ExportDir         string
	ExportCompression ct2vmapi.ExportCompressionType
}

// NewConversionJob resolves a job config against the tool settings and validates the result.
func NewConversionJob(config ct2vmapi.JobConfig, s *settings.Settings) (*ConversionJob, error) {
	err := config.IsValid()
	if err != nil {
		return nil, fmt.Errorf("%w (ctid: %d, vmid: %d):\n%w", ErrInvalidJob, config.ContainerId, config.VmId, err)
	}

	options := config.JobOptions

	job := &ConversionJob{
		ContainerId:       config.ContainerId,
		VmId:              config.VmId,
		Name:              options.Name,
		Storage:           valueOr(options.Storage, s.Defaults.Storage),
		Shrink:            derefOr(options.Shrink, false),
		HeadroomGiB:       derefOr(options.HeadroomGiB, s.Defaults.HeadroomGiB),
		ImageFormat:       valueOr(options.Format, ct2vmapi.ImageFormatType(s.Defaults.Format)),
		Firmware:          valueOr(options.Firmware, ct2vmapi.FirmwareType(s.Defaults.Firmware)),
		Bridge:            valueOr(options.Bridge, s.Defaults.Bridge),
		MemoryMiB:         derefOr(options.MemoryMiB, 0),
		Cores:             derefOr(options.Cores, 0),
		WorkspacePath:     options.Workspace,
		WorkspaceChoice:   options.WorkspaceChoice,
		KeepNetwork:       derefOr(options.KeepNetwork, false),
		Snapshot:          derefOr(options.Snapshot, false),
		RollbackOnFailure: derefOr(options.Rollback, false),
		DestroySource:     derefOr(options.DestroySource, false),
		Resume:            derefOr(options.Resume, false),
		LiveCheck:         derefOr(options.LiveCheck, false),
		Template:          derefOr(options.Template, false),
		StartVm:           derefOr(options.Start, false),
		ExportDir:         options.ExportDir,
		ExportCompression: options.ExportCompression,
	}

	if options.DiskSize != nil {
		job.DiskSize = uint64(*options.DiskSize)
	}

	// Rollback needs a snapshot to roll back to.
	if job.RollbackOnFailure {
		job.Snapshot = true
	}

	err = job.IsValid()
	if err != nil {
		return nil, fmt.Errorf("%w (ctid: %d, vmid: %d):\n%w", ErrInvalidJob, config.ContainerId, config.VmId, err)
	}

	return job, nil
}

func (j *ConversionJob) IsValid() error {
	err := ct2vmapi.IsValidGuestId(j.ContainerId)
	if err != nil {
		return fmt.Errorf("invalid container ID:\n%w", err)
	}

	err = ct2vmapi.IsValidGuestId(j.VmId)
	if err != nil {
		return fmt.Errorf("invalid VM ID:\n%w", err)
	}

	if j.ContainerId == j.VmId {
		return fmt.Errorf("container ID and VM ID must be different (%d)", j.VmId)
	}

	if j.Storage == "" {
		return fmt.Errorf("target storage must be specified")
	}

	if j.Bridge == "" {
		return fmt.Errorf("network bridge must be specified")
	}

	if j.ImageFormat == ct2vmapi.ImageFormatTypeNone {
		return fmt.Errorf("image format must be specified")
	}

	err = j.ImageFormat.IsValid()
	if err != nil {
		return err
	}

	if j.Firmware == ct2vmapi.FirmwareTypeNone {
		return fmt.Errorf("firmware type must be specified")
	}

	err = j.Firmware.IsValid()
	if err != nil {
		return err
	}

	if j.DiskSize != 0 && j.Shrink {
		return fmt.Errorf("an explicit disk size and shrink cannot both be used")
	}

	if j.DiskSize != 0 && j.DiskSize < MinimumDiskSize {
		return fmt.Errorf("disk size (%s) must be at least %s", humanSize(j.DiskSize), humanSize(MinimumDiskSize))
	}

	if j.Template && j.StartVm {
		return fmt.Errorf("a template VM cannot be started")
	}

	if j.ExportCompression != ct2vmapi.ExportCompressionTypeDefault &&
		j.ExportCompression != ct2vmapi.ExportCompressionTypeNone && j.ExportDir == "" {
		return fmt.Errorf("export compression requires an export directory")
	}

	return nil
}

// Key identifies the job in lock names, resume state files and logs.
func (j *ConversionJob) Key() string {
	return jobKey(j.ContainerId, j.VmId)
}

func (j *ConversionJob) IsUefi() bool {
	return j.Firmware == ct2vmapi.FirmwareTypeUefi
}

func jobKey(ctid int, vmid int) string {
	return fmt.Sprintf("%d-%d", ctid, vmid)
}

func valueOr[T comparable](value T, fallback T) T {
	var zero T
	if value == zero {
		return fallback
	}
	return value
}

func derefOr[T any](value *T, fallback T) T {
	if value == nil {
		return fallback
	}
	return *value
}
