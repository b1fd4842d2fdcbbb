// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/joblock"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
)

// ConversionError is a named error. The part of the name before the colon is the error's category,
// which decides the exit code and the remedy hint.
type ConversionError struct {
	name    string
	message string
}

func NewConversionError(name string, message string) *ConversionError {
	return &ConversionError{
		name:    name,
		message: message,
	}
}

func (e *ConversionError) Name() string {
	return e.name
}

func (e *ConversionError) Error() string {
	return e.message
}

func (e *ConversionError) Category() string {
	category, _, _ := strings.Cut(e.name, ":")
	return category
}

const (
	CategoryValidation = "Validation"
	CategoryNotFound   = "NotFound"
	CategorySpace      = "Space"
	CategoryPermission = "Permission"
	CategoryMigrate    = "Migrate"
)

const (
	ExitCodeSuccess          = 0
	ExitCodeConversionFailed = 1
	ExitCodeBadInput         = 2
	ExitCodeNotFound         = 3
	ExitCodeNoSpace          = 4
	ExitCodePermission       = 5
	ExitCodeMigrationFailed  = 6
)

var (
	// Configuration
	ErrInvalidJob          = NewConversionError("Validation:InvalidJob", "invalid conversion job")
	ErrVmExists            = NewConversionError("Validation:VmExists", "target VM already exists")
	ErrIdInUse             = NewConversionError("Validation:IdInUse", "container or VM ID is in use by another conversion")
	ErrWorkspaceAmbiguous  = NewConversionError("Validation:WorkspaceAmbiguous", "several workspace locations are possible")
	ErrBadWorkspaceChoice  = NewConversionError("Validation:BadWorkspaceChoice", "workspace choice does not match a candidate")
	ErrNoResumeState       = NewConversionError("Validation:NoResumeState", "no resume state found for job")
	ErrShrinkUnsupported   = NewConversionError("Validation:ShrinkUnsupported", "shrinking is not supported for the container's storage")
	ErrUnsupportedFs       = NewConversionError("Validation:UnsupportedFilesystem", "container root filesystem is not ext4")
	ErrDiskTooSmall        = NewConversionError("Validation:DiskTooSmall", "disk size is smaller than the container's used space")
	ErrContainerNotFound   = NewConversionError("NotFound:Container", "source container not found")
	ErrStorageNotFound     = NewConversionError("NotFound:Storage", "target storage not found")
	ErrStorageInactive     = NewConversionError("NotFound:StorageInactive", "target storage is not active")
	ErrNotRoot             = NewConversionError("Permission:NotRoot", "tool must be run as root (e.g. by using sudo)")
	ErrPermissionDenied    = NewConversionError("Permission:Denied", "permission denied")
	ErrInsufficientSpace   = NewConversionError("Space:InsufficientWorkspace", "preferred workspace does not have enough free space")
	ErrNoWorkspace         = NewConversionError("Space:NoWorkspace", "no filesystem has enough free space for the disk image")
	ErrShrinkExhausted     = NewConversionError("Space:ShrinkExhausted", "failed to shrink the container volume")
	ErrMigrate             = NewConversionError("Migrate:Copy", "failed to copy the container filesystem")
	ErrIdShift             = NewConversionError("Migrate:IdShift", "failed to renormalize file ownership")
	ErrResumeAttach        = NewConversionError("Migrate:ResumeAttach", "failed to re-attach the disk image of the resumed job")
	ErrSnapshot            = NewConversionError("Snapshot:Create", "failed to snapshot the source container")
	ErrRollback            = NewConversionError("Snapshot:Rollback", "failed to roll back the source container")
	ErrContainerControl    = NewConversionError("Container:Control", "failed to control the source container")
	ErrDiskProvision       = NewConversionError("Disk:Provision", "failed to create the VM disk image")
	ErrBootInject          = NewConversionError("Boot:Inject", "failed to install the kernel and bootloader")
	ErrBootArtifactMissing = NewConversionError("Boot:ArtifactMissing", "kernel or bootloader configuration missing after install")
	ErrVmProvision         = NewConversionError("Vm:Provision", "failed to create the VM")
	ErrHealthCheck         = NewConversionError("Health:StructuralChecks", "VM configuration checks failed")
	ErrHealthDegraded      = NewConversionError("Health:Degraded", "VM did not pass the live checks")
	ErrRemediate           = NewConversionError("Health:Remediate", "failed to remediate the VM")
	ErrExport              = NewConversionError("Export:Convert", "failed to export the VM disk")
	ErrTemplate            = NewConversionError("Vm:Template", "failed to convert the VM to a template")
	ErrDestroySource       = NewConversionError("Container:Destroy", "failed to destroy the source container")
	ErrCleanup             = NewConversionError("Cleanup:Release", "failed to release job resources")
	ErrResumeState         = NewConversionError("Resume:State", "failed to access resume state")
	ErrUnparseableOutput   = NewConversionError("Parse:UnparseableOutput", "unexpected tool output")
	ErrStagePanicked       = NewConversionError("Convert:StagePanicked", "conversion stage panicked")
	ErrCancelled           = NewConversionError("Cancelled:Interrupted", "conversion was interrupted")
	ErrBatchPreflight      = NewConversionError("Batch:Preflight", "batch jobs failed the preflight checks")
)

// GetAllConversionErrors returns the named errors in the error's wrap tree, outermost first.
func GetAllConversionErrors(err error) []*ConversionError {
	result := []*ConversionError(nil)
	collectConversionErrors(err, &result)
	return result
}

func collectConversionErrors(err error, result *[]*ConversionError) {
	if err == nil {
		return
	}

	if conversionError, ok := err.(*ConversionError); ok {
		*result = append(*result, conversionError)
	}

	switch unwrapped := err.(type) {
	case interface{ Unwrap() []error }:
		for _, child := range unwrapped.Unwrap() {
			collectConversionErrors(child, result)
		}

	case interface{ Unwrap() error }:
		collectConversionErrors(unwrapped.Unwrap(), result)
	}
}

// ExitCode maps an error to the tool's exit code.
//
// The outermost named error decides, unless it only has the generic conversion failure code. Then a more
// specific category further down the chain is used (e.g. a provisioning failure caused by a full disk).
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	for _, conversionError := range GetAllConversionErrors(err) {
		code := categoryExitCode(conversionError.Category())
		if code != ExitCodeConversionFailed {
			return code
		}
	}

	switch {
	case errors.Is(err, pve.ErrNotFound):
		return ExitCodeNotFound

	case errors.Is(err, fs.ErrPermission):
		return ExitCodePermission

	case errors.Is(err, joblock.ErrLocked):
		return ExitCodeBadInput
	}

	return ExitCodeConversionFailed
}

func categoryExitCode(category string) int {
	switch category {
	case CategoryValidation:
		return ExitCodeBadInput
	case CategoryNotFound:
		return ExitCodeNotFound
	case CategorySpace:
		return ExitCodeNoSpace
	case CategoryPermission:
		return ExitCodePermission
	case CategoryMigrate:
		return ExitCodeMigrationFailed
	default:
		return ExitCodeConversionFailed
	}
}

// Summary returns the primary failure reason: the outermost named error and, when different,
// the innermost one as the likely cause.
func Summary(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return ErrCancelled.Error()
	}

	conversionErrors := GetAllConversionErrors(err)
	if len(conversionErrors) == 0 {
		lines := strings.SplitN(err.Error(), "\n", 2)
		return lines[0]
	}

	outer := conversionErrors[0]
	inner := conversionErrors[len(conversionErrors)-1]
	if outer == inner {
		return outer.Error()
	}
	return outer.Error() + ": " + inner.Error()
}

// RemedyHint returns a suggested fix for the error's category.
func RemedyHint(err error) string {
	switch ExitCode(err) {
	case ExitCodeBadInput:
		return "check the command line options and the batch config file"
	case ExitCodeNotFound:
		return "check that the container and the storage exist (pct list, pvesm status)"
	case ExitCodeNoSpace:
		return "free up space on the host or pick another --workspace"
	case ExitCodePermission:
		return "run the tool as root on the host"
	case ExitCodeMigrationFailed:
		return "fix the copy error and run the same command again with --resume"
	default:
		return "see the log file for the failing tool's output"
	}
}
