// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"fmt"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/imagegen/diskutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
)

const (
	// MinimumDiskSize is the smallest size a shrunk volume or a derived VM disk may have.
	MinimumDiskSize = 2 * diskutils.GiB

	// ShrinkRetryIncrement is added to the target size after each failed shrink attempt.
	ShrinkRetryIncrement = 2 * diskutils.GiB

	MaxShrinkAttempts = 5

	minMetadataMargin     = 512 * diskutils.MiB
	metadataMarginPercent = 5
)

// ShrinkPlan is the sizing decision for one job's source volume.
type ShrinkPlan struct {
	UsedBytes           uint64
	MetadataMarginBytes uint64
	HeadroomBytes       uint64
	// The size of the next shrink attempt. Increased after each failed attempt.
	TargetSize        uint64
	AttemptCount      int
	FilesystemMinimum uint64
}

// ShrinkResult is the outcome of RunShrink.
type ShrinkResult struct {
	// Skipped is set when the volume was already small enough and nothing was changed.
	Skipped      bool
	OriginalSize uint64
	AchievedSize uint64
	SavedBytes   uint64
	Attempts     int
}

// VolumeResizer changes the size of a volume together with its filesystem.
type VolumeResizer interface {
	// Shrink resizes the volume and its filesystem to sizeBytes.
	// On failure, the volume must be left at its original size.
	Shrink(ctx context.Context, sizeBytes uint64) error
}

// ComputeShrinkPlan computes the target size for a filesystem with usedBytes of data.
//
//	margin = max(5% of used, 512 MiB), rounded up to a whole GiB
//	target = used + margin + headroom, rounded up to a whole GiB
//
// The target is raised to the filesystem's own minimum (if known) and to MinimumDiskSize.
func ComputeShrinkPlan(usedBytes uint64, headroomGiB uint64, filesystemMinimum uint64) ShrinkPlan {
	margin := max(usedBytes*metadataMarginPercent/100, minMetadataMargin)
	margin = roundUpGiB(margin)

	headroom := headroomGiB * diskutils.GiB

	target := roundUpGiB(usedBytes + margin + headroom)
	if filesystemMinimum > 0 {
		target = max(target, roundUpGiB(filesystemMinimum))
	}
	target = max(target, MinimumDiskSize)

	return ShrinkPlan{
		UsedBytes:           usedBytes,
		MetadataMarginBytes: margin,
		HeadroomBytes:       headroom,
		TargetSize:          target,
		FilesystemMinimum:   filesystemMinimum,
	}
}

// RunShrink shrinks a volume of currentSize bytes to the plan's target size.
//
// A failed attempt is retried with the target increased by ShrinkRetryIncrement, up to MaxShrinkAttempts in
// total. If the target is not smaller than the current size, nothing is done. That also applies when a retry
// raises the target to the current size: the volume keeps its size and the job continues with it.
func RunShrink(ctx context.Context, plan *ShrinkPlan, currentSize uint64, resizer VolumeResizer,
) (ShrinkResult, error) {
	if plan.TargetSize >= currentSize {
		logger.Log.Infof("Volume is already small enough (current: %s, target: %s), skipping shrink",
			humanSize(currentSize), humanSize(plan.TargetSize))
		return ShrinkResult{
			Skipped:      true,
			OriginalSize: currentSize,
			AchievedSize: currentSize,
		}, nil
	}

	var lastErr error
	for plan.AttemptCount < MaxShrinkAttempts {
		if plan.TargetSize >= currentSize {
			logger.Log.Warnf("Shrink target (%s) reached the current volume size, keeping the current size",
				humanSize(plan.TargetSize))
			return ShrinkResult{
				Skipped:      true,
				OriginalSize: currentSize,
				AchievedSize: currentSize,
				Attempts:     plan.AttemptCount,
			}, nil
		}

		err := ctx.Err()
		if err != nil {
			return ShrinkResult{}, err
		}

		plan.AttemptCount++
		logger.Log.Infof("Shrinking volume from %s to %s (attempt %d of %d)", humanSize(currentSize),
			humanSize(plan.TargetSize), plan.AttemptCount, MaxShrinkAttempts)

		lastErr = resizer.Shrink(ctx, plan.TargetSize)
		if lastErr == nil {
			return ShrinkResult{
				OriginalSize: currentSize,
				AchievedSize: plan.TargetSize,
				SavedBytes:   currentSize - plan.TargetSize,
				Attempts:     plan.AttemptCount,
			}, nil
		}

		logger.Log.Warnf("Shrink attempt %d to %s failed: %v", plan.AttemptCount, humanSize(plan.TargetSize),
			lastErr)

		if plan.AttemptCount < MaxShrinkAttempts {
			plan.TargetSize += ShrinkRetryIncrement
		}
	}

	return ShrinkResult{}, fmt.Errorf("%w (%d attempts, last target %s):\n%w", ErrShrinkExhausted,
		plan.AttemptCount, humanSize(plan.TargetSize), lastErr)
}

// DeriveVmDiskSize returns the VM disk size needed for a root filesystem of rootfsSize bytes.
// The result includes the partition table and the EFI system partition and is a whole number of GiB.
func DeriveVmDiskSize(rootfsSize uint64, uefi bool) uint64 {
	// Partitions start at 1 MiB and GPT keeps a backup header at the end of the disk.
	overhead := uint64(2 * diskutils.MiB)
	if uefi {
		overhead += efiPartitionSizeMiB * diskutils.MiB
	}

	return max(roundUpGiB(rootfsSize+overhead), MinimumDiskSize)
}

func roundUpGiB(size uint64) uint64 {
	return (size + diskutils.GiB - 1) / diskutils.GiB * diskutils.GiB
}

func humanSize(size uint64) string {
	switch {
	case size >= diskutils.GiB && size%diskutils.GiB == 0:
		return fmt.Sprintf("%d GiB", size/diskutils.GiB)
	case size >= diskutils.GiB:
		return fmt.Sprintf("%.2f GiB", float64(size)/diskutils.GiB)
	case size >= diskutils.MiB:
		return fmt.Sprintf("%.1f MiB", float64(size)/diskutils.MiB)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}
