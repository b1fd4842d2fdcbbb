// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"time"
)

const (
	snapshotNamePrefix      = "ct2vm_"
	snapshotTimestampFormat = "20060102150405"
)

// SnapshotHandle tracks the safety snapshot of the source container.
// Once Created is set, the snapshot must be rolled back to, deleted, or reported as retained before the job ends.
type SnapshotHandle struct {
	Name    string
	Created bool
}

func newSnapshotHandle(now time.Time) *SnapshotHandle {
	return &SnapshotHandle{
		Name: SnapshotName(now),
	}
}

// SnapshotName returns the snapshot name for the given time, e.g. ct2vm_20250131235959.
func SnapshotName(now time.Time) string {
	return snapshotNamePrefix + now.UTC().Format(snapshotTimestampFormat)
}
