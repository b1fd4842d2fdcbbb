// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

// Stage is a state of the conversion state machine.
type Stage string

const (
	StageInit            Stage = "init"
	StageSnapshot        Stage = "snapshot"
	StageShrink          Stage = "shrink"
	StageWorkspaceSelect Stage = "workspace-select"
	StageDiskProvision   Stage = "disk-provision"
	StageMigrate         Stage = "migrate"
	StageBootInject      Stage = "boot-inject"
	StageVmProvision     Stage = "vm-provision"
	StageValidate        Stage = "validate"
	StageLiveCheck       Stage = "live-check"
	StageRemediate       Stage = "remediate"
	StageExport          Stage = "export"
	StageTemplate        Stage = "template"
	StageDestroySource   Stage = "destroy-source"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// stageOrder is the fixed order stages run in. Optional stages are skipped, never reordered.
var stageOrder = []Stage{
	StageInit,
	StageSnapshot,
	StageShrink,
	StageWorkspaceSelect,
	StageDiskProvision,
	StageMigrate,
	StageBootInject,
	StageVmProvision,
	StageValidate,
	StageLiveCheck,
	StageRemediate,
	StageExport,
	StageTemplate,
	StageDestroySource,
}

// IsResumable reports whether a failure in the stage keeps its progress for a later resume.
// Only the filesystem copy can be resumed.
func (s Stage) IsResumable() bool {
	return s == StageMigrate
}
