// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmapi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"
)

const (
	// Guest IDs below 100 are reserved by the host.
	MinGuestId = 100
	MaxGuestId = 999999999

	// Network interface names are limited to IFNAMSIZ-1 characters.
	maxBridgeNameLength = 15
)

var (
	storageIdRegex  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9\-_.]*$`)
	bridgeNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.\-]*$`)
)

// JobOptions are the per-job settings. Unset fields are filled from the batch defaults and then from
// the tool settings.
type JobOptions struct {
	Name string `yaml:"name" json:"name,omitempty"`

	// Target storage for the VM disk.
	Storage string `yaml:"storage" json:"storage,omitempty"`
	// Explicit disk size. Mutually exclusive with shrink.
	DiskSize *DiskSize `yaml:"diskSize" json:"diskSize,omitempty"`
	// Derive the disk size by shrinking the container volume to its used space plus headroom.
	Shrink      *bool   `yaml:"shrink" json:"shrink,omitempty"`
	HeadroomGiB *uint64 `yaml:"headroomGiB" json:"headroomGiB,omitempty"`

	Format   ImageFormatType `yaml:"format" json:"format,omitempty"`
	Firmware FirmwareType    `yaml:"firmware" json:"firmware,omitempty"`
	Bridge   string          `yaml:"bridge" json:"bridge,omitempty"`

	MemoryMiB *uint64 `yaml:"memoryMiB" json:"memoryMiB,omitempty"`
	Cores     *int    `yaml:"cores" json:"cores,omitempty"`

	// Directory that will hold the temporary disk image.
	Workspace string `yaml:"workspace" json:"workspace,omitempty"`
	// Pre-seeded answer when several workspace candidates exist: a 1-based index or a path.
	WorkspaceChoice string `yaml:"workspaceChoice" json:"workspaceChoice,omitempty"`

	KeepNetwork   *bool `yaml:"keepNetwork" json:"keepNetwork,omitempty"`
	Snapshot      *bool `yaml:"snapshot" json:"snapshot,omitempty"`
	Rollback      *bool `yaml:"rollback" json:"rollback,omitempty"`
	DestroySource *bool `yaml:"destroySource" json:"destroySource,omitempty"`
	Resume        *bool `yaml:"resume" json:"resume,omitempty"`
	LiveCheck     *bool `yaml:"liveCheck" json:"liveCheck,omitempty"`
	Template      *bool `yaml:"template" json:"template,omitempty"`
	Start         *bool `yaml:"start" json:"start,omitempty"`

	ExportDir         string                `yaml:"exportDir" json:"exportDir,omitempty"`
	ExportCompression ExportCompressionType `yaml:"exportCompression" json:"exportCompression,omitempty"`
}

// JobConfig is a single container to VM conversion.
type JobConfig struct {
	ContainerId int `yaml:"ctid" json:"ctid" jsonschema:"required,minimum=100,maximum=999999999"`
	VmId        int `yaml:"vmid" json:"vmid" jsonschema:"required,minimum=100,maximum=999999999"`

	JobOptions `yaml:",inline" json:",inline"`
}

func (j *JobConfig) IsValid() error {
	err := IsValidGuestId(j.ContainerId)
	if err != nil {
		return fmt.Errorf("invalid 'ctid' value:\n%w", err)
	}

	err = IsValidGuestId(j.VmId)
	if err != nil {
		return fmt.Errorf("invalid 'vmid' value:\n%w", err)
	}

	if j.ContainerId == j.VmId {
		return fmt.Errorf("'ctid' and 'vmid' must be different (%d)", j.VmId)
	}

	err = j.JobOptions.IsValid()
	if err != nil {
		return fmt.Errorf("invalid options for container (%d):\n%w", j.ContainerId, err)
	}

	return nil
}

func (o *JobOptions) IsValid() error {
	if o.Name != "" && (!govalidator.IsDNSName(o.Name) || strings.Contains(o.Name, "_")) {
		return fmt.Errorf("invalid 'name' value (%s): must be a valid DNS name", o.Name)
	}

	if o.Storage != "" && !govalidator.Matches(o.Storage, storageIdRegex.String()) {
		return fmt.Errorf("invalid 'storage' value (%s)", o.Storage)
	}

	if o.Bridge != "" {
		if !govalidator.Matches(o.Bridge, bridgeNameRegex.String()) ||
			!govalidator.StringLength(o.Bridge, "1", strconv.Itoa(maxBridgeNameLength)) {
			return fmt.Errorf("invalid 'bridge' value (%s)", o.Bridge)
		}
	}

	if o.DiskSize != nil && isTrue(o.Shrink) {
		return fmt.Errorf("'diskSize' and 'shrink' cannot both be specified")
	}

	if o.DiskSize != nil && *o.DiskSize == 0 {
		return fmt.Errorf("'diskSize' must be larger than zero")
	}

	err := o.Format.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'format' value:\n%w", err)
	}

	err = o.Firmware.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'firmware' value:\n%w", err)
	}

	err = o.ExportCompression.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'exportCompression' value:\n%w", err)
	}

	if o.ExportCompression != ExportCompressionTypeDefault && o.ExportCompression != ExportCompressionTypeNone &&
		o.ExportDir == "" {
		return fmt.Errorf("'exportCompression' requires 'exportDir'")
	}

	if isTrue(o.Rollback) && o.Snapshot != nil && !*o.Snapshot {
		return fmt.Errorf("'rollback' requires 'snapshot'")
	}

	if o.MemoryMiB != nil && *o.MemoryMiB == 0 {
		return fmt.Errorf("'memoryMiB' must be larger than zero")
	}

	if o.Cores != nil && *o.Cores <= 0 {
		return fmt.Errorf("'cores' must be larger than zero")
	}

	return nil
}

// IsValidGuestId checks that an ID is in the range the host accepts for containers and VMs.
func IsValidGuestId(id int) error {
	if id < MinGuestId || id > MaxGuestId {
		return fmt.Errorf("ID (%d) must be between %d and %d", id, MinGuestId, MaxGuestId)
	}
	return nil
}

// MergeJobOptions returns the options with every unset field taken from defaults.
func MergeJobOptions(options JobOptions, defaults JobOptions) JobOptions {
	merged := options

	mergeString(&merged.Name, defaults.Name)
	mergeString(&merged.Storage, defaults.Storage)
	mergeString(&merged.Bridge, defaults.Bridge)
	mergeString(&merged.Workspace, defaults.Workspace)
	mergeString(&merged.WorkspaceChoice, defaults.WorkspaceChoice)
	mergeString(&merged.ExportDir, defaults.ExportDir)
	mergeString(&merged.Format, defaults.Format)
	mergeString(&merged.Firmware, defaults.Firmware)
	mergeString(&merged.ExportCompression, defaults.ExportCompression)

	// An explicit disk size on the job wins over a shrink default, and the other way around.
	if merged.DiskSize == nil && merged.Shrink == nil {
		merged.DiskSize = defaults.DiskSize
		merged.Shrink = defaults.Shrink
	}

	mergePtr(&merged.HeadroomGiB, defaults.HeadroomGiB)
	mergePtr(&merged.MemoryMiB, defaults.MemoryMiB)
	mergePtr(&merged.Cores, defaults.Cores)
	mergePtr(&merged.KeepNetwork, defaults.KeepNetwork)
	mergePtr(&merged.Snapshot, defaults.Snapshot)
	mergePtr(&merged.Rollback, defaults.Rollback)
	mergePtr(&merged.DestroySource, defaults.DestroySource)
	mergePtr(&merged.Resume, defaults.Resume)
	mergePtr(&merged.LiveCheck, defaults.LiveCheck)
	mergePtr(&merged.Template, defaults.Template)
	mergePtr(&merged.Start, defaults.Start)

	return merged
}

func mergeString[T ~string](value *T, fallback T) {
	if *value == "" {
		*value = fallback
	}
}

func mergePtr[T any](value **T, fallback *T) {
	if *value == nil {
		*value = fallback
	}
}

func isTrue(value *bool) bool {
	return value != nil && *value
}

// ParseJobPair parses a "ctid:vmid" pair.
func ParseJobPair(pair string) (JobConfig, error) {
	ctidString, vmidString, found := strings.Cut(strings.TrimSpace(pair), ":")
	if !found {
		return JobConfig{}, fmt.Errorf("invalid job pair (%s): expected format <ctid>:<vmid>", pair)
	}

	ctid, err := strconv.Atoi(ctidString)
	if err != nil {
		return JobConfig{}, fmt.Errorf("invalid container ID in job pair (%s):\n%w", pair, err)
	}

	vmid, err := strconv.Atoi(vmidString)
	if err != nil {
		return JobConfig{}, fmt.Errorf("invalid VM ID in job pair (%s):\n%w", pair, err)
	}

	return JobConfig{
		ContainerId: ctid,
		VmId:        vmid,
	}, nil
}

// ParseJobPairs parses a comma separated list of "ctid:vmid" pairs.
func ParseJobPairs(pairs string) ([]JobConfig, error) {
	jobs := []JobConfig(nil)
	for _, pair := range strings.Split(pairs, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}

		job, err := ParseJobPair(pair)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		return nil, fmt.Errorf("no job pairs specified")
	}

	return jobs, nil
}
