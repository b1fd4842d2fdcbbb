// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmapi

import (
	"fmt"
)

const (
	MaxBatchParallel = 64
)

// BatchConfig is a list of conversions run with bounded parallelism.
type BatchConfig struct {
	// Maximum number of conversions running at the same time. 0 uses the tool setting.
	Parallel int `yaml:"parallel" json:"parallel,omitempty" jsonschema:"minimum=0,maximum=64"`
	// Options applied to every job that doesn't set them.
	Defaults JobOptions  `yaml:"defaults" json:"defaults,omitempty"`
	Jobs     []JobConfig `yaml:"jobs" json:"jobs" jsonschema:"required,minItems=1"`
}

func (b *BatchConfig) IsValid() error {
	if b.Parallel < 0 || b.Parallel > MaxBatchParallel {
		return fmt.Errorf("invalid 'parallel' value (%d): must be between 0 and %d", b.Parallel, MaxBatchParallel)
	}

	err := b.Defaults.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'defaults' field:\n%w", err)
	}

	if len(b.Jobs) == 0 {
		return fmt.Errorf("'jobs' must contain at least one job")
	}

	// A container or VM ID may only be used by one job since each job holds the ID exclusively.
	usedIds := make(map[int]int)
	for i, job := range b.ResolvedJobs() {
		err := job.IsValid()
		if err != nil {
			return fmt.Errorf("invalid 'jobs' item at index %d:\n%w", i, err)
		}

		for _, id := range []int{job.ContainerId, job.VmId} {
			if otherIndex, found := usedIds[id]; found {
				return fmt.Errorf("ID (%d) is used by both job %d and job %d", id, otherIndex, i)
			}
			usedIds[id] = i
		}
	}

	return nil
}

// ResolvedJobs returns the jobs with the batch defaults applied.
func (b *BatchConfig) ResolvedJobs() []JobConfig {
	jobs := make([]JobConfig, 0, len(b.Jobs))
	for _, job := range b.Jobs {
		job.JobOptions = MergeJobOptions(job.JobOptions, b.Defaults)
		jobs = append(jobs, job)
	}
	return jobs
}
