// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"fmt"
	"os"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/pkg/ct2vmlib"
)

type BatchCmd struct {
	ConfigFile string `name:"config-file" type:"existingfile" help:"Path of the batch config file." xor:"jobs" required:""`
	Pairs      string `name:"pairs" placeholder:"CTID:VMID,..." help:"Comma separated list of container and VM ID pairs." xor:"jobs" required:""`
	Parallel   int    `name:"parallel" help:"Maximum number of conversions running at the same time."`
	JobFlags
}

// batchConfig builds the batch from the config file or the ID pairs. Options given on the command line
// override the file's defaults.
func (c *BatchCmd) batchConfig() (*ct2vmapi.BatchConfig, error) {
	options, err := c.AsJobOptions()
	if err != nil {
		return nil, err
	}

	config := &ct2vmapi.BatchConfig{}
	if c.ConfigFile != "" {
		err = ct2vmapi.UnmarshalAndValidateYamlFile(c.ConfigFile, config)
		if err != nil {
			return nil, fmt.Errorf("%w:\ninvalid batch config file (%s):\n%w", ct2vmlib.ErrInvalidJob, c.ConfigFile, err)
		}
	} else {
		config.Jobs, err = ct2vmapi.ParseJobPairs(c.Pairs)
		if err != nil {
			return nil, fmt.Errorf("%w:\n%w", ct2vmlib.ErrInvalidJob, err)
		}
	}

	config.Defaults = ct2vmapi.MergeJobOptions(options, config.Defaults)
	if c.Parallel != 0 {
		config.Parallel = c.Parallel
	}

	err = config.IsValid()
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ct2vmlib.ErrInvalidJob, err)
	}

	return config, nil
}

func (c *BatchCmd) Run(app *appContext) error {
	config, err := c.batchConfig()
	if err != nil {
		return err
	}

	jobs := []*ct2vmlib.ConversionJob(nil)
	for _, jobConfig := range config.ResolvedJobs() {
		job, err := ct2vmlib.NewConversionJob(jobConfig, app.settings)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}

	parallel := config.Parallel
	if parallel == 0 {
		parallel = app.settings.Batch.Parallel
	}

	coordinator := ct2vmlib.NewBatchCoordinator(app.newConverter(), parallel,
		app.settings.Batch.MetricsTextfileDir)

	summary, err := coordinator.Run(app.ctx, jobs)
	if err != nil {
		return err
	}

	app.printBatchSummary(summary)

	if summary.Failed > 0 {
		return &exitCodeError{code: summary.ExitCode(), err: summary.Err()}
	}
	return nil
}

func (a *appContext) printBatchSummary(summary *ct2vmlib.BatchSummary) {
	for _, outcome := range summary.Jobs {
		if outcome.Result != nil {
			a.printResult(outcome.Result)
		}
		if !outcome.Succeeded() {
			fmt.Fprintf(os.Stderr, "  Error: %s\n", ct2vmlib.Summary(outcome.Err))
		}
	}

	fmt.Println()
	a.colors.heading.Printf("Batch finished in %s: %d succeeded, %d failed\n", roundDuration(summary.Duration),
		summary.Succeeded, summary.Failed)
	fmt.Printf("  Job duration: mean %s, standard deviation %s\n", roundDuration(summary.MeanDuration),
		roundDuration(summary.StdDevDuration))
	fmt.Printf("  Jobs running at the same time: up to %d\n", summary.MaxRunning)

	if summary.Failed == 0 {
		return
	}

	a.colors.failure.Fprintf(os.Stderr, "Failures by stage:\n")
	for _, stage := range summary.FailedStagesSorted() {
		fmt.Fprintf(os.Stderr, "  %s: %d\n", stage, summary.FailedStages[stage])
	}

	a.colors.failure.Fprintf(os.Stderr, "Failures by reason:\n")
	for _, reason := range summary.FailureReasonsSorted() {
		fmt.Fprintf(os.Stderr, "  %s: %d\n", reason, summary.FailureReasons[reason])
	}

	a.printLogPath()
}
