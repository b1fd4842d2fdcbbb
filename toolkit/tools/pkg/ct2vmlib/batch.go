// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

const (
	batchMetricsFileName = "ct2vm.prom"
	batchReasonUnknown   = "Unknown"
)

var errJobPanicked = errors.New("conversion job panicked")

type jobConverter interface {
	Preflight(ctx context.Context, job *ConversionJob) error
	Convert(ctx context.Context, job *ConversionJob) (*ConversionResult, error)
}

// BatchJobOutcome is the result of one job of a batch.
type BatchJobOutcome struct {
	ContainerId int
	VmId        int
	Result      *ConversionResult
	Err         error
}

func (o *BatchJobOutcome) Succeeded() bool {
	return o.Err == nil
}

// failureReason is the name of the outermost conversion error.
func (o *BatchJobOutcome) failureReason() string {
	conversionErrors := GetAllConversionErrors(o.Err)
	if len(conversionErrors) == 0 {
		return batchReasonUnknown
	}
	return conversionErrors[0].Name()
}

// BatchSummary aggregates the outcomes of a batch. Jobs are listed in the batch's order.
type BatchSummary struct {
	Jobs      []BatchJobOutcome
	Succeeded int
	Failed    int
	// Failed jobs counted by the stage they failed in.
	FailedStages map[Stage]int
	// Failed jobs counted by error name.
	FailureReasons map[string]int

	Duration       time.Duration
	MeanDuration   time.Duration
	StdDevDuration time.Duration
	// The highest number of jobs that ran at the same time.
	MaxRunning int
}

// Err joins the errors of all failed jobs.
func (s *BatchSummary) Err() error {
	errs := []error(nil)
	for _, job := range s.Jobs {
		if job.Err != nil {
			errs = append(errs, fmt.Errorf("job (%s):\n%w", jobKey(job.ContainerId, job.VmId), job.Err))
		}
	}
	return errors.Join(errs...)
}

// ExitCode is the exit code shared by all failed jobs, or the generic conversion failure code when they differ.
func (s *BatchSummary) ExitCode() int {
	code := ExitCodeSuccess
	for _, job := range s.Jobs {
		if job.Err == nil {
			continue
		}

		jobCode := ExitCode(job.Err)
		if code != ExitCodeSuccess && code != jobCode {
			return ExitCodeConversionFailed
		}
		code = jobCode
	}
	return code
}

// BatchCoordinator runs conversion jobs concurrently. No more than the parallelism bound run at any time.
type BatchCoordinator struct {
	converter  jobConverter
	parallel   int
	metricsDir string

	running    atomic.Int32
	maxRunning atomic.Int32
}

func NewBatchCoordinator(converter *Converter, parallel int, metricsDir string) *BatchCoordinator {
	return newBatchCoordinator(converter, parallel, metricsDir)
}

func newBatchCoordinator(converter jobConverter, parallel int, metricsDir string) *BatchCoordinator {
	return &BatchCoordinator{
		converter:  converter,
		parallel:   max(parallel, 1),
		metricsDir: metricsDir,
	}
}

// Running returns the number of jobs currently converting.
func (b *BatchCoordinator) Running() int {
	return int(b.running.Load())
}

// Run checks every job, then converts them with bounded parallelism. A failing job doesn't stop the others.
//
// The returned error covers problems of the batch itself (failed preflight, pool errors). Job failures are
// reported in the summary.
func (b *BatchCoordinator) Run(ctx context.Context, jobs []*ConversionJob) (*BatchSummary, error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "convert_batch")
	span.SetAttributes(
		attribute.Int("jobs", len(jobs)),
		attribute.Int("parallel", b.parallel),
	)
	defer span.End()

	err := b.preflight(ctx, jobs)
	if err != nil {
		return nil, err
	}

	logger.Log.Infof("Converting %d containers, %d at a time", len(jobs), b.parallel)

	startTime := time.Now()
	outcomes, err := b.runJobs(ctx, jobs)
	if err != nil {
		return nil, err
	}

	summary := summarizeBatch(outcomes)
	summary.Duration = time.Since(startTime)
	summary.MaxRunning = int(b.maxRunning.Load())

	span.SetAttributes(
		attribute.Int("succeeded", summary.Succeeded),
		attribute.Int("failed", summary.Failed),
	)

	if b.metricsDir != "" {
		err = writeBatchMetrics(b.metricsDir, summary)
		if err != nil {
			logger.Log.Warnf("Failed to write batch metrics: %v", err)
		}
	}

	return summary, nil
}

// preflight checks all jobs concurrently before any of them starts.
func (b *BatchCoordinator) preflight(ctx context.Context, jobs []*ConversionJob) error {
	errs := make([]error, len(jobs))

	group := errgroup.Group{}
	group.SetLimit(b.parallel)
	for i, job := range jobs {
		group.Go(func() error {
			err := b.converter.Preflight(ctx, job)
			if err != nil {
				errs[i] = fmt.Errorf("job (%s):\n%w", job.Key(), err)
			}
			return nil
		})
	}
	_ = group.Wait()

	err := errors.Join(errs...)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrBatchPreflight, err)
	}
	return nil
}

func (b *BatchCoordinator) runJobs(ctx context.Context, jobs []*ConversionJob) ([]BatchJobOutcome, error) {
	outcomes := make([]BatchJobOutcome, len(jobs))
	for i, job := range jobs {
		outcomes[i] = BatchJobOutcome{ContainerId: job.ContainerId, VmId: job.VmId}
	}

	pool, err := ants.NewPool(b.parallel,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(p any) {
			logger.Log.Errorf("Conversion job panicked: %v", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job pool:\n%w", err)
	}
	defer pool.Release()

	wg := sync.WaitGroup{}
	for i, job := range jobs {
		outcome := &outcomes[i]
		outcome.Err = fmt.Errorf("%w (job did not run)", ErrCancelled)

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()

			// Jobs still queued when the batch is interrupted never start.
			if ctx.Err() != nil {
				outcome.Err = fmt.Errorf("%w (job did not start):\n%w", ErrCancelled, ctx.Err())
				return
			}

			b.enterJob()
			defer b.running.Add(-1)

			outcome.Err = errJobPanicked
			outcome.Result, outcome.Err = b.converter.Convert(ctx, job)
		})
		if err != nil {
			wg.Done()
			outcome.Err = fmt.Errorf("failed to queue job:\n%w", err)
		}
	}
	wg.Wait()

	return outcomes, nil
}

func (b *BatchCoordinator) enterJob() {
	running := b.running.Add(1)
	for {
		highest := b.maxRunning.Load()
		if running <= highest || b.maxRunning.CompareAndSwap(highest, running) {
			return
		}
	}
}

func summarizeBatch(outcomes []BatchJobOutcome) *BatchSummary {
	summary := &BatchSummary{
		Jobs:           outcomes,
		FailedStages:   make(map[Stage]int),
		FailureReasons: make(map[string]int),
	}

	durations := []float64(nil)
	for _, outcome := range outcomes {
		if outcome.Result != nil {
			durations = append(durations, outcome.Result.Duration.Seconds())
		}

		if outcome.Succeeded() {
			summary.Succeeded++
			continue
		}

		summary.Failed++
		summary.FailureReasons[outcome.failureReason()]++

		stage := StageInit
		if outcome.Result != nil && outcome.Result.FailedStage != "" {
			stage = outcome.Result.FailedStage
		}
		summary.FailedStages[stage]++
	}

	if len(durations) > 0 {
		mean, stdDev := stat.MeanStdDev(durations, nil)
		if len(durations) == 1 {
			stdDev = 0
		}
		summary.MeanDuration = time.Duration(mean * float64(time.Second))
		summary.StdDevDuration = time.Duration(stdDev * float64(time.Second))
	}

	return summary
}

// FailedStagesSorted lists the failure stages in stage order.
func (s *BatchSummary) FailedStagesSorted() []Stage {
	stages := []Stage(nil)
	for _, stage := range stageOrder {
		if s.FailedStages[stage] > 0 {
			stages = append(stages, stage)
		}
	}
	return stages
}

// FailureReasonsSorted lists the failure reasons by name.
func (s *BatchSummary) FailureReasonsSorted() []string {
	reasons := make([]string, 0, len(s.FailureReasons))
	for reason := range s.FailureReasons {
		reasons = append(reasons, reason)
	}
	slices.Sort(reasons)
	return reasons
}

// writeBatchMetrics writes the batch outcome in the node exporter's textfile format.
func writeBatchMetrics(dir string, summary *BatchSummary) error {
	registry := prometheus.NewRegistry()

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ct2vm",
		Name:      "jobs_total",
		Help:      "Conversion jobs of the last batch by result.",
	}, []string{"result"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ct2vm",
		Name:      "job_failures_total",
		Help:      "Failed conversion jobs of the last batch by failed stage.",
	}, []string{"stage"})

	stageDurations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ct2vm",
		Name:      "stage_duration_seconds",
		Help:      "Duration of conversion stages.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"stage"})

	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ct2vm",
		Name:      "batch_last_run_timestamp_seconds",
		Help:      "Time the last batch finished.",
	})

	registry.MustRegister(jobs, failures, stageDurations, lastRun)

	jobs.WithLabelValues("succeeded").Add(float64(summary.Succeeded))
	jobs.WithLabelValues("failed").Add(float64(summary.Failed))
	for stage, count := range summary.FailedStages {
		failures.WithLabelValues(string(stage)).Add(float64(count))
	}
	for _, outcome := range summary.Jobs {
		if outcome.Result == nil {
			continue
		}
		for stage, duration := range outcome.Result.StageDurations {
			stageDurations.WithLabelValues(string(stage)).Observe(duration.Seconds())
		}
	}
	lastRun.SetToCurrentTime()

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create metrics directory (%s):\n%w", dir, err)
	}

	return prometheus.WriteToTextfile(filepath.Join(dir, batchMetricsFileName), registry)
}
