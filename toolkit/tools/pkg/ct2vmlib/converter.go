// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/hostmounts"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/joblock"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/settings"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/sliceutils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	OtelTracerName = "ct2vmlib"

	cleanupContainerMount = "container-mount"
	cleanupWorkspaceDir   = "workspace-dir"

	snapshotDescription = "ct2vm safety snapshot"
)

// Version specifies the version of the ct2vm tool.
// The value of this string is inserted during compilation via a linker flag.
var ToolVersion = ""

// sourceUsage is the measured state of the container's mounted root filesystem.
type sourceUsage struct {
	UsedBytes uint64
	FsType    string
}

// conversionSteps are the parts of a conversion that work directly on the host's block devices and mounts.
type conversionSteps struct {
	checkPrivileges func() error
	measureSource   func(root string) (sourceUsage, error)
	openVolume      func(storageType string, path string) (shrinkableVolume, error)
	selectWorkspace func(request WorkspaceRequest) (string, error)
	provisionDisk   func(ctx context.Context, imagePath string, mountDir string, sizeBytes uint64,
		firmware ct2vmapi.FirmwareType, format ct2vmapi.ImageFormatType, cleanup *cleanupStack) (*DiskImage, error)
	attachDisk func(ctx context.Context, imagePath string, mountDir string, firmware ct2vmapi.FirmwareType,
		format ct2vmapi.ImageFormatType, cleanup *cleanupStack) (*DiskImage, error)
	migrate        func(ctx context.Context, sourceRoot string, destRoot string, partialDir string, log *logrus.Entry) error
	shiftOwnership func(ctx context.Context, root string, shifter *idShifter) (int, error)
	injectBoot     func(ctx context.Context, disk *DiskImage, keepNetwork bool, cleanup *cleanupStack) (BootInfo, error)
	releaseDisk    func(ctx context.Context, disk *DiskImage, cleanup *cleanupStack) error
	leakedMounts   func(dir string) ([]hostmounts.Mount, error)
}

func defaultConversionSteps(s *settings.Settings) conversionSteps {
	return conversionSteps{
		checkPrivileges: checkRoot,
		measureSource:   measureSourceUsage,
		openVolume: func(storageType string, path string) (shrinkableVolume, error) {
			return newShrinkableVolume(storageType, path, runHostCommand)
		},
		selectWorkspace: newWorkspaceSelector(s.Workspace.ExcludePrefixes).Select,
		provisionDisk:   provisionDisk,
		attachDisk:      attachDisk,
		migrate:         migrateFilesystem,
		shiftOwnership:  shiftOwnership,
		injectBoot:      newBootInjector().inject,
		releaseDisk:     releaseDisk,
		leakedMounts:    hostmounts.MountsUnder,
	}
}

// Converter runs conversion jobs against a host. It is safe for concurrent use by jobs with distinct IDs.
type Converter struct {
	settings    *settings.Settings
	containers  pve.ContainerControl
	storage     pve.StorageManager
	vms         pve.VmControl
	resumeStore *ResumeStore
	health      *healthValidator
	remediator  *remediator
	exporter    *diskExporter
	steps       conversionSteps
	now         func() time.Time
}

func NewConverter(s *settings.Settings, containers pve.ContainerControl, storage pve.StorageManager,
	vms pve.VmControl,
) *Converter {
	health := &healthValidator{
		vms:               vms,
		agentTimeout:      s.Health.AgentTimeout,
		agentPollInterval: s.Health.AgentPollInterval,
	}

	return &Converter{
		settings:    s,
		containers:  containers,
		storage:     storage,
		vms:         vms,
		resumeStore: NewResumeStore(s.Paths.StateDir),
		health:      health,
		remediator:  newRemediator(vms, storage, health),
		exporter:    newDiskExporter(storage),
		steps:       defaultConversionSteps(s),
		now:         time.Now,
	}
}

func (c *Converter) ResumeStore() *ResumeStore {
	return c.resumeStore
}

// ConversionResult is the outcome of one job.
type ConversionResult struct {
	ContainerId int
	VmId        int

	// Stages that ran, in order. Skipped optional stages are not listed.
	Stages []Stage
	// StageDone or StageFailed.
	State       Stage
	FailedStage Stage
	Err         error

	Duration       time.Duration
	StageDurations map[Stage]time.Duration

	DiskSize      uint64
	Shrink        *ShrinkResult
	WorkspacePath string
	Boot          BootInfo
	Vm            ProvisionedVm
	Health        *HealthReport
	ExportPath    string

	Snapshot         *SnapshotHandle
	SnapshotRetained bool
	RolledBack       bool
	ResumeSaved      bool
	SourceDestroyed  bool

	// Problems that didn't fail the job.
	Warnings []string
}

func (r *ConversionResult) Succeeded() bool {
	return r.State == StageDone
}

// conversion is the state of one running job.
type conversion struct {
	*Converter
	job     *ConversionJob
	baseLog *logrus.Entry
	log     *logrus.Entry
	cleanup *cleanupStack
	result  *ConversionResult

	locks         []*joblock.Lock
	config        pve.ContainerConfig
	sourceRunning bool
	source        sourceUsage
	resumeState   *ResumeState
	jobDir        string
	disk          *DiskImage
	keepWorkspace bool
	stage         Stage
}

type conversionStage struct {
	stage   Stage
	enabled func() bool
	run     func(ctx context.Context) error
}

// Convert runs a job through every stage. The result is always returned, also when the job failed.
//
// Every exit path releases the job's mounts, loop devices and workspace. A failed job rolls the source
// container back to its snapshot (if requested) and restarts it if it was running.
func (c *Converter) Convert(ctx context.Context, job *ConversionJob) (result *ConversionResult, err error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "convert_container")
	span.SetAttributes(
		attribute.Int("ctid", job.ContainerId),
		attribute.Int("vmid", job.VmId),
		attribute.String("firmware", string(job.Firmware)),
		attribute.String("format", string(job.ImageFormat)),
	)
	defer func() {
		if err != nil {
			errorNames := []string{"Unset"}
			if namedErrors := GetAllConversionErrors(err); len(namedErrors) > 0 {
				errorNames = make([]string, len(namedErrors))
				for i, namedError := range namedErrors {
					errorNames[i] = namedError.Name()
				}
			}
			span.SetAttributes(
				attribute.StringSlice("errors.name", errorNames),
			)
			span.SetStatus(codes.Error, errorNames[len(errorNames)-1])
		}
		span.End()
	}()

	log := logger.Log.WithFields(logrus.Fields{
		"ctid": job.ContainerId,
		"vmid": job.VmId,
	})

	conv := &conversion{
		Converter: c,
		job:       job,
		baseLog:   log,
		log:       log,
		cleanup:   newCleanupStack(log),
		result: &ConversionResult{
			ContainerId:    job.ContainerId,
			VmId:           job.VmId,
			StageDurations: make(map[Stage]time.Duration),
		},
	}
	defer conv.releaseLocks()

	startTime := c.now()

	err = conv.run(ctx)
	err = conv.finish(ctx, err)

	conv.result.Duration = c.now().Sub(startTime)
	conv.result.Err = err
	if err != nil {
		conv.result.State = StageFailed
		conv.baseLog.Errorf("Conversion failed in stage (%s): %s", conv.result.FailedStage, Summary(err))
	} else {
		conv.result.State = StageDone
		conv.baseLog.Infof("Conversion finished in %s", conv.result.Duration.Round(time.Second))
	}

	return conv.result, err
}

func (c *conversion) stages() []conversionStage {
	always := func() bool { return true }
	return []conversionStage{
		{StageInit, always, c.initialize},
		{StageSnapshot, func() bool { return c.job.Snapshot }, c.snapshot},
		{StageShrink, func() bool { return c.job.Shrink && c.resumeState == nil }, c.shrink},
		{StageWorkspaceSelect, always, c.selectWorkspace},
		{StageDiskProvision, always, c.provisionDisk},
		{StageMigrate, always, c.migrate},
		{StageBootInject, always, c.injectBoot},
		{StageVmProvision, always, c.provisionVm},
		{StageValidate, always, c.validate},
		{StageLiveCheck, func() bool { return c.job.LiveCheck }, c.liveCheck},
		{StageRemediate, c.needsRemediation, c.remediate},
		{StageExport, func() bool { return c.job.ExportDir != "" }, c.export},
		{StageTemplate, func() bool { return c.job.Template }, c.template},
		{StageDestroySource, func() bool { return c.job.DestroySource }, c.destroySource},
	}
}

// run executes the enabled stages in order. A panicking stage fails the job like a returned error, so that
// the caller still releases the job's resources and restores the source container.
func (c *conversion) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.result.FailedStage = c.stage
			c.baseLog.Debugf("Stage (%s) panicked:\n%s", c.stage, debug.Stack())
			err = fmt.Errorf("%w (stage %s):\n%v", ErrStagePanicked, c.stage, r)
		}
	}()

	for _, stage := range c.stages() {
		if !stage.enabled() {
			continue
		}

		err := c.runStage(ctx, stage.stage, stage.run)
		if err != nil {
			return err
		}
	}

	return c.applyVmPowerState(ctx)
}

func (c *conversion) runStage(ctx context.Context, stage Stage, fn func(ctx context.Context) error) error {
	if ctx.Err() != nil {
		c.result.FailedStage = stage
		return fmt.Errorf("%w (before stage %s):\n%w", ErrCancelled, stage, ctx.Err())
	}

	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx,
		"stage_"+strings.ReplaceAll(string(stage), "-", "_"))
	defer span.End()

	c.stage = stage
	c.result.Stages = append(c.result.Stages, stage)
	c.log = c.baseLog.WithField("stage", stage)
	c.log.Infof("Entering stage (%s)", stage)

	start := c.now()
	err := fn(ctx)
	c.result.StageDurations[stage] = c.now().Sub(start)
	if err != nil {
		c.result.FailedStage = stage
		span.SetStatus(codes.Error, Summary(err))
		return err
	}

	return nil
}

func (c *conversion) warn(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	c.log.Warn(message)
	c.result.Warnings = append(c.result.Warnings, message)
}

func checkRoot() error {
	if os.Geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

func (c *conversion) acquireLocks() error {
	for _, id := range []int{c.job.ContainerId, c.job.VmId} {
		lock, err := joblock.Acquire(c.settings.Paths.LockDir, fmt.Sprintf("id-%d", id))
		if errors.Is(err, joblock.ErrLocked) {
			return fmt.Errorf("%w (id: %d):\n%w", ErrIdInUse, id, err)
		} else if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w:\n%w", ErrPermissionDenied, err)
		} else if err != nil {
			return err
		}
		c.locks = append(c.locks, lock)
	}
	return nil
}

func (c *conversion) releaseLocks() {
	for i := len(c.locks) - 1; i >= 0; i-- {
		err := c.locks[i].Close()
		if err != nil {
			c.baseLog.Warnf("%v", err)
		}
	}
	c.locks = nil
}

// initialize checks the job against the host before anything is changed.
func (c *conversion) initialize(ctx context.Context) error {
	err := c.steps.checkPrivileges()
	if err != nil {
		return err
	}

	err = c.acquireLocks()
	if err != nil {
		return err
	}

	c.config, err = c.checkJobTargets(ctx, c.job)
	if err != nil {
		return err
	}

	err = c.loadResumeState()
	if err != nil {
		return err
	}

	status, err := c.containers.Status(ctx, c.job.ContainerId)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrContainerControl, err)
	}

	if status.Running {
		c.log.Infof("Stopping source container (%d)", c.job.ContainerId)
		err = c.containers.Stop(ctx, c.job.ContainerId)
		if err != nil {
			return fmt.Errorf("%w:\n%w", ErrContainerControl, err)
		}
		c.sourceRunning = true
	}

	root, err := c.mountSource(ctx)
	if err != nil {
		return err
	}

	c.source, err = c.steps.measureSource(root)
	if err != nil {
		return err
	}
	c.log.Infof("Container root filesystem (%s) uses %s", c.source.FsType, humanSize(c.source.UsedBytes))

	err = c.cleanup.release(ctx, cleanupContainerMount)
	if err != nil {
		return err
	}

	if c.job.DiskSize != 0 {
		required := DeriveVmDiskSize(c.source.UsedBytes, c.job.IsUefi())
		if c.job.DiskSize < required {
			return fmt.Errorf("%w (disk size: %s, required: %s)", ErrDiskTooSmall, humanSize(c.job.DiskSize),
				humanSize(required))
		}
	}

	return nil
}

// Preflight checks that the job's container and storage exist and that its VM ID is free.
// Nothing on the host is changed.
func (c *Converter) Preflight(ctx context.Context, job *ConversionJob) error {
	_, err := c.checkJobTargets(ctx, job)
	return err
}

func (c *Converter) checkJobTargets(ctx context.Context, job *ConversionJob) (pve.ContainerConfig, error) {
	config, err := c.containers.Config(ctx, job.ContainerId)
	if errors.Is(err, pve.ErrNotFound) {
		return pve.ContainerConfig{}, fmt.Errorf("%w (ctid: %d):\n%w", ErrContainerNotFound, job.ContainerId, err)
	} else if err != nil {
		return pve.ContainerConfig{}, fmt.Errorf("%w:\n%w", ErrContainerControl, err)
	}

	storageInfo, err := c.storage.Status(ctx, job.Storage)
	if errors.Is(err, pve.ErrNotFound) {
		return pve.ContainerConfig{}, fmt.Errorf("%w (%s):\n%w", ErrStorageNotFound, job.Storage, err)
	} else if err != nil {
		return pve.ContainerConfig{}, err
	}
	if !storageInfo.Active {
		return pve.ContainerConfig{}, fmt.Errorf("%w (%s)", ErrStorageInactive, job.Storage)
	}

	exists, err := c.vms.Exists(ctx, job.VmId)
	if err != nil {
		return pve.ContainerConfig{}, err
	}
	if exists {
		return pve.ContainerConfig{}, fmt.Errorf("%w (vmid: %d)", ErrVmExists, job.VmId)
	}

	return config, nil
}

func (c *conversion) loadResumeState() error {
	if !c.job.Resume {
		exists, err := c.resumeStore.Exists(c.job.ContainerId, c.job.VmId)
		if err != nil {
			return err
		}
		if exists {
			c.log.Warnf("Ignoring the resume state of an earlier failed run, use --resume to continue it")
		}
		return nil
	}

	state, err := c.resumeStore.Load(c.job.ContainerId, c.job.VmId)
	if err != nil {
		return err
	}

	if state.Data.Firmware != c.job.Firmware {
		return fmt.Errorf("%w:\nresumed job must use the same firmware as the failed run (%s)", ErrInvalidJob,
			state.Data.Firmware)
	}

	c.log.Infof("Resuming the %s stage of the run from %s", state.Stage, state.Timestamp.Format(time.RFC3339))
	c.resumeState = state
	return nil
}

// mountSource mounts the container's root filesystem until the container-mount cleanup entry is released.
func (c *conversion) mountSource(ctx context.Context) (string, error) {
	root, err := c.containers.Mount(ctx, c.job.ContainerId)
	if err != nil {
		return "", fmt.Errorf("%w:\n%w", ErrContainerControl, err)
	}

	c.cleanup.push(cleanupContainerMount, func(ctx context.Context) error {
		return c.containers.Unmount(ctx, c.job.ContainerId)
	})
	return root, nil
}

func (c *conversion) snapshot(ctx context.Context) error {
	handle := newSnapshotHandle(c.now())
	c.result.Snapshot = handle

	err := c.containers.Snapshot(ctx, c.job.ContainerId, handle.Name, snapshotDescription)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrSnapshot, err)
	}
	handle.Created = true

	c.log.Infof("Created snapshot (%s) of container (%d)", handle.Name, c.job.ContainerId)
	return nil
}

func (c *conversion) shrink(ctx context.Context) error {
	volumeId := c.config.Rootfs.VolumeId
	storageName, _, _ := strings.Cut(volumeId, ":")

	storageInfo, err := c.storage.Status(ctx, storageName)
	if err != nil {
		return err
	}

	if storageInfo.Type != pve.StorageTypeZfs && c.source.FsType != "ext4" {
		return fmt.Errorf("%w (%s)", ErrUnsupportedFs, c.source.FsType)
	}

	path, err := c.storage.Path(ctx, volumeId)
	if err != nil {
		return err
	}

	volume, err := c.steps.openVolume(storageInfo.Type, path)
	if err != nil {
		return err
	}

	currentSize, err := volume.CurrentSize(ctx)
	if err != nil {
		return err
	}

	fsMinimum, err := volume.FilesystemMinimum(ctx)
	if err != nil {
		return err
	}

	plan := ComputeShrinkPlan(c.source.UsedBytes, c.job.HeadroomGiB, fsMinimum)
	c.log.Infof("Shrink target is %s (used: %s, margin: %s, headroom: %s)", humanSize(plan.TargetSize),
		humanSize(plan.UsedBytes), humanSize(plan.MetadataMarginBytes), humanSize(plan.HeadroomBytes))

	result, err := RunShrink(ctx, &plan, currentSize, volume)
	if err != nil {
		return err
	}
	c.result.Shrink = &result

	if result.Skipped {
		return nil
	}

	c.log.Infof("Shrunk volume (%s) from %s to %s, saving %s", volumeId, humanSize(result.OriginalSize),
		humanSize(result.AchievedSize), humanSize(result.SavedBytes))

	err = c.containers.Rescan(ctx, c.job.ContainerId)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrContainerControl, err)
	}

	return nil
}

// vmDiskSize picks the VM disk size: the resumed run's size, the explicit size, or a size derived
// from the (possibly shrunk) container volume.
func (c *conversion) vmDiskSize() uint64 {
	if c.resumeState != nil {
		return c.resumeState.Data.DiskSize
	}

	if c.job.DiskSize != 0 {
		return c.job.DiskSize
	}

	rootfsSize := c.config.Rootfs.SizeBytes
	if c.result.Shrink != nil {
		rootfsSize = c.result.Shrink.AchievedSize
	}
	if rootfsSize == 0 {
		rootfsSize = ComputeShrinkPlan(c.source.UsedBytes, c.job.HeadroomGiB, 0).TargetSize
	}

	return DeriveVmDiskSize(rootfsSize, c.job.IsUefi())
}

func (c *conversion) selectWorkspace(ctx context.Context) error {
	c.result.DiskSize = c.vmDiskSize()

	workspace := ""
	if c.resumeState != nil {
		workspace = c.resumeState.WorkspacePath

		exists, err := file.DirExists(jobWorkspaceDir(workspace, c.job.ContainerId, c.job.VmId))
		if err != nil {
			return fmt.Errorf("%w:\n%w", ErrResumeAttach, err)
		}
		if !exists {
			return fmt.Errorf("%w:\nworkspace of the failed run (%s) no longer exists", ErrResumeAttach, workspace)
		}
		c.log.Infof("Re-using workspace (%s) of the failed run", workspace)
	} else {
		var err error
		workspace, err = c.steps.selectWorkspace(WorkspaceRequest{
			RequiredBytes: workspaceRequiredBytes(c.result.DiskSize, c.settings.Workspace.OverheadGiB),
			PreferredPath: c.job.WorkspacePath,
			Choice:        c.job.WorkspaceChoice,
		})
		if err != nil {
			return err
		}
		c.log.Infof("Using workspace (%s)", workspace)
	}

	c.result.WorkspacePath = workspace
	c.jobDir = jobWorkspaceDir(workspace, c.job.ContainerId, c.job.VmId)

	err := os.MkdirAll(c.jobDir, 0o700)
	if err != nil {
		return fmt.Errorf("failed to create job directory (%s):\n%w", c.jobDir, err)
	}
	c.cleanup.push(cleanupWorkspaceDir, c.removeJobDir)

	return nil
}

// removeJobDir deletes the job's workspace directory, unless it is kept for a resume.
func (c *conversion) removeJobDir(ctx context.Context) error {
	if c.keepWorkspace {
		c.baseLog.Infof("Keeping workspace (%s) for --resume", c.jobDir)
		return nil
	}

	// Never delete through a mount that failed to unmount.
	mounts, err := c.steps.leakedMounts(c.jobDir)
	if err != nil {
		return err
	}
	if len(mounts) > 0 {
		return fmt.Errorf("job directory (%s) still has %d mounts, not removing it", c.jobDir, len(mounts))
	}

	return os.RemoveAll(c.jobDir)
}

func (c *conversion) provisionDisk(ctx context.Context) error {
	mountDir := filepath.Join(c.jobDir, mountDirName)

	var err error
	if c.resumeState != nil {
		c.disk, err = c.steps.attachDisk(ctx, c.resumeState.Data.ImagePath, mountDir, c.job.Firmware,
			c.job.ImageFormat, c.cleanup)
		return err
	}

	imagePath := filepath.Join(c.jobDir, diskImageFileName)
	c.disk, err = c.steps.provisionDisk(ctx, imagePath, mountDir, c.result.DiskSize, c.job.Firmware,
		c.job.ImageFormat, c.cleanup)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrDiskProvision, err)
	}

	return nil
}

func (c *conversion) migrate(ctx context.Context) error {
	sourceRoot, err := c.mountSource(ctx)
	if err != nil {
		return err
	}

	partialDir := filepath.Join(c.jobDir, partialDirName)
	if c.resumeState != nil && c.resumeState.Data.PartialDir != "" {
		partialDir = c.resumeState.Data.PartialDir
	}

	err = c.steps.migrate(ctx, sourceRoot, c.disk.MountDir, partialDir, c.log)
	if err != nil {
		return c.saveResumeState(fmt.Errorf("%w:\n%w", ErrMigrate, err), partialDir)
	}

	shifter := newIdShifter(c.config)
	if shifter != nil {
		changed, err := c.steps.shiftOwnership(ctx, c.disk.MountDir, shifter)
		if err != nil {
			return c.saveResumeState(fmt.Errorf("%w:\n%w", ErrIdShift, err), partialDir)
		}
		c.log.Infof("Renormalized the ownership of %d files of the unprivileged container", changed)
	}

	logCopiedSize(c.disk.MountDir)

	return c.cleanup.release(ctx, cleanupContainerMount)
}

// saveResumeState records the failed copy so that a later run can continue it, and keeps the workspace.
func (c *conversion) saveResumeState(err error, partialDir string) error {
	if !c.stage.IsResumable() {
		return err
	}

	state := &ResumeState{
		ContainerId:   c.job.ContainerId,
		VmId:          c.job.VmId,
		Stage:         c.stage,
		Timestamp:     c.now().UTC(),
		WorkspacePath: c.result.WorkspacePath,
		Data: ResumeStateData{
			ImagePath:  c.disk.Path,
			DiskSize:   c.result.DiskSize,
			Firmware:   c.job.Firmware,
			PartialDir: partialDir,
		},
	}

	saveErr := c.resumeStore.Save(state)
	if saveErr != nil {
		return errors.Join(err, saveErr)
	}

	c.keepWorkspace = true
	c.result.ResumeSaved = true
	return err
}

func (c *conversion) injectBoot(ctx context.Context) error {
	info, err := c.steps.injectBoot(ctx, c.disk, c.job.KeepNetwork, c.cleanup)
	if err != nil {
		return err
	}
	c.result.Boot = info

	err = c.steps.releaseDisk(ctx, c.disk, c.cleanup)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrCleanup, err)
	}

	return nil
}

func (c *conversion) provisionVm(ctx context.Context) error {
	vm, err := provisionVm(ctx, c.vms, c.job, c.config, c.disk, c.log)
	c.result.Vm = vm
	return err
}

func (c *conversion) validate(ctx context.Context) error {
	report := c.health.validateStructure(ctx, c.job.VmId, c.job.IsUefi())
	c.result.Health = report

	if !report.Healthy() {
		return fmt.Errorf("%w (failed: %s)", ErrHealthCheck, strings.Join(report.FailedChecks(), ", "))
	}

	c.log.Infof("All %d configuration checks passed", report.Passed())
	return nil
}

func (c *conversion) liveCheck(ctx context.Context) error {
	report := c.result.Health

	_, err := c.health.liveCheck(ctx, c.job.VmId, c.result.Boot.Family, report, c.log)
	if err != nil {
		return err
	}

	switch {
	case report.AgentTimedOut:
		c.warn("Guest agent of VM (%d) did not respond, the guest could not be checked", c.job.VmId)

	case report.NeedsRemediation():
		c.log.Warnf("VM (%d) shows a read-only root (%s)", c.job.VmId, report.DegradedState())

	case !report.Healthy():
		return fmt.Errorf("%w (failed: %s, %s)", ErrHealthDegraded, strings.Join(report.FailedChecks(), ", "),
			report.DegradedState())

	default:
		c.log.Infof("Guest of VM (%d) is healthy", c.job.VmId)
	}

	return nil
}

func (c *conversion) needsRemediation() bool {
	return c.job.LiveCheck && c.result.Health != nil && c.result.Health.NeedsRemediation()
}

func (c *conversion) remediate(ctx context.Context) error {
	return c.remediator.remediate(ctx, c.job, c.result.Vm, c.result.Boot.Family, c.jobDir, c.result.Health,
		c.log)
}

func (c *conversion) export(ctx context.Context) error {
	err := c.stopVm(ctx)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrExport, err)
	}

	c.result.ExportPath, err = c.exporter.export(ctx, c.job, c.result.Vm, c.log)
	return err
}

func (c *conversion) template(ctx context.Context) error {
	err := c.stopVm(ctx)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrTemplate, err)
	}

	err = c.vms.Template(ctx, c.job.VmId)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrTemplate, err)
	}

	c.log.Infof("Converted VM (%d) to a template", c.job.VmId)
	return nil
}

func (c *conversion) destroySource(ctx context.Context) error {
	if !c.result.Health.Healthy() {
		c.warn("Keeping source container (%d) because not all checks of VM (%d) passed", c.job.ContainerId,
			c.job.VmId)
		return nil
	}

	err := c.containers.Destroy(ctx, c.job.ContainerId)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrDestroySource, err)
	}
	c.result.SourceDestroyed = true

	c.log.Infof("Destroyed source container (%d)", c.job.ContainerId)
	return nil
}

func (c *conversion) stopVm(ctx context.Context) error {
	status, err := c.vms.Status(ctx, c.job.VmId)
	if err != nil {
		return err
	}
	if status != vmStatusRunning {
		return nil
	}

	c.log.Infof("Stopping VM (%d)", c.job.VmId)
	return c.vms.Stop(ctx, c.job.VmId)
}

// applyVmPowerState leaves the VM running only when it was asked for.
func (c *conversion) applyVmPowerState(ctx context.Context) error {
	if !c.job.StartVm {
		return c.stopVm(ctx)
	}
	if c.job.Template {
		c.warn("Not starting VM (%d) because it was converted to a template", c.job.VmId)
		return nil
	}

	status, err := c.vms.Status(ctx, c.job.VmId)
	if err != nil {
		return err
	}
	if status == vmStatusRunning {
		return nil
	}

	c.log.Infof("Starting VM (%d)", c.job.VmId)
	return c.vms.Start(ctx, c.job.VmId)
}

// finish releases the job's resources and settles the source container and the resume state.
func (c *conversion) finish(ctx context.Context, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	c.log = c.baseLog

	errs := []error{runErr}
	errs = append(errs, c.cleanup.run(ctx))
	errs = append(errs, c.checkLeakedMounts())

	if runErr != nil {
		errs = append(errs, c.recoverSource(ctx))
	} else {
		c.removeSnapshot(ctx)
		if c.sourceRunning && !c.result.SourceDestroyed {
			c.log.Infof("Source container (%d) was left stopped", c.job.ContainerId)
		}
	}

	// Failures before anything was changed keep the state of an earlier run.
	if c.result.FailedStage != StageInit && !c.result.ResumeSaved {
		err := c.resumeStore.Clear(c.job.ContainerId, c.job.VmId)
		if err != nil {
			c.warn("%v", err)
		}
	}

	return errors.Join(errs...)
}

func (c *conversion) checkLeakedMounts() error {
	if c.jobDir == "" {
		return nil
	}

	mounts, err := c.steps.leakedMounts(c.jobDir)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrCleanup, err)
	}

	if len(mounts) > 0 {
		mountPoints := sliceutils.Map(mounts, func(mount hostmounts.Mount) string {
			return mount.Mountpoint
		})
		return fmt.Errorf("%w:\nmounts left behind: %s", ErrCleanup, strings.Join(mountPoints, ", "))
	}

	return nil
}

// recoverSource restores the source container of a failed job: roll back (if requested) or report the retained
// snapshot, then restart the container if it was running.
func (c *conversion) recoverSource(ctx context.Context) error {
	if c.result.SourceDestroyed {
		return nil
	}

	errs := []error(nil)
	snapshot := c.result.Snapshot
	if snapshot != nil && snapshot.Created {
		if c.job.RollbackOnFailure {
			c.log.Infof("Rolling back container (%d) to snapshot (%s)", c.job.ContainerId, snapshot.Name)

			err := c.containers.Rollback(ctx, c.job.ContainerId, snapshot.Name)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w:\n%w", ErrRollback, err))
				c.result.SnapshotRetained = true
			} else {
				c.result.RolledBack = true
			}
		} else {
			c.result.SnapshotRetained = true
		}

		if c.result.SnapshotRetained {
			c.warn("Snapshot (%s) of container (%d) was retained", snapshot.Name, c.job.ContainerId)
		}
	}

	if c.sourceRunning {
		c.log.Infof("Restarting source container (%d)", c.job.ContainerId)

		err := c.containers.Start(ctx, c.job.ContainerId)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w:\n%w", ErrContainerControl, err))
		}
	}

	return errors.Join(errs...)
}

func (c *conversion) removeSnapshot(ctx context.Context) {
	snapshot := c.result.Snapshot
	if snapshot == nil || !snapshot.Created || c.result.SourceDestroyed {
		return
	}

	err := c.containers.DeleteSnapshot(ctx, c.job.ContainerId, snapshot.Name)
	if err != nil {
		c.result.SnapshotRetained = true
		c.warn("Failed to delete snapshot (%s), it was retained: %v", snapshot.Name, err)
		return
	}

	c.log.Infof("Deleted snapshot (%s)", snapshot.Name)
}

// measureSourceUsage reads the used space and the filesystem type of the container's mounted root.
func measureSourceUsage(root string) (sourceUsage, error) {
	usage, err := hostmounts.GetUsage(root)
	if err != nil {
		return sourceUsage{}, err
	}

	mounts, err := hostmounts.MountsUnder(root)
	if err != nil {
		return sourceUsage{}, err
	}

	result := sourceUsage{UsedBytes: usage.Used}
	for _, mount := range mounts {
		if mount.Mountpoint == filepath.Clean(root) {
			result.FsType = mount.FSType
		}
	}

	return result, nil
}
