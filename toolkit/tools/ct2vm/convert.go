// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/ptrutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/pkg/ct2vmlib"
)

// JobFlags are the per-job options shared by the convert and batch commands.
// A flag left at its zero value is unset and falls back to the batch defaults and then the tool settings.
type JobFlags struct {
	Storage           string `name:"storage" help:"Target storage for the VM disk."`
	DiskSize          string `name:"disk-size" placeholder:"SIZE" help:"Size of the VM disk (e.g. 20G). Mutually exclusive with --shrink." xor:"size"`
	Shrink            bool   `name:"shrink" help:"Size the VM disk to the container's used space plus headroom." xor:"size"`
	Headroom          string `name:"headroom" placeholder:"GIB" help:"Free space in GiB added on top of the used space when shrinking."`
	Format            string `name:"format" placeholder:"(raw|qcow2|vmdk)" help:"Format of the VM disk on the target storage." enum:"${imageformat}" default:""`
	Firmware          string `name:"firmware" placeholder:"(bios|uefi)" help:"Boot firmware of the VM." enum:"${firmware}" default:""`
	Bridge            string `name:"bridge" help:"Network bridge of the VM's network interface."`
	MemoryMiB         uint64 `name:"memory" placeholder:"MIB" help:"Memory of the VM. Defaults to the container's memory."`
	Cores             int    `name:"cores" help:"CPU cores of the VM. Defaults to the container's cores."`
	Name              string `name:"name" help:"Name of the VM. Defaults to the container's hostname."`
	Workspace         string `name:"workspace" type:"path" help:"Directory that will hold the temporary disk image."`
	WorkspaceChoice   string `name:"workspace-choice" help:"Pick a workspace when several are possible: a 1-based index or a path."`
	KeepNetwork       bool   `name:"keep-network" help:"Keep the container's network configuration instead of switching to DHCP."`
	Snapshot          bool   `name:"snapshot" help:"Snapshot the container before converting it."`
	Rollback          bool   `name:"rollback" help:"Roll the container back to the snapshot when the conversion fails. Implies --snapshot."`
	DestroySource     bool   `name:"destroy-source" help:"Destroy the container after a fully healthy conversion."`
	LiveCheck         bool   `name:"live-check" help:"Boot the VM and check the guest through the guest agent."`
	Template          bool   `name:"template" help:"Convert the VM into a template."`
	Start             bool   `name:"start" help:"Leave the VM running when the conversion succeeds."`
	ExportDir         string `name:"export-dir" type:"path" help:"Also export the VM disk into this directory."`
	ExportCompression string `name:"export-compression" placeholder:"(none|zstd|gzip)" help:"Compression of the exported raw disk." enum:"${exportcompression}" default:""`
}

func (f *JobFlags) AsJobOptions() (ct2vmapi.JobOptions, error) {
	options := ct2vmapi.JobOptions{
		Name:              f.Name,
		Storage:           f.Storage,
		Format:            ct2vmapi.ImageFormatType(f.Format),
		Firmware:          ct2vmapi.FirmwareType(f.Firmware),
		Bridge:            f.Bridge,
		Workspace:         f.Workspace,
		WorkspaceChoice:   f.WorkspaceChoice,
		ExportDir:         f.ExportDir,
		ExportCompression: ct2vmapi.ExportCompressionType(f.ExportCompression),
		Shrink:            trueOrNil(f.Shrink),
		KeepNetwork:       trueOrNil(f.KeepNetwork),
		Snapshot:          trueOrNil(f.Snapshot),
		Rollback:          trueOrNil(f.Rollback),
		DestroySource:     trueOrNil(f.DestroySource),
		LiveCheck:         trueOrNil(f.LiveCheck),
		Template:          trueOrNil(f.Template),
		Start:             trueOrNil(f.Start),
	}

	if f.DiskSize != "" {
		diskSize, err := ct2vmapi.ParseDiskSize(f.DiskSize)
		if err != nil {
			return ct2vmapi.JobOptions{}, fmt.Errorf("%w:\ninvalid --disk-size value:\n%w", ct2vmlib.ErrInvalidJob, err)
		}
		options.DiskSize = &diskSize
	}

	if f.Headroom != "" {
		headroom, err := strconv.ParseUint(f.Headroom, 10, 64)
		if err != nil {
			return ct2vmapi.JobOptions{}, fmt.Errorf("%w:\ninvalid --headroom value (%s):\n%w", ct2vmlib.ErrInvalidJob,
				f.Headroom, err)
		}
		options.HeadroomGiB = &headroom
	}

	if f.MemoryMiB != 0 {
		options.MemoryMiB = &f.MemoryMiB
	}

	if f.Cores != 0 {
		options.Cores = &f.Cores
	}

	return options, nil
}

func trueOrNil(value bool) *bool {
	if !value {
		return nil
	}
	return ptrutils.PtrTo(true)
}

type ConvertCmd struct {
	ContainerId int  `name:"ctid" help:"ID of the source container." required:""`
	VmId        int  `name:"vmid" help:"ID of the VM to create." required:""`
	Resume      bool `name:"resume" help:"Continue a job that failed while copying the container's files."`
	JobFlags
}

func (c *ConvertCmd) Run(app *appContext) error {
	options, err := c.AsJobOptions()
	if err != nil {
		return err
	}
	options.Resume = trueOrNil(c.Resume)

	job, err := ct2vmlib.NewConversionJob(ct2vmapi.JobConfig{
		ContainerId: c.ContainerId,
		VmId:        c.VmId,
		JobOptions:  options,
	}, app.settings)
	if err != nil {
		return err
	}

	result, err := app.newConverter().Convert(app.ctx, job)
	if result != nil {
		app.printResult(result)
	}
	return err
}

// printResult prints the outcome of one job. Failures are followed by the error summary.
func (a *appContext) printResult(result *ct2vmlib.ConversionResult) {
	if !result.Succeeded() {
		a.colors.failure.Fprintf(os.Stderr, "Conversion of container %d into VM %d failed in stage %s after %s\n",
			result.ContainerId, result.VmId, result.FailedStage, roundDuration(result.Duration))
		a.printSourceState(result)
		a.printWarnings(result.Warnings)
		return
	}

	a.colors.success.Printf("Converted container %d into VM %d in %s\n", result.ContainerId, result.VmId,
		roundDuration(result.Duration))

	fmt.Printf("  Disk: %s\n", ct2vmapi.DiskSize(result.DiskSize).HumanReadable())
	fmt.Printf("  Guest: %s (kernel %s)\n", result.Boot.DistroId, result.Boot.KernelVersion)
	if result.Shrink != nil && !result.Shrink.Skipped {
		fmt.Printf("  Shrunk by: %s in %d attempts\n", ct2vmapi.DiskSize(result.Shrink.SavedBytes).HumanReadable(),
			result.Shrink.Attempts)
	}
	if result.Health != nil {
		fmt.Printf("  Health checks: %d passed, %d failed\n", result.Health.Passed(), result.Health.Failed())
		if result.Health.Remediated {
			fmt.Printf("  Remediated: read-only root\n")
		}
	}
	if result.ExportPath != "" {
		fmt.Printf("  Exported to: %s\n", result.ExportPath)
	}
	if result.SourceDestroyed {
		fmt.Printf("  Source container destroyed\n")
	}

	a.printWarnings(result.Warnings)
}

func (a *appContext) printSourceState(result *ct2vmlib.ConversionResult) {
	switch {
	case result.RolledBack:
		fmt.Fprintf(os.Stderr, "  Source container rolled back to snapshot (%s)\n", result.Snapshot.Name)
	case result.SnapshotRetained:
		fmt.Fprintf(os.Stderr, "  Source container snapshot (%s) was kept\n", result.Snapshot.Name)
	}

	if result.ResumeSaved {
		fmt.Fprintf(os.Stderr, "  Job state saved, rerun with --resume to continue\n")
	}
}

func (a *appContext) printWarnings(warnings []string) {
	for _, warning := range warnings {
		a.colors.warning.Fprintf(os.Stderr, "  Warning: %s\n", warning)
	}
}

func roundDuration(d time.Duration) time.Duration {
	return d.Round(time.Second)
}
