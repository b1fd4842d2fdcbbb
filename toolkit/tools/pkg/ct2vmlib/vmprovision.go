// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	minimumVmMemoryMiB = 512
	minimumVmCores     = 1

	vmBootDisk   = "scsi0"
	vmNetDevice  = "net0"
	vmEfiDisk    = "efidisk0"
	vmBootOption = "order=" + vmBootDisk
)

// ProvisionedVm describes the VM created for a job.
type ProvisionedVm struct {
	VmId      int
	Name      string
	MemoryMiB uint64
	Cores     int
	// Volume ID of the imported boot disk.
	DiskVolumeId string
}

// vmResources picks the VM's memory and cores: job overrides first, then the container's config,
// then the floors.
func vmResources(job *ConversionJob, config pve.ContainerConfig) (uint64, int) {
	memory := valueOr(job.MemoryMiB, config.MemoryMiB)
	cores := valueOr(job.Cores, config.Cores)
	return max(memory, minimumVmMemoryMiB), max(cores, minimumVmCores)
}

// vmName returns the job's name, else the container's hostname if it is a valid VM name,
// else a name derived from the container ID.
func vmName(job *ConversionJob, config pve.ContainerConfig) string {
	if job.Name != "" {
		return job.Name
	}

	hostname := strings.ToLower(config.Hostname)
	if hostname != "" && govalidator.IsDNSName(hostname) && !strings.Contains(hostname, "_") {
		return hostname
	}

	return fmt.Sprintf("ct2vm-%d", job.ContainerId)
}

// provisionVm creates the VM, imports the disk image and makes it the boot disk.
// On failure the VM and any imported volume are left in place for inspection.
func provisionVm(ctx context.Context, vms pve.VmControl, job *ConversionJob, config pve.ContainerConfig,
	disk *DiskImage, log *logrus.Entry,
) (ProvisionedVm, error) {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "provision_vm")
	span.SetAttributes(
		attribute.Int("vmid", job.VmId),
		attribute.String("storage", job.Storage),
		attribute.String("format", string(disk.Format)),
	)
	defer span.End()

	memory, cores := vmResources(job, config)
	vm := ProvisionedVm{
		VmId:      job.VmId,
		Name:      vmName(job, config),
		MemoryMiB: memory,
		Cores:     cores,
	}

	firmware := pve.FirmwareBios
	if disk.IsUefi() {
		firmware = pve.FirmwareUefi
	}

	log.Infof("Creating VM (%d) named (%s) with %d MiB memory and %d cores", vm.VmId, vm.Name, memory, cores)

	err := vms.Create(ctx, job.VmId, pve.VmCreateOptions{
		Name:       vm.Name,
		MemoryMiB:  memory,
		Cores:      cores,
		Bridge:     job.Bridge,
		Firmware:   firmware,
		EfiStorage: job.Storage,
	})
	if err != nil {
		return vm, fmt.Errorf("%w:\n%w", ErrVmProvision, err)
	}

	log.Infof("Importing disk image (%s) into storage (%s) as %s", disk.Path, job.Storage, disk.Format)

	vm.DiskVolumeId, err = vms.ImportDisk(ctx, job.VmId, disk.Path, job.Storage, string(disk.Format))
	if err != nil {
		return vm, fmt.Errorf("%w (vmid: %d):\n%w", ErrVmProvision, job.VmId, err)
	}

	err = vms.Set(ctx, job.VmId, "--"+vmBootDisk, vm.DiskVolumeId)
	if err != nil {
		log.Errorf("Imported volume (%s) was left unattached on VM (%d)", vm.DiskVolumeId, job.VmId)
		return vm, fmt.Errorf("%w (vmid: %d):\n%w", ErrVmProvision, job.VmId, err)
	}

	err = vms.Set(ctx, job.VmId, "--boot", vmBootOption)
	if err != nil {
		return vm, fmt.Errorf("%w (vmid: %d):\n%w", ErrVmProvision, job.VmId, err)
	}

	return vm, nil
}
