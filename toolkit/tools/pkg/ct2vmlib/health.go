// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/retry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	HealthCheckVmExists          = "vm-exists"
	HealthCheckDiskAttached      = "disk-attached"
	HealthCheckBootOrder         = "boot-order"
	HealthCheckNetworkInterface  = "network-interface"
	HealthCheckEfiDisk           = "efi-disk"
	HealthCheckGuestAgentEnabled = "guest-agent-enabled"

	HealthCheckVmStarted      = "vm-started"
	HealthCheckGuestAgent     = "guest-agent"
	HealthCheckRootRw         = "root-rw"
	HealthCheckRemountService = "remount-service"

	remountServiceName = "systemd-remount-fs"
	vmStatusRunning    = "running"
	serviceStateActive = "active"
)

// HealthCheck is the result of one named check.
type HealthCheck struct {
	Name   string
	Passed bool
	Detail string
}

// HealthReport holds the checks of a VM in the order they ran.
type HealthReport struct {
	Checks []HealthCheck

	// Set when the guest agent never answered. The guest checks are then recorded as failed.
	AgentTimedOut bool
	// Guest state, as reported by the guest.
	RootMountOptions    string
	RemountServiceState string

	Remediated bool
}

func (r *HealthReport) add(name string, passed bool, detail string) {
	r.Checks = append(r.Checks, HealthCheck{Name: name, Passed: passed, Detail: detail})
}

// set replaces the named check, or adds it.
func (r *HealthReport) set(name string, passed bool, detail string) {
	index := slices.IndexFunc(r.Checks, func(check HealthCheck) bool { return check.Name == name })
	if index < 0 {
		r.add(name, passed, detail)
		return
	}
	r.Checks[index] = HealthCheck{Name: name, Passed: passed, Detail: detail}
}

func (r *HealthReport) Check(name string) (HealthCheck, bool) {
	index := slices.IndexFunc(r.Checks, func(check HealthCheck) bool { return check.Name == name })
	if index < 0 {
		return HealthCheck{}, false
	}
	return r.Checks[index], true
}

func (r *HealthReport) Passed() int {
	count := 0
	for _, check := range r.Checks {
		if check.Passed {
			count++
		}
	}
	return count
}

func (r *HealthReport) Failed() int {
	return len(r.Checks) - r.Passed()
}

func (r *HealthReport) FailedChecks() []string {
	names := []string(nil)
	for _, check := range r.Checks {
		if !check.Passed {
			names = append(names, check.Name)
		}
	}
	return names
}

// Healthy reports whether every check passed.
func (r *HealthReport) Healthy() bool {
	return r.Failed() == 0
}

// NeedsRemediation reports whether the guest shows the known read-only root failure: the root is
// mounted read-only or the remount service isn't active.
func (r *HealthReport) NeedsRemediation() bool {
	if r.AgentTimedOut {
		return false
	}

	rootRw, found := r.Check(HealthCheckRootRw)
	if found && !rootRw.Passed && slices.Contains(splitMountOptions(r.RootMountOptions), "ro") {
		return true
	}

	remount, found := r.Check(HealthCheckRemountService)
	return found && !remount.Passed && r.RemountServiceState != ""
}

// DegradedState describes the failing guest state for reports.
func (r *HealthReport) DegradedState() string {
	return fmt.Sprintf("root mount options: %q, %s: %q", r.RootMountOptions, remountServiceName,
		r.RemountServiceState)
}

type healthValidator struct {
	vms               pve.VmControl
	agentTimeout      time.Duration
	agentPollInterval time.Duration
}

// validateStructure runs the checks on the VM's config. Every check runs, even when earlier ones failed.
func (h *healthValidator) validateStructure(ctx context.Context, vmid int, uefi bool) *HealthReport {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "validate_vm")
	span.SetAttributes(
		attribute.Int("vmid", vmid),
	)
	defer span.End()

	report := &HealthReport{}

	config, err := h.vms.Config(ctx, vmid)
	if err != nil {
		report.add(HealthCheckVmExists, false, err.Error())
		config = pve.VmConfig{}
	} else {
		report.add(HealthCheckVmExists, true, "")
	}

	disk, found := config[vmBootDisk]
	report.add(HealthCheckDiskAttached, found && disk != "", disk)

	bootOrder, _ := config.Option("boot", "order")
	bootDevices := strings.Split(bootOrder, ";")
	report.add(HealthCheckBootOrder, bootDevices[0] == vmBootDisk, bootOrder)

	bridge, _ := config.Option(vmNetDevice, "bridge")
	report.add(HealthCheckNetworkInterface, bridge != "", config[vmNetDevice])

	if uefi {
		bios := config["bios"]
		efiDisk := config[vmEfiDisk]
		report.add(HealthCheckEfiDisk, bios == "ovmf" && efiDisk != "",
			fmt.Sprintf("bios: %s, %s: %s", valueOr(bios, "seabios"), vmEfiDisk, efiDisk))
	}

	agent, _ := config.Option("agent", "")
	agentEnabled, _ := config.Option("agent", "enabled")
	report.add(HealthCheckGuestAgentEnabled, agent == "1" || agentEnabled == "1", config["agent"])

	span.SetAttributes(attribute.Int("failed_checks", report.Failed()))
	return report
}

// liveCheck starts the VM if needed, waits for the guest agent and inspects the guest's root mount.
// Returns whether the VM was started by this call.
// An unresponsive agent is recorded in the report and isn't an error.
func (h *healthValidator) liveCheck(ctx context.Context, vmid int, family DistroFamily, report *HealthReport,
	log *logrus.Entry,
) (bool, error) {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "live_check_vm")
	span.SetAttributes(
		attribute.Int("vmid", vmid),
	)
	defer span.End()

	started := false
	status, err := h.vms.Status(ctx, vmid)
	if err == nil && status != vmStatusRunning {
		log.Infof("Starting VM (%d)", vmid)
		err = h.vms.Start(ctx, vmid)
		started = err == nil
	}
	if err != nil {
		report.set(HealthCheckVmStarted, false, err.Error())
		return started, nil
	}
	report.set(HealthCheckVmStarted, true, "")

	log.Infof("Waiting up to %s for the guest agent of VM (%d)", h.agentTimeout, vmid)

	responding, err := retry.RunUntil(ctx, func() (bool, error) {
		return h.vms.AgentPing(ctx, vmid) == nil, nil
	}, h.agentPollInterval, h.agentTimeout)
	if err != nil {
		return started, err
	}
	if ctx.Err() != nil {
		return started, ctx.Err()
	}

	report.AgentTimedOut = !responding
	if !responding {
		detail := fmt.Sprintf("no response within %s", h.agentTimeout)
		log.Warnf("Guest agent of VM (%d) did not respond within %s, skipping guest checks", vmid, h.agentTimeout)
		report.set(HealthCheckGuestAgent, false, detail)
		report.set(HealthCheckRootRw, false, "guest agent unavailable")
		report.set(HealthCheckRemountService, false, "guest agent unavailable")
		return started, nil
	}
	report.set(HealthCheckGuestAgent, true, "")

	h.checkRootMount(ctx, vmid, report)
	h.checkRemountService(ctx, vmid, family, report)

	span.SetAttributes(attribute.Int("failed_checks", report.Failed()))
	return started, nil
}

func (h *healthValidator) checkRootMount(ctx context.Context, vmid int, report *HealthReport) {
	result, err := h.vms.GuestExec(ctx, vmid, "findmnt", "-no", "OPTIONS", "/")
	if err != nil {
		report.set(HealthCheckRootRw, false, err.Error())
		return
	}

	report.RootMountOptions = strings.TrimSpace(result.Stdout)
	options := splitMountOptions(report.RootMountOptions)
	report.set(HealthCheckRootRw, result.ExitCode == 0 && slices.Contains(options, "rw"), report.RootMountOptions)
}

func (h *healthValidator) checkRemountService(ctx context.Context, vmid int, family DistroFamily,
	report *HealthReport,
) {
	if family == DistroFamilyAlpine {
		report.set(HealthCheckRemountService, true, "not applicable (openrc)")
		return
	}

	// systemctl is-active exits non-zero for inactive units but still prints the state.
	result, err := h.vms.GuestExec(ctx, vmid, "systemctl", "is-active", remountServiceName)
	if err != nil {
		report.set(HealthCheckRemountService, false, err.Error())
		return
	}

	report.RemountServiceState = strings.TrimSpace(result.Stdout)
	report.set(HealthCheckRemountService, report.RemountServiceState == serviceStateActive,
		report.RemountServiceState)
}

func splitMountOptions(options string) []string {
	if options == "" {
		return nil
	}
	return strings.Split(options, ",")
}
