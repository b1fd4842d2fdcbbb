// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
)

type fakeCommandResult struct {
	stdout string
	stderr string
	err    error
}

// fakeCommandRunner returns canned results keyed by the command line's prefix and records every call.
type fakeCommandRunner struct {
	mu      sync.Mutex
	results map[string]fakeCommandResult
	calls   []string
}

func newFakeCommandRunner() *fakeCommandRunner {
	return &fakeCommandRunner{
		results: make(map[string]fakeCommandResult),
	}
}

func (f *fakeCommandRunner) on(commandPrefix string, result fakeCommandResult) {
	f.results[commandPrefix] = result
}

func (f *fakeCommandRunner) run(ctx context.Context, program string, args ...string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	commandLine := strings.Join(append([]string{program}, args...), " ")
	f.calls = append(f.calls, commandLine)

	// The longest matching prefix wins.
	best := ""
	for prefix := range f.results {
		if strings.HasPrefix(commandLine, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return "", "", nil
	}

	result := f.results[best]
	return result.stdout, result.stderr, result.err
}

func (f *fakeCommandRunner) called(commandPrefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, call := range f.calls {
		if strings.HasPrefix(call, commandPrefix) {
			count++
		}
	}
	return count
}

// fakeChroot records the commands run inside it and fails those whose command line starts with a
// registered prefix.
type fakeChroot struct {
	root     string
	failures map[string]error
	commands []string
	closed   bool
}

func newFakeChroot(root string) *fakeChroot {
	return &fakeChroot{
		root:     root,
		failures: make(map[string]error),
	}
}

func (c *fakeChroot) RootDir() string {
	return c.root
}

func (c *fakeChroot) Run(ctx context.Context, program string, args ...string) error {
	commandLine := strings.Join(append([]string{program}, args...), " ")
	c.commands = append(c.commands, commandLine)

	for prefix, err := range c.failures {
		if strings.HasPrefix(commandLine, prefix) {
			return err
		}
	}
	return nil
}

func (c *fakeChroot) CleanClose() error {
	c.closed = true
	return nil
}

// fakeContainers is an in-memory container host.
type fakeContainers struct {
	mu        sync.Mutex
	configs   map[int]pve.ContainerConfig
	running   map[int]bool
	mountDirs map[int]string
	snapshots map[int][]string
	destroyed map[int]bool
	calls     []string
	failures  map[string]error
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{
		configs:   make(map[int]pve.ContainerConfig),
		running:   make(map[int]bool),
		mountDirs: make(map[int]string),
		snapshots: make(map[int][]string),
		destroyed: make(map[int]bool),
		failures:  make(map[string]error),
	}
}

func (f *fakeContainers) record(call string) error {
	f.calls = append(f.calls, call)
	for prefix, err := range f.failures {
		if strings.HasPrefix(call, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeContainers) exists(ctid int) bool {
	_, found := f.configs[ctid]
	return found && !f.destroyed[ctid]
}

func (f *fakeContainers) Status(ctx context.Context, ctid int) (pve.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.exists(ctid) {
		return pve.ContainerStatus{}, fmt.Errorf("container (%d) %w", ctid, pve.ErrNotFound)
	}
	if f.running[ctid] {
		return pve.ContainerStatus{Running: true, Status: "running"}, nil
	}
	return pve.ContainerStatus{Status: "stopped"}, nil
}

func (f *fakeContainers) Config(ctx context.Context, ctid int) (pve.ContainerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.exists(ctid) {
		return pve.ContainerConfig{}, fmt.Errorf("container (%d) %w", ctid, pve.ErrNotFound)
	}
	return f.configs[ctid], nil
}

func (f *fakeContainers) Start(ctx context.Context, ctid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("start %d", ctid))
	if err == nil {
		f.running[ctid] = true
	}
	return err
}

func (f *fakeContainers) Stop(ctx context.Context, ctid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("stop %d", ctid))
	if err == nil {
		f.running[ctid] = false
	}
	return err
}

func (f *fakeContainers) Mount(ctx context.Context, ctid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("mount %d", ctid))
	if err != nil {
		return "", err
	}
	return f.mountDirs[ctid], nil
}

func (f *fakeContainers) Unmount(ctx context.Context, ctid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.record(fmt.Sprintf("unmount %d", ctid))
}

func (f *fakeContainers) Snapshot(ctx context.Context, ctid int, name string, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("snapshot %d %s", ctid, name))
	if err == nil {
		f.snapshots[ctid] = append(f.snapshots[ctid], name)
	}
	return err
}

func (f *fakeContainers) Rollback(ctx context.Context, ctid int, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.record(fmt.Sprintf("rollback %d %s", ctid, name))
}

func (f *fakeContainers) DeleteSnapshot(ctx context.Context, ctid int, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("delsnapshot %d %s", ctid, name))
	if err == nil {
		remaining := []string(nil)
		for _, snapshot := range f.snapshots[ctid] {
			if snapshot != name {
				remaining = append(remaining, snapshot)
			}
		}
		f.snapshots[ctid] = remaining
	}
	return err
}

func (f *fakeContainers) Rescan(ctx context.Context, ctid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.record(fmt.Sprintf("rescan %d", ctid))
}

func (f *fakeContainers) Destroy(ctx context.Context, ctid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("destroy %d", ctid))
	if err == nil {
		f.destroyed[ctid] = true
	}
	return err
}

func (f *fakeContainers) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			count++
		}
	}
	return count
}

// fakeStorage knows a fixed set of storages and resolves volume IDs under a directory.
type fakeStorage struct {
	storages map[string]pve.StorageInfo
	paths    map[string]string
}

func (f *fakeStorage) Status(ctx context.Context, storage string) (pve.StorageInfo, error) {
	info, found := f.storages[storage]
	if !found {
		return pve.StorageInfo{}, fmt.Errorf("storage (%s) %w", storage, pve.ErrNotFound)
	}
	return info, nil
}

func (f *fakeStorage) Path(ctx context.Context, volumeId string) (string, error) {
	path, found := f.paths[volumeId]
	if !found {
		return "", fmt.Errorf("volume (%s) %w", volumeId, pve.ErrNotFound)
	}
	return path, nil
}

// fakeVms is an in-memory VM host. The guest's answers are scripted per call.
type fakeVms struct {
	mu       sync.Mutex
	configs  map[int]pve.VmConfig
	status   map[int]string
	calls    []string
	failures map[string]error

	// Number of pings that fail before the agent answers. Negative means it never answers.
	agentFailPings int
	// Guest exec answers by command line. Each call consumes the first answer; the last one repeats.
	guestExec map[string][]pve.GuestExecResult
}

func newFakeVms() *fakeVms {
	return &fakeVms{
		configs:   make(map[int]pve.VmConfig),
		status:    make(map[int]string),
		failures:  make(map[string]error),
		guestExec: make(map[string][]pve.GuestExecResult),
	}
}

func (f *fakeVms) record(call string) error {
	f.calls = append(f.calls, call)
	for prefix, err := range f.failures {
		if strings.HasPrefix(call, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeVms) Exists(ctx context.Context, vmid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, found := f.configs[vmid]
	return found, nil
}

func (f *fakeVms) Create(ctx context.Context, vmid int, options pve.VmCreateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("create %d %s", vmid, strings.Join(options.Args(), " ")))
	if err != nil {
		return err
	}

	config := pve.VmConfig{}
	args := options.Args()
	for i := 0; i+1 < len(args); i += 2 {
		config[strings.TrimPrefix(args[i], "--")] = args[i+1]
	}
	f.configs[vmid] = config
	f.status[vmid] = "stopped"
	return nil
}

func (f *fakeVms) ImportDisk(ctx context.Context, vmid int, imagePath string, storage string, format string,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("importdisk %d %s %s %s", vmid, imagePath, storage, format))
	if err != nil {
		return "", err
	}

	volumeId := fmt.Sprintf("%s:vm-%d-disk-0", storage, vmid)
	f.configs[vmid]["unused0"] = volumeId
	return volumeId, nil
}

func (f *fakeVms) Set(ctx context.Context, vmid int, options ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("set %d %s", vmid, strings.Join(options, " ")))
	if err != nil {
		return err
	}

	config := f.configs[vmid]
	for i := 0; i+1 < len(options); i += 2 {
		key := strings.TrimPrefix(options[i], "--")
		config[key] = options[i+1]
		if config["unused0"] == options[i+1] {
			delete(config, "unused0")
		}
	}
	return nil
}

func (f *fakeVms) Config(ctx context.Context, vmid int) (pve.VmConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	config, found := f.configs[vmid]
	if !found {
		return nil, fmt.Errorf("VM (%d) %w", vmid, pve.ErrNotFound)
	}

	copied := pve.VmConfig{}
	for key, value := range config {
		copied[key] = value
	}
	return copied, nil
}

func (f *fakeVms) Start(ctx context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("start %d", vmid))
	if err == nil {
		f.status[vmid] = "running"
	}
	return err
}

func (f *fakeVms) Stop(ctx context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.record(fmt.Sprintf("stop %d", vmid))
	if err == nil {
		f.status[vmid] = "stopped"
	}
	return err
}

func (f *fakeVms) Status(ctx context.Context, vmid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status, found := f.status[vmid]
	if !found {
		return "", fmt.Errorf("VM (%d) %w", vmid, pve.ErrNotFound)
	}
	return status, nil
}

func (f *fakeVms) AgentPing(ctx context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status[vmid] != "running" || f.agentFailPings < 0 {
		return fmt.Errorf("QEMU guest agent is not running")
	}
	if f.agentFailPings > 0 {
		f.agentFailPings--
		return fmt.Errorf("QEMU guest agent is not running")
	}
	return nil
}

func (f *fakeVms) GuestExec(ctx context.Context, vmid int, command ...string) (pve.GuestExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	commandLine := strings.Join(command, " ")
	err := f.record("exec " + commandLine)
	if err != nil {
		return pve.GuestExecResult{}, err
	}

	answers := f.guestExec[commandLine]
	if len(answers) == 0 {
		return pve.GuestExecResult{}, fmt.Errorf("no scripted answer for (%s)", commandLine)
	}

	answer := answers[0]
	if len(answers) > 1 {
		f.guestExec[commandLine] = answers[1:]
	}
	return answer, nil
}

func (f *fakeVms) Template(ctx context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.record(fmt.Sprintf("template %d", vmid))
}

func (f *fakeVms) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			count++
		}
	}
	return count
}

// healthyGuest scripts a guest whose root is mounted read-write.
func (f *fakeVms) healthyGuest() {
	f.guestExec["findmnt -no OPTIONS /"] = []pve.GuestExecResult{{Exited: true, Stdout: "rw,relatime\n"}}
	f.guestExec["systemctl is-active systemd-remount-fs"] = []pve.GuestExecResult{{Exited: true, Stdout: "active\n"}}
}
