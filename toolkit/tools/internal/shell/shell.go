// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultWarnLogLines is the number of trailing stderr lines that are logged as warnings when a command fails.
	DefaultWarnLogLines = 1500

	// Time given to a process to exit after it was sent SIGTERM due to a cancelled context.
	cancelWaitDelay = 10 * time.Second
)

// ExecBuilder configures and runs a single external program.
type ExecBuilder struct {
	ctx              context.Context
	command          string
	args             []string
	stdin            string
	chrootDir        string
	environment      []string
	stdoutLogLevel   logrus.Level
	stderrLogLevel   logrus.Level
	stderrCallback   func(line string)
	warnLogLines     int
	errorStderrLines int
	logFields        logrus.Fields
}

func NewExecBuilder(command string, args ...string) ExecBuilder {
	return ExecBuilder{
		ctx:            context.Background(),
		command:        command,
		args:           args,
		stdoutLogLevel: logrus.DebugLevel,
		stderrLogLevel: logrus.DebugLevel,
	}
}

// Context sets the context that kills the program when cancelled.
func (b ExecBuilder) Context(ctx context.Context) ExecBuilder {
	b.ctx = ctx
	return b
}

func (b ExecBuilder) Stdin(stdin string) ExecBuilder {
	b.stdin = stdin
	return b
}

// Chroot runs the program with the given directory as its root.
// The chroot only applies to the child process so many chroots can be used concurrently.
func (b ExecBuilder) Chroot(dir string) ExecBuilder {
	b.chrootDir = dir
	return b
}

func (b ExecBuilder) EnvironmentVariables(env []string) ExecBuilder {
	b.environment = env
	return b
}

// LogLevel sets the log levels used to log stdout and stderr lines.
func (b ExecBuilder) LogLevel(stdoutLogLevel logrus.Level, stderrLogLevel logrus.Level) ExecBuilder {
	b.stdoutLogLevel = stdoutLogLevel
	b.stderrLogLevel = stderrLogLevel
	return b
}

// LogFields sets fields (e.g. a job's IDs) that are attached to every logged output line.
func (b ExecBuilder) LogFields(fields logrus.Fields) ExecBuilder {
	b.logFields = fields
	return b
}

func (b ExecBuilder) StderrCallback(callback func(line string)) ExecBuilder {
	b.stderrCallback = callback
	return b
}

// WarnLogLines sets how many of the last stderr lines are logged as warnings if the program fails.
func (b ExecBuilder) WarnLogLines(lines int) ExecBuilder {
	b.warnLogLines = lines
	return b
}

// ErrorStderrLines sets how many of the last stderr lines are included in the returned error.
func (b ExecBuilder) ErrorStderrLines(lines int) ExecBuilder {
	b.errorStderrLines = lines
	return b
}

func (b ExecBuilder) Execute() error {
	_, _, err := b.execute(false)
	return err
}

// ExecuteCaptureOuput runs the program and returns its stdout and stderr.
func (b ExecBuilder) ExecuteCaptureOuput() (string, string, error) {
	return b.execute(true)
}

func (b ExecBuilder) execute(capture bool) (string, string, error) {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, b.command, b.args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = cancelWaitDelay
	if b.environment != nil {
		cmd.Env = b.environment
	}
	if b.chrootDir != "" {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Chroot: b.chrootDir,
		}
		cmd.Dir = "/"
	}
	if b.stdin != "" {
		cmd.Stdin = strings.NewReader(b.stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", err
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", err
	}

	log := logger.Log.WithFields(b.logFields)
	if b.chrootDir != "" {
		log.Debugf("Executing (chroot=%s): %s %s", b.chrootDir, b.command, strings.Join(b.args, " "))
	} else {
		log.Debugf("Executing: %s %s", b.command, strings.Join(b.args, " "))
	}

	err = cmd.Start()
	if err != nil {
		return "", "", fmt.Errorf("failed to start (%s):\n%w", b.command, err)
	}

	stdoutBuf := bytes.Buffer{}
	stderrBuf := bytes.Buffer{}
	stderrTail := newLineRing(max(b.warnLogLines, b.errorStderrLines))

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		readLines(stdoutPipe, func(line string) {
			log.Log(b.stdoutLogLevel, line)
			if capture {
				stdoutBuf.WriteString(line)
				stdoutBuf.WriteString("\n")
			}
		})
	}()
	go func() {
		defer wg.Done()
		readLines(stderrPipe, func(line string) {
			log.Log(b.stderrLogLevel, line)
			stderrTail.add(line)
			if capture {
				stderrBuf.WriteString(line)
				stderrBuf.WriteString("\n")
			}
			if b.stderrCallback != nil {
				b.stderrCallback(line)
			}
		})
	}()

	wg.Wait()
	err = cmd.Wait()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()
	if err == nil {
		return stdout, stderr, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Join(ctxErr, err)
	}

	lines := stderrTail.lines()
	if b.warnLogLines > 0 {
		for _, line := range lastN(lines, b.warnLogLines) {
			log.Warn(line)
		}
	}

	if b.errorStderrLines > 0 {
		tail := lastN(lines, b.errorStderrLines)
		if len(tail) > 0 {
			err = fmt.Errorf("%s:\n%w", strings.Join(tail, "\n"), err)
		}
	}

	return stdout, stderr, fmt.Errorf("(%s) failed:\n%w", b.command, err)
}

// Execute runs a program and returns its stdout and stderr.
func Execute(program string, args ...string) (stdout, stderr string, err error) {
	return NewExecBuilder(program, args...).
		LogLevel(logrus.TraceLevel, logrus.DebugLevel).
		ExecuteCaptureOuput()
}

// ExitCode returns the exit code of a failed program or -1 if err isn't from a program that exited.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func readLines(r io.Reader, onLine func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	// Drain anything left so the process doesn't block on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

type lineRing struct {
	size  int
	items []string
}

func newLineRing(size int) *lineRing {
	return &lineRing{size: size}
}

func (r *lineRing) add(line string) {
	if r.size <= 0 {
		return
	}
	if len(r.items) >= r.size {
		r.items = r.items[1:]
	}
	r.items = append(r.items, line)
}

func (r *lineRing) lines() []string {
	return r.items
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
