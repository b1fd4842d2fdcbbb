// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Tool to convert Proxmox LXC containers into QEMU VMs

package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/exekong"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/ptrutils"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/settings"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/telemetry"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/pkg/ct2vmlib"
	"github.com/fatih/color"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
)

type Ct2VmCmd struct {
	Convert     ConvertCmd     `cmd:"" help:"Convert a single container into a VM."`
	Batch       BatchCmd       `cmd:"" help:"Convert several containers, some of them at the same time."`
	ResumeState ResumeStateCmd `cmd:"" name:"resume-state" help:"Inspect or discard the saved state of failed jobs."`

	SettingsFile     string           `name:"settings-file" help:"Path of the tool settings file." type:"existingfile"`
	DisableTelemetry bool             `name:"disable-telemetry" help:"Disable telemetry collection of the tool."`
	Version          kong.VersionFlag `name:"version" help:"Print the tool version and exit."`
	exekong.LogFlags
}

// appContext is passed to the Run method of the selected command.
type appContext struct {
	ctx      context.Context
	settings *settings.Settings
	colors   *colorScheme
}

func (a *appContext) newConverter() *ct2vmlib.Converter {
	return ct2vmlib.NewConverter(a.settings, pve.NewPctClient(), pve.NewPvesmClient(), pve.NewQmClient())
}

// exitCodeError carries an exit code that isn't derived from an error chain, e.g. the one of a batch.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func newCliParser(cli *Ct2VmCmd, options ...kong.Option) (*kong.Kong, error) {
	vars := kong.Vars{
		"imageformat":       strings.Join(ct2vmapi.SupportedImageFormatTypes(), ",") + ",",
		"firmware":          strings.Join(ct2vmapi.SupportedFirmwareTypes(), ",") + ",",
		"exportcompression": strings.Join(ct2vmapi.SupportedExportCompressionTypes(), ",") + ",",
		"version":           ct2vmlib.ToolVersion,
	}
	maps.Copy(vars, exekong.KongVars)

	options = append([]kong.Option{
		vars,
		kong.Name("ct2vm"),
		kong.Description("Converts Proxmox LXC containers into bootable QEMU VMs."),
		kong.HelpOptions{
			Compact:   true,
			FlagsLast: true,
		},
	}, options...)

	return kong.New(cli, options...)
}

// parseCommandLine prints the usage of the failing command on parse errors. Those exit with the bad input
// code instead of kong's own.
func parseCommandLine(parser *kong.Kong, args []string) (*kong.Context, int) {
	kctx, err := parser.Parse(args)

	var parseErr *kong.ParseError
	if errors.As(err, &parseErr) {
		parser.Errorf("%s", parseErr)
		if parseErr.Context != nil {
			_ = parseErr.Context.PrintUsage(false)
		}
		return nil, ct2vmlib.ExitCodeBadInput
	} else if err != nil {
		parser.Errorf("%s", err)
		return nil, ct2vmlib.ExitCodeBadInput
	}

	return kctx, ct2vmlib.ExitCodeSuccess
}

func run(args []string) int {
	cli := &Ct2VmCmd{}

	parser, err := newCliParser(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ct2vmlib.ExitCodeConversionFailed
	}

	kctx, exitCode := parseCommandLine(parser, args)
	if kctx == nil {
		return exitCode
	}

	logger.InitBestEffort(ptrutils.PtrTo(cli.LogFlags.AsLoggerFlags()))

	s, err := settings.Load(cli.SettingsFile)
	if err != nil {
		logger.Log.Errorf("%v", err)
		return ct2vmlib.ExitCodeBadInput
	}

	if cli.LogFile == "" && s.Paths.LogFile != "" {
		err = logger.AddFileLog(s.Paths.LogFile)
		if err != nil {
			logger.Log.Warnf("Failed to open log file (%s): %s", s.Paths.LogFile, err)
		}
	}

	err = telemetry.InitTelemetry(cli.DisableTelemetry || s.Telemetry.Disable, ct2vmlib.ToolVersion)
	if err != nil {
		logger.Log.Warnf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()

		err := telemetry.ShutdownTelemetry(ctx)
		if err != nil {
			logger.Log.Warnf("Failed to shut down telemetry: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &appContext{
		ctx:      ctx,
		settings: s,
		colors:   newColorScheme(cli.LogColor),
	}

	err = kctx.Run(app)
	if err != nil {
		return app.reportFailure(err)
	}
	return ct2vmlib.ExitCodeSuccess
}

// reportFailure prints the failure summary and returns the process exit code.
func (a *appContext) reportFailure(err error) int {
	var codeErr *exitCodeError
	if errors.As(err, &codeErr) {
		logger.Log.Debugf("%v", codeErr.err)
		return codeErr.code
	}

	logger.Log.Debugf("%v", err)

	a.colors.failure.Fprintf(os.Stderr, "Error: %s\n", ct2vmlib.Summary(err))
	fmt.Fprintf(os.Stderr, "Hint: %s\n", ct2vmlib.RemedyHint(err))
	a.printLogPath()
	return ct2vmlib.ExitCode(err)
}

func (a *appContext) printLogPath() {
	logPath := logger.LogFilePath()
	if logPath != "" {
		fmt.Fprintf(os.Stderr, "Log: %s\n", logPath)
	}
}

type colorScheme struct {
	success *color.Color
	warning *color.Color
	failure *color.Color
	heading *color.Color
}

// newColorScheme honors the --log-color flag for the summary output as well.
func newColorScheme(logColor string) *colorScheme {
	switch logColor {
	case logger.ColorAlways:
		color.NoColor = false
	case logger.ColorNever:
		color.NoColor = true
	}

	return &colorScheme{
		success: color.New(color.FgGreen, color.Bold),
		warning: color.New(color.FgYellow),
		failure: color.New(color.FgRed, color.Bold),
		heading: color.New(color.Bold),
	}
}
