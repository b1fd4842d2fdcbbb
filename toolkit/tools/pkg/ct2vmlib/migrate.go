// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/hostmounts"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/shell"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// rsync: "Partial transfer due to error" and "Partial transfer due to vanished source files".
	// Both happen when files of the source change during the copy, e.g. log rotation.
	rsyncExitPartialTransfer = 23
	rsyncExitVanishedFiles   = 24

	rsyncVanishedPrefix = "file has vanished: "
	rsyncWarnLogLines   = 20
)

// Virtual and runtime trees that are recreated by the booting guest. The directories themselves are kept.
var migrateExcludes = []string{
	"/dev/*",
	"/proc/*",
	"/sys/*",
	"/tmp/*",
	"/run/*",
	"/mnt/*",
	"/media/*",
	"/lost+found",
}

func rsyncArgs(sourceRoot string, destRoot string, partialDir string) []string {
	args := []string{
		"-aHAX",
		"--numeric-ids",
		"--info=progress2",
		"--partial",
		"--partial-dir=" + partialDir,
	}

	for _, exclude := range migrateExcludes {
		args = append(args, "--exclude="+exclude)
	}

	args = append(args, withTrailingSlash(sourceRoot), withTrailingSlash(destRoot))
	return args
}

// migrateFilesystem copies the container's root filesystem into the mounted disk image.
// Running it again with the same partial directory continues an interrupted copy.
func migrateFilesystem(ctx context.Context, sourceRoot string, destRoot string, partialDir string,
	log *logrus.Entry,
) error {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "migrate_filesystem")
	span.SetAttributes(
		attribute.String("source_root", sourceRoot),
	)
	defer span.End()

	err := os.MkdirAll(partialDir, 0o700)
	if err != nil {
		return fmt.Errorf("failed to create partial transfer directory (%s):\n%w", partialDir, err)
	}

	log.Infof("Copying container filesystem (%s) to (%s)", sourceRoot, destRoot)

	vanishedFiles := 0
	err = shell.NewExecBuilder("rsync", rsyncArgs(sourceRoot, destRoot, partialDir)...).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		LogFields(log.Data).
		StderrCallback(func(line string) {
			if isRsyncVanishedLine(line) {
				vanishedFiles++
			}
		}).
		WarnLogLines(rsyncWarnLogLines).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		exitCode := shell.ExitCode(err)
		if ctx.Err() == nil && isRsyncWarning(exitCode) {
			log.Warnf("Some source files changed or vanished during the copy (rsync exit code %d, %d vanished)",
				exitCode, vanishedFiles)
			return nil
		}
		return err
	}

	return nil
}

func isRsyncWarning(exitCode int) bool {
	return exitCode == rsyncExitPartialTransfer || exitCode == rsyncExitVanishedFiles
}

func isRsyncVanishedLine(line string) bool {
	return strings.HasPrefix(line, rsyncVanishedPrefix)
}

func withTrailingSlash(path string) string {
	if strings.HasSuffix(path, "/") {
		return path
	}
	return path + "/"
}

func logCopiedSize(destRoot string) {
	usage, err := hostmounts.GetUsage(destRoot)
	if err != nil {
		logger.Log.Debugf("Failed to read disk usage of (%s): %v", destRoot, err)
		return
	}
	logger.Log.Infof("Disk image now holds %s", humanSize(usage.Used))
}
