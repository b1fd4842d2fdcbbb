// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/shell"
	"github.com/sirupsen/logrus"
)

// commandRunner runs a host program and returns its stdout and stderr.
type commandRunner func(ctx context.Context, program string, args ...string) (string, string, error)

func runHostCommand(ctx context.Context, program string, args ...string) (string, string, error) {
	return shell.NewExecBuilder(program, args...).
		Context(ctx).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(1).
		ExecuteCaptureOuput()
}
