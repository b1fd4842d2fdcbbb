// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"os"
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()

	retVal := m.Run()

	os.Exit(retVal)
}
