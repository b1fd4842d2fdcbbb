// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLog(t *testing.T) {
	InitStderrLog()

	memoryLog := StartMemoryLog()
	Log.WithField("ctid", 105).Warnf("Snapshot (%s) was retained", "ct2vm-1")
	Log.Debugf("Entering stage (%s)", "migrate")
	memoryLog.Stop()

	Log.Warnf("Logged after stop")

	warnings := memoryLog.Messages(logrus.WarnLevel)
	require.Len(t, warnings, 1)
	assert.Equal(t, "Snapshot (ct2vm-1) was retained", warnings[0].Message)
	assert.Equal(t, 105, warnings[0].Fields["ctid"])

	assert.Len(t, memoryLog.Messages(logrus.TraceLevel), 2)
}
