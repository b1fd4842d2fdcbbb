// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testExportDiskContent = "disk image contents"

type testExport struct {
	exporter *diskExporter
	job      *ConversionJob
	vm       ProvisionedVm
	commands []string
}

func newTestExport(t *testing.T, compression ct2vmapi.ExportCompressionType) *testExport {
	sourcePath := filepath.Join(t.TempDir(), "vm-9105-disk-0.qcow2")
	require.NoError(t, os.WriteFile(sourcePath, []byte(testExportDiskContent), 0o600))

	e := &testExport{
		job: &ConversionJob{
			ContainerId:       105,
			VmId:              9105,
			ImageFormat:       ct2vmapi.ImageFormatTypeQcow2,
			ExportDir:         filepath.Join(t.TempDir(), "exports"),
			ExportCompression: compression,
		},
		vm: ProvisionedVm{VmId: 9105, Name: "web01", DiskVolumeId: "local:9105/vm-9105-disk-0.qcow2"},
	}

	// qemu-img is replaced by a plain copy of its input.
	e.exporter = &diskExporter{
		storage: &fakeStorage{paths: map[string]string{e.vm.DiskVolumeId: sourcePath}},
		run: func(ctx context.Context, program string, args ...string) (string, string, error) {
			e.commands = append(e.commands, program+" "+strings.Join(args, " "))
			data, err := os.ReadFile(args[len(args)-2])
			if err != nil {
				return "", "", err
			}
			return "", "", os.WriteFile(args[len(args)-1], data, 0o644)
		},
	}

	return e
}

func (e *testExport) run(t *testing.T) (string, error) {
	return e.exporter.export(context.Background(), e.job, e.vm, logger.Log.WithField("test", t.Name()))
}

func TestExportUncompressed(t *testing.T) {
	e := newTestExport(t, ct2vmapi.ExportCompressionTypeNone)

	path, err := e.run(t)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.job.ExportDir, "web01-9105.qcow2"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testExportDiskContent, string(data))

	require.Len(t, e.commands, 1)
	assert.True(t, strings.HasPrefix(e.commands[0], "qemu-img convert -f qcow2 -O qcow2 "))
	assertNoPartialFiles(t, e.job.ExportDir)
}

func TestExportZstd(t *testing.T) {
	e := newTestExport(t, ct2vmapi.ExportCompressionTypeZstd)

	path, err := e.run(t)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.job.ExportDir, "web01-9105.qcow2.zst"), path)

	compressed, err := os.Open(path)
	require.NoError(t, err)
	defer compressed.Close()

	decoder, err := zstd.NewReader(compressed)
	require.NoError(t, err)
	defer decoder.Close()

	data, err := io.ReadAll(decoder)
	require.NoError(t, err)
	assert.Equal(t, testExportDiskContent, string(data))
	assertNoPartialFiles(t, e.job.ExportDir)
}

func TestExportGzip(t *testing.T) {
	e := newTestExport(t, ct2vmapi.ExportCompressionTypeGzip)
	e.job.ImageFormat = ct2vmapi.ImageFormatTypeVmdk

	path, err := e.run(t)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.job.ExportDir, "web01-9105.vmdk.gz"), path)
	assert.Contains(t, e.commands[0], "-o subformat=streamOptimized")

	compressed, err := os.Open(path)
	require.NoError(t, err)
	defer compressed.Close()

	reader, err := pgzip.NewReader(compressed)
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, testExportDiskContent, string(data))
	assertNoPartialFiles(t, e.job.ExportDir)
}

func TestExportConvertFailure(t *testing.T) {
	e := newTestExport(t, ct2vmapi.ExportCompressionTypeZstd)
	e.exporter.run = func(ctx context.Context, program string, args ...string) (string, string, error) {
		return "", "qemu-img: Could not open", errors.New("exit status 1")
	}

	_, err := e.run(t)
	assert.ErrorIs(t, err, ErrExport)

	entries, err := os.ReadDir(e.job.ExportDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func assertNoPartialFiles(t *testing.T, dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+exportPartialSuffix))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
