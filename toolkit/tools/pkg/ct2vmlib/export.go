// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/pve"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	exportPartialSuffix = ".partial"
	exportFilePerm      = 0o644
)

// diskExporter writes a copy of a VM's boot disk outside of the VM storage.
type diskExporter struct {
	storage pve.StorageManager
	run     commandRunner
}

func newDiskExporter(storage pve.StorageManager) *diskExporter {
	return &diskExporter{
		storage: storage,
		run:     runHostCommand,
	}
}

// exportFileName returns the exported file's name, e.g. web01-9105.qcow2.zst.
func exportFileName(vm ProvisionedVm, format ct2vmapi.ImageFormatType,
	compression ct2vmapi.ExportCompressionType,
) string {
	name := fmt.Sprintf("%s-%d.%s", vm.Name, vm.VmId, format)
	switch compression {
	case ct2vmapi.ExportCompressionTypeZstd:
		name += ".zst"
	case ct2vmapi.ExportCompressionTypeGzip:
		name += ".gz"
	}
	return name
}

// export converts the VM's disk into the job's format in the export directory and returns the file's path.
// The file only appears under its final name once it is complete.
func (e *diskExporter) export(ctx context.Context, job *ConversionJob, vm ProvisionedVm, log *logrus.Entry,
) (string, error) {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "export_disk")
	span.SetAttributes(
		attribute.String("format", string(job.ImageFormat)),
		attribute.String("compression", string(job.ExportCompression)),
	)
	defer span.End()

	sourcePath, err := e.storage.Path(ctx, vm.DiskVolumeId)
	if err != nil {
		return "", fmt.Errorf("%w:\n%w", ErrExport, err)
	}

	err = os.MkdirAll(job.ExportDir, 0o755)
	if err != nil {
		return "", fmt.Errorf("%w:\nfailed to create export directory (%s):\n%w", ErrExport, job.ExportDir, err)
	}

	outputPath := filepath.Join(job.ExportDir, exportFileName(vm, job.ImageFormat, job.ExportCompression))
	convertedPath := filepath.Join(job.ExportDir, exportFileName(vm, job.ImageFormat, "")) + exportPartialSuffix

	log.Infof("Exporting disk of VM (%d) to (%s)", vm.VmId, outputPath)

	err = e.convert(ctx, sourcePath, volumeFormat(sourcePath), convertedPath, job.ImageFormat)
	if err != nil {
		return "", fmt.Errorf("%w:\n%w", ErrExport, err)
	}
	defer file.RemoveFileIfExists(convertedPath)

	switch job.ExportCompression {
	case ct2vmapi.ExportCompressionTypeZstd, ct2vmapi.ExportCompressionTypeGzip:
		err = compressFile(convertedPath, outputPath, job.ExportCompression)
	default:
		err = os.Rename(convertedPath, outputPath)
	}
	if err != nil {
		return "", fmt.Errorf("%w:\n%w", ErrExport, err)
	}

	return outputPath, nil
}

func (e *diskExporter) convert(ctx context.Context, inputPath string, inputFormat ct2vmapi.ImageFormatType,
	outputPath string, format ct2vmapi.ImageFormatType,
) error {
	args := []string{"convert", "-f", string(inputFormat), "-O", string(format)}
	if format == ct2vmapi.ImageFormatTypeVmdk {
		args = append(args, "-o", "subformat=streamOptimized")
	}
	args = append(args, inputPath, outputPath)

	_, _, err := e.run(ctx, "qemu-img", args...)
	if err != nil {
		return fmt.Errorf("failed to convert disk (%s) to %s:\n%w", inputPath, format, err)
	}
	return nil
}

// compressFile writes a compressed copy of inputPath to outputPath through a temporary file.
func compressFile(inputPath string, outputPath string, compression ct2vmapi.ExportCompressionType) (err error) {
	input, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer input.Close()

	partialPath := outputPath + exportPartialSuffix
	output, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, exportFilePerm)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			output.Close()
			os.Remove(partialPath)
		}
	}()

	var writer io.WriteCloser
	switch compression {
	case ct2vmapi.ExportCompressionTypeZstd:
		writer, err = zstd.NewWriter(output)
		if err != nil {
			return err
		}

	case ct2vmapi.ExportCompressionTypeGzip:
		writer = pgzip.NewWriter(output)

	default:
		return fmt.Errorf("unsupported export compression (%s)", compression)
	}

	_, err = io.Copy(writer, input)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to compress (%s):\n%w", inputPath, err), writer.Close())
	}

	err = writer.Close()
	if err != nil {
		return fmt.Errorf("failed to finish compressed file (%s):\n%w", partialPath, err)
	}

	err = output.Close()
	if err != nil {
		return err
	}

	return os.Rename(partialPath, outputPath)
}
