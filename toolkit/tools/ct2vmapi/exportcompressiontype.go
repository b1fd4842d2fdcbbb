// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmapi

import (
	"fmt"
)

type ExportCompressionType string

const (
	ExportCompressionTypeDefault ExportCompressionType = ""
	ExportCompressionTypeNone    ExportCompressionType = "none"
	ExportCompressionTypeZstd    ExportCompressionType = "zstd"
	ExportCompressionTypeGzip    ExportCompressionType = "gzip"
)

func (t ExportCompressionType) IsValid() error {
	switch t {
	case ExportCompressionTypeDefault, ExportCompressionTypeNone, ExportCompressionTypeZstd,
		ExportCompressionTypeGzip:
		return nil

	default:
		return fmt.Errorf("invalid export compression type (%s)", t)
	}
}

func SupportedExportCompressionTypes() []string {
	return []string{
		string(ExportCompressionTypeNone),
		string(ExportCompressionTypeZstd),
		string(ExportCompressionTypeGzip),
	}
}
