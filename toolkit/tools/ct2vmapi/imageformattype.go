// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmapi

import (
	"fmt"
	"slices"
)

type ImageFormatType string

const (
	ImageFormatTypeNone  ImageFormatType = ""
	ImageFormatTypeRaw   ImageFormatType = "raw"
	ImageFormatTypeQcow2 ImageFormatType = "qcow2"
	ImageFormatTypeVmdk  ImageFormatType = "vmdk"
)

var supportedImageFormatTypes = []string{
	string(ImageFormatTypeRaw),
	string(ImageFormatTypeQcow2),
	string(ImageFormatTypeVmdk),
}

func (ft ImageFormatType) IsValid() error {
	if ft != ImageFormatTypeNone && !slices.Contains(supportedImageFormatTypes, string(ft)) {
		return fmt.Errorf("invalid image format type (%s)", ft)
	}

	return nil
}

// SupportedImageFormatTypes returns all valid image format types.
func SupportedImageFormatTypes() []string {
	return supportedImageFormatTypes
}
