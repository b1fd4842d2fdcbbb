// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmapi

import (
	"fmt"
)

type FirmwareType string

const (
	FirmwareTypeNone FirmwareType = ""
	// Legacy BIOS boot from an MBR disk.
	FirmwareTypeBios FirmwareType = "bios"
	// UEFI boot from a GPT disk with an EFI system partition.
	FirmwareTypeUefi FirmwareType = "uefi"
)

func (t FirmwareType) IsValid() error {
	switch t {
	case FirmwareTypeNone, FirmwareTypeBios, FirmwareTypeUefi:
		return nil

	default:
		return fmt.Errorf("invalid firmware type (%s)", t)
	}
}

func SupportedFirmwareTypes() []string {
	return []string{string(FirmwareTypeBios), string(FirmwareTypeUefi)}
}
