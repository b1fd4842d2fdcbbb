// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package osinfo

import (
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/envfile"
)

const (
	unknownDistro  = "Unknown Distro"
	unknownVersion = "Unknown Version"
)

// OsRelease holds the fields of an os-release file that identify a distribution.
type OsRelease struct {
	Id        string
	IdLike    []string
	Name      string
	VersionId string
	Version   string
}

// ReadOsRelease parses an os-release file (e.g. <rootfs>/etc/os-release).
func ReadOsRelease(path string) (OsRelease, error) {
	fields, err := envfile.ParseEnvFile(path)
	if err != nil {
		return OsRelease{}, err
	}

	return OsRelease{
		Id:        strings.ToLower(fields["ID"]),
		IdLike:    strings.Fields(strings.ToLower(fields["ID_LIKE"])),
		Name:      fields["NAME"],
		VersionId: fields["VERSION_ID"],
		Version:   fields["VERSION"],
	}, nil
}

// Function to get the distribution and version of the host machine
func GetDistroAndVersion() (string, string) {
	release, err := ReadOsRelease("/etc/os-release")
	if err != nil {
		return unknownDistro, unknownVersion
	}

	distro := release.Name
	if distro == "" {
		distro = unknownDistro
	}

	version := release.Version
	if version == "" {
		version = unknownVersion
	}

	return distro, version
}
