// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

const (
	// The interface name inside the container and the name the first virtio NIC gets in the VM.
	containerInterfaceName = "eth0"
	vmInterfaceName        = "ens18"

	disabledConfigSuffix = ".ct2vm-disabled"

	ifupdownConfigFile   = "/etc/network/interfaces"
	ifupdownConfigDir    = "/etc/network/interfaces.d"
	netplanConfigDir     = "/etc/netplan"
	networkdConfigDir    = "/etc/systemd/network"
	nmConfigDir          = "/etc/NetworkManager"
	nmConnectionsDir     = "/etc/NetworkManager/system-connections"
	ifcfgConfigDir       = "/etc/sysconfig/network-scripts"
	ifcfgFilePrefix      = "ifcfg-"
	generatedConfigStem  = "ct2vm"
	generatedNetplanFile = "01-" + generatedConfigStem + ".yaml"
)

// NetworkConfigKind is a network configuration format.
type NetworkConfigKind string

const (
	NetworkConfigKindIfupdown       NetworkConfigKind = "ifupdown"
	NetworkConfigKindNetplan        NetworkConfigKind = "netplan"
	NetworkConfigKindNetworkd       NetworkConfigKind = "networkd"
	NetworkConfigKindNetworkManager NetworkConfigKind = "networkmanager"
	NetworkConfigKindIfcfg          NetworkConfigKind = "ifcfg"
)

var containerInterfaceRegexp = regexp.MustCompile(`\b` + containerInterfaceName + `\b`)

type networkConfigFile struct {
	kind NetworkConfigKind
	path string
}

// findNetworkConfigs lists the interface configuration files under root.
func findNetworkConfigs(root string) ([]networkConfigFile, error) {
	configs := []networkConfigFile(nil)

	isFile, err := file.IsFile(filepath.Join(root, ifupdownConfigFile))
	if err != nil {
		return nil, err
	}
	if isFile {
		configs = append(configs, networkConfigFile{NetworkConfigKindIfupdown, filepath.Join(root, ifupdownConfigFile)})
	}

	globs := []struct {
		kind    NetworkConfigKind
		pattern string
	}{
		{NetworkConfigKindIfupdown, filepath.Join(ifupdownConfigDir, "*")},
		{NetworkConfigKindNetplan, filepath.Join(netplanConfigDir, "*.yaml")},
		{NetworkConfigKindNetplan, filepath.Join(netplanConfigDir, "*.yml")},
		{NetworkConfigKindNetworkd, filepath.Join(networkdConfigDir, "*.network")},
		{NetworkConfigKindNetworkManager, filepath.Join(nmConnectionsDir, "*.nmconnection")},
		{NetworkConfigKindIfcfg, filepath.Join(ifcfgConfigDir, ifcfgFilePrefix+"*")},
	}

	for _, glob := range globs {
		matches, err := filepath.Glob(filepath.Join(root, glob.pattern))
		if err != nil {
			return nil, err
		}

		for _, match := range matches {
			if strings.HasSuffix(match, disabledConfigSuffix) || filepath.Base(match) == ifcfgFilePrefix+"lo" {
				continue
			}

			isFile, err := file.IsFile(match)
			if err != nil {
				return nil, err
			}
			if isFile {
				configs = append(configs, networkConfigFile{glob.kind, match})
			}
		}
	}

	return configs, nil
}

// configureNetwork adapts the guest's network configuration to the VM's NIC.
//
// With keepNetwork, the existing configuration (including static addresses) is kept and only the interface is
// renamed. Otherwise, the existing configuration is disabled and replaced by DHCP on the VM's NIC.
func configureNetwork(root string, family DistroFamily, keepNetwork bool) error {
	configs, err := findNetworkConfigs(root)
	if err != nil {
		return fmt.Errorf("failed to find network configuration:\n%w", err)
	}

	if keepNetwork && len(configs) > 0 {
		for _, config := range configs {
			err = renameInterfaceInConfig(config)
			if err != nil {
				return fmt.Errorf("failed to update network configuration (%s):\n%w", config.path, err)
			}
		}
		return nil
	}

	if keepNetwork {
		logger.Log.Warnf("No network configuration found to keep, configuring DHCP on (%s)", vmInterfaceName)
	}

	kind, err := nativeNetworkConfigKind(root, family, configs)
	if err != nil {
		return err
	}

	for _, config := range configs {
		_, err = file.RenameIfExists(config.path, config.path+disabledConfigSuffix)
		if err != nil {
			return fmt.Errorf("failed to disable network configuration (%s):\n%w", config.path, err)
		}
	}

	logger.Log.Infof("Configuring DHCP on (%s) using %s", vmInterfaceName, kind)

	err = writeDhcpConfig(root, kind)
	if err != nil {
		return fmt.Errorf("failed to write %s network configuration:\n%w", kind, err)
	}

	return nil
}

// nativeNetworkConfigKind picks the format the guest's network stack reads.
func nativeNetworkConfigKind(root string, family DistroFamily, configs []networkConfigFile) (NetworkConfigKind,
	error,
) {
	for _, preferred := range []NetworkConfigKind{NetworkConfigKindNetplan, NetworkConfigKindNetworkd} {
		for _, config := range configs {
			if config.kind == preferred {
				return preferred, nil
			}
		}
	}

	switch family {
	case DistroFamilyRhel:
		nmExists, err := file.DirExists(filepath.Join(root, nmConfigDir))
		if err != nil {
			return "", err
		}
		if nmExists {
			return NetworkConfigKindNetworkManager, nil
		}
		return NetworkConfigKindIfcfg, nil

	case DistroFamilyArch:
		return NetworkConfigKindNetworkd, nil

	default:
		return NetworkConfigKindIfupdown, nil
	}
}

func renameInterfaceInConfig(config networkConfigFile) error {
	var err error
	switch config.kind {
	case NetworkConfigKindNetplan:
		err = renameInterfaceInNetplan(config.path)
	case NetworkConfigKindNetworkd, NetworkConfigKindNetworkManager:
		err = renameInterfaceInIni(config.path)
	default:
		err = renameInterfaceInText(config.path)
	}
	if err != nil {
		return err
	}

	// ifcfg files are looked up by interface name.
	base := filepath.Base(config.path)
	if config.kind == NetworkConfigKindIfcfg && base == ifcfgFilePrefix+containerInterfaceName {
		renamed := filepath.Join(filepath.Dir(config.path), ifcfgFilePrefix+vmInterfaceName)
		_, err = file.RenameIfExists(config.path, renamed)
		if err != nil {
			return err
		}
	}

	return nil
}

func renameInterfaceInText(path string) error {
	content, err := file.Read(path)
	if err != nil {
		return err
	}

	updated := containerInterfaceRegexp.ReplaceAllString(content, vmInterfaceName)
	if updated == content {
		return nil
	}

	return writePreservingMode(path, []byte(updated))
}

func renameInterfaceInIni(path string) error {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		AllowNonUniqueSections: true,
		AllowShadows:           true,
	}, path)
	if err != nil {
		return err
	}

	changed := false
	for _, section := range cfg.Sections() {
		for _, key := range section.Keys() {
			value := key.Value()
			updated := containerInterfaceRegexp.ReplaceAllString(value, vmInterfaceName)
			if updated != value {
				key.SetValue(updated)
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}

	return cfg.SaveTo(path)
}

// renameInterfaceInNetplan renames the interface wherever it appears, as a key under "ethernets" or as
// a value (e.g. "set-name" or "match: name").
func renameInterfaceInNetplan(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var document yaml.Node
	err = yaml.Unmarshal(content, &document)
	if err != nil {
		return fmt.Errorf("failed to parse netplan file:\n%w", err)
	}

	if !renameYamlScalars(&document, containerInterfaceName, vmInterfaceName) {
		return nil
	}

	updated, err := yaml.Marshal(&document)
	if err != nil {
		return err
	}

	return writePreservingMode(path, updated)
}

func renameYamlScalars(node *yaml.Node, from string, to string) bool {
	changed := false
	if node.Kind == yaml.ScalarNode && node.Value == from {
		node.Value = to
		changed = true
	}

	for _, child := range node.Content {
		if renameYamlScalars(child, from, to) {
			changed = true
		}
	}

	return changed
}

func writeDhcpConfig(root string, kind NetworkConfigKind) error {
	switch kind {
	case NetworkConfigKindNetplan:
		return writeNetplanDhcp(filepath.Join(root, netplanConfigDir, generatedNetplanFile))

	case NetworkConfigKindNetworkd:
		return writeIniConfig(filepath.Join(root, networkdConfigDir, "20-"+generatedConfigStem+".network"), 0o644,
			[]iniSection{
				{"Match", [][2]string{{"Name", vmInterfaceName}}},
				{"Network", [][2]string{{"DHCP", "yes"}}},
			})

	case NetworkConfigKindNetworkManager:
		return writeIniConfig(filepath.Join(root, nmConnectionsDir, generatedConfigStem+"-"+vmInterfaceName+".nmconnection"),
			0o600,
			[]iniSection{
				{"connection", [][2]string{{"id", vmInterfaceName}, {"type", "ethernet"}, {"interface-name", vmInterfaceName}}},
				{"ipv4", [][2]string{{"method", "auto"}}},
				{"ipv6", [][2]string{{"method", "auto"}}},
			})

	case NetworkConfigKindIfcfg:
		return file.WriteLines([]string{
			"DEVICE=" + vmInterfaceName,
			"TYPE=Ethernet",
			"ONBOOT=yes",
			"BOOTPROTO=dhcp",
		}, filepath.Join(root, ifcfgConfigDir, ifcfgFilePrefix+vmInterfaceName))

	default:
		return file.WriteLines([]string{
			"auto lo",
			"iface lo inet loopback",
			"",
			"auto " + vmInterfaceName,
			"iface " + vmInterfaceName + " inet dhcp",
		}, filepath.Join(root, ifupdownConfigFile))
	}
}

type netplanConfig struct {
	Network netplanNetwork `yaml:"network"`
}

type netplanNetwork struct {
	Version   int                         `yaml:"version"`
	Ethernets map[string]netplanEthernets `yaml:"ethernets"`
}

type netplanEthernets struct {
	Dhcp4 bool `yaml:"dhcp4"`
	Dhcp6 bool `yaml:"dhcp6"`
}

func writeNetplanDhcp(path string) error {
	content, err := yaml.Marshal(netplanConfig{
		Network: netplanNetwork{
			Version: 2,
			Ethernets: map[string]netplanEthernets{
				vmInterfaceName: {Dhcp4: true, Dhcp6: true},
			},
		},
	})
	if err != nil {
		return err
	}

	// netplan refuses world readable files.
	return file.WriteWithPerm(string(content), path, 0o600)
}

type iniSection struct {
	name string
	keys [][2]string
}

func writeIniConfig(path string, perm os.FileMode, sections []iniSection) error {
	cfg := ini.Empty()
	for _, section := range sections {
		newSection, err := cfg.NewSection(section.name)
		if err != nil {
			return err
		}

		for _, key := range section.keys {
			_, err = newSection.NewKey(key[0], key[1])
			if err != nil {
				return err
			}
		}
	}

	err := file.CreateDestinationDir(path, 0o755)
	if err != nil {
		return err
	}

	err = cfg.SaveTo(path)
	if err != nil {
		return err
	}

	return os.Chmod(path, perm)
}

func writePreservingMode(path string, data []byte) error {
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}

	return file.WriteAtomic(data, path, stat.Mode().Perm())
}
