// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Host-wide tool settings.
//
// Settings are loaded from (highest priority first):
//  1. CT2VM_* environment variables (e.g. CT2VM_HEALTH_AGENT_TIMEOUT)
//  2. The settings file (/etc/ct2vm/ct2vm.yaml by default)
//  3. Default values
//
// Per-job options come from the command line or a batch config file and override these defaults.

package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultSettingsDir  = "/etc/ct2vm"
	settingsFileName    = "ct2vm"
	environmentPrefix   = "CT2VM"
	minAgentPollSeconds = 1
)

type Settings struct {
	Paths     PathSettings     `mapstructure:"paths"`
	Defaults  JobDefaults      `mapstructure:"defaults"`
	Workspace WorkspaceOptions `mapstructure:"workspace"`
	Health    HealthSettings   `mapstructure:"health"`
	Batch     BatchSettings    `mapstructure:"batch"`
	Telemetry TelemetryOptions `mapstructure:"telemetry"`
}

type PathSettings struct {
	StateDir string `mapstructure:"state_dir"`
	LockDir  string `mapstructure:"lock_dir"`
	LogFile  string `mapstructure:"log_file"`
}

// JobDefaults fill in job options that were not given explicitly.
type JobDefaults struct {
	Storage     string `mapstructure:"storage"`
	Bridge      string `mapstructure:"bridge"`
	Format      string `mapstructure:"format"`
	Firmware    string `mapstructure:"firmware"`
	HeadroomGiB uint64 `mapstructure:"headroom_gib"`
}

type WorkspaceOptions struct {
	// Extra path prefixes that are never offered as workspaces.
	ExcludePrefixes []string `mapstructure:"exclude_prefixes"`
	// Space reserved on top of the disk image size, in GiB.
	OverheadGiB uint64 `mapstructure:"overhead_gib"`
}

type HealthSettings struct {
	AgentTimeout      time.Duration `mapstructure:"agent_timeout"`
	AgentPollInterval time.Duration `mapstructure:"agent_poll_interval"`
}

type BatchSettings struct {
	Parallel int `mapstructure:"parallel"`
	// Directory for the Prometheus textfile collector. Empty disables metrics output.
	MetricsTextfileDir string `mapstructure:"metrics_textfile_dir"`
}

type TelemetryOptions struct {
	Disable bool `mapstructure:"disable"`
}

// Load reads the settings. settingsFile may be empty, in which case the default location is used if it exists.
func Load(settingsFile string) (*Settings, error) {
	v := viper.New()

	if settingsFile != "" {
		v.SetConfigFile(settingsFile)
	} else {
		v.SetConfigName(settingsFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultSettingsDir)
	}

	v.SetEnvPrefix(environmentPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if settingsFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings file:\n%w", err)
		}
	}

	var s Settings
	err = v.Unmarshal(&s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings:\n%w", err)
	}

	err = s.IsValid()
	if err != nil {
		return nil, fmt.Errorf("invalid settings:\n%w", err)
	}

	return &s, nil
}

// Default returns the built-in settings without reading any file or environment variable.
func Default() *Settings {
	v := viper.New()
	setDefaults(v)

	var s Settings
	// Unmarshaling the built-in defaults can't fail.
	_ = v.Unmarshal(&s)
	return &s
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.state_dir", "/var/lib/ct2vm")
	v.SetDefault("paths.lock_dir", "/run/lock/ct2vm")
	v.SetDefault("paths.log_file", "/var/log/ct2vm.log")

	v.SetDefault("defaults.storage", "local-lvm")
	v.SetDefault("defaults.bridge", "vmbr0")
	v.SetDefault("defaults.format", "qcow2")
	v.SetDefault("defaults.firmware", "bios")
	v.SetDefault("defaults.headroom_gib", 1)

	v.SetDefault("workspace.exclude_prefixes", []string{})
	v.SetDefault("workspace.overhead_gib", 1)

	v.SetDefault("health.agent_timeout", 5*time.Minute)
	v.SetDefault("health.agent_poll_interval", 5*time.Second)

	v.SetDefault("batch.parallel", 2)
	v.SetDefault("batch.metrics_textfile_dir", "")

	v.SetDefault("telemetry.disable", false)
}

func (s *Settings) IsValid() error {
	if s.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir must not be empty")
	}

	if s.Paths.LockDir == "" {
		return fmt.Errorf("paths.lock_dir must not be empty")
	}

	if s.Health.AgentPollInterval < minAgentPollSeconds*time.Second {
		return fmt.Errorf("health.agent_poll_interval must be at least %ds", minAgentPollSeconds)
	}

	if s.Health.AgentTimeout < s.Health.AgentPollInterval {
		return fmt.Errorf("health.agent_timeout must not be shorter than health.agent_poll_interval")
	}

	if s.Batch.Parallel < 1 {
		return fmt.Errorf("batch.parallel must be at least 1")
	}

	return nil
}
