// Package cliconfig provides configuration types and loading for the mqttsh CLI.
package cliconfig

import (
	"errors"
	"fmt"
)

// CLIConfig represents the complete configuration for the mqttsh CLI.
// Configuration values can come from multiple sources with the following precedence:
// 1. Command-line flags (highest priority)
// 2. Environment variables
// 3. Local config file (.mqttshrc.yaml in current directory)
// 4. Global config file (~/.config/mqttsh/config.yaml)
// 5. Default values (lowest priority)
type CLIConfig struct {
	// Connection defaults used by "con" when a flag is omitted
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	MQTTVersion    string `yaml:"mqttVersion" json:"mqttVersion"`
	ClientIDPrefix string `yaml:"clientIdPrefix" json:"clientIdPrefix"`
	ConnectTimeout int    `yaml:"connectTimeout" json:"connectTimeout"`
	KeepAlive      int    `yaml:"keepAlive" json:"keepAlive"`

	// Logging settings
	LogLevel  string `yaml:"logLevel" json:"logLevel"`
	LogFormat string `yaml:"logFormat" json:"logFormat"`
	LogDir    string `yaml:"logDir,omitempty" json:"logDir,omitempty"`

	// Shell settings
	HistoryFile string `yaml:"historyFile,omitempty" json:"historyFile,omitempty"`
	ConfigFile  string `yaml:"configFile,omitempty" json:"configFile,omitempty"`
	Verbose     bool   `yaml:"verbose" json:"verbose"`

	// Sources tracks where each value came from (for debugging)
	Sources map[string]string `yaml:"-" json:"-"`

	// SetFields records which YAML keys were present in a loaded file so
	// that an explicit false can override a true default.
	SetFields map[string]bool `yaml:"-" json:"-"`
}

// ConfigSource identifies where a config value originated.
const (
	SourceDefault = "default"
	SourceEnv     = "env"
	SourceGlobal  = "global"
	SourceLocal   = "local"
	SourceFlag    = "flag"
)

// ErrInvalidConfig is returned (wrapped) by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks value ranges. Zero values are left to the defaults.
func (c *CLIConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d is out of range", ErrInvalidConfig, c.Port)
	}
	switch c.MQTTVersion {
	case "", "3", "5":
	default:
		return fmt.Errorf("%w: mqttVersion %q must be 3 or 5", ErrInvalidConfig, c.MQTTVersion)
	}
	if c.ConnectTimeout < 0 || c.ConnectTimeout > 3600 {
		return fmt.Errorf("%w: connectTimeout %d is out of range", ErrInvalidConfig, c.ConnectTimeout)
	}
	if c.KeepAlive < 0 || c.KeepAlive > 65535 {
		return fmt.Errorf("%w: keepAlive %d is out of range", ErrInvalidConfig, c.KeepAlive)
	}
	if len(c.ClientIDPrefix) > 64 {
		return fmt.Errorf("%w: clientIdPrefix cannot exceed 64 characters", ErrInvalidConfig)
	}
	return nil
}
