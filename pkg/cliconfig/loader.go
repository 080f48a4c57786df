package cliconfig

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	// GlobalConfigDir is the directory for global config
	GlobalConfigDir = "mqttsh"
)

// LocalConfigFileNames are the names to search for local config (in order).
var LocalConfigFileNames = []string{".mqttshrc.yaml", ".mqttshrc.yml"}

// GlobalConfigFileNames are the names to search for global config (in order).
var GlobalConfigFileNames = []string{"config.yaml", "config.yml"}

// FindLocalConfig searches for .mqttshrc.yaml or .mqttshrc.yml in the current directory.
func FindLocalConfig() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return firstExisting(cwd, LocalConfigFileNames), nil
}

// FindGlobalConfig returns the path to the global config file.
// Returns empty string if not found.
func FindGlobalConfig() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		//nolint:nilerr // no config dir simply means no global config
		return "", nil
	}
	return firstExisting(filepath.Join(configDir, GlobalConfigDir), GlobalConfigFileNames), nil
}

func firstExisting(dir string, names []string) string {
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadConfigFile loads a CLIConfig from a YAML file.
func LoadConfigFile(path string) (*CLIConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg CLIConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Path: path, Message: err.Error()}
	}

	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err == nil {
		cfg.SetFields = make(map[string]bool, len(keys))
		for k := range keys {
			cfg.SetFields[k] = true
		}
	}

	cfg.Sources = make(map[string]string)
	return &cfg, nil
}

// ConfigError represents a configuration file error with location info.
type ConfigError struct {
	Path    string
	Line    int
	Column  int
	Message string
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return e.Path + " (line " + strconv.Itoa(e.Line) + ", column " + strconv.Itoa(e.Column) + "): " + e.Message
	}
	return e.Path + ": " + e.Message
}

// LoadAll loads configuration from all sources and merges them.
// Precedence: flags > env > explicit/local config > global config > defaults.
// explicitPath, when non-empty, replaces the local config search and must exist.
func LoadAll(explicitPath string) (*CLIConfig, error) {
	cfg := NewDefault()

	if globalPath, err := FindGlobalConfig(); err == nil && globalPath != "" {
		if globalCfg, err := LoadConfigFile(globalPath); err == nil {
			MergeConfig(cfg, globalCfg, SourceGlobal)
		}
	}

	if explicitPath == "" {
		explicitPath = os.Getenv(EnvConfig)
	}

	if explicitPath != "" {
		localCfg, err := LoadConfigFile(explicitPath)
		if err != nil {
			return nil, err
		}
		MergeConfig(cfg, localCfg, SourceLocal)
		cfg.ConfigFile = explicitPath
	} else if localPath, err := FindLocalConfig(); err == nil && localPath != "" {
		if localCfg, err := LoadConfigFile(localPath); err == nil {
			MergeConfig(cfg, localCfg, SourceLocal)
			cfg.ConfigFile = localPath
		}
	}

	LoadEnvConfig(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
