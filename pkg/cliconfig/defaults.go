package cliconfig

import (
	"os"
	"path/filepath"
)

// DefaultHost is the broker host used when none is given.
const DefaultHost = "localhost"

// DefaultPort is the default MQTT port.
const DefaultPort = 1883

// DefaultMQTTVersion is the protocol version used for new connections.
const DefaultMQTTVersion = "5"

// DefaultClientIDPrefix prefixes generated client identifiers.
const DefaultClientIDPrefix = "mqttsh"

// DefaultConnectTimeout is the handshake timeout in seconds.
const DefaultConnectTimeout = 10

// DefaultKeepAlive is the keep-alive interval in seconds.
const DefaultKeepAlive = 60

// DefaultLogLevel is the minimum level written to the shell log file.
const DefaultLogLevel = "info"

// DefaultLogFormat is the shell log file format.
const DefaultLogFormat = "text"

// HomeDirName is the per-user state directory below $HOME.
const HomeDirName = ".mqttsh"

// DefaultLogDir returns ~/.mqttsh/logs, or a relative fallback when the
// home directory cannot be resolved.
func DefaultLogDir() string {
	return filepath.Join(homeStateDir(), "logs")
}

// DefaultHistoryFile returns ~/.mqttsh/history.
func DefaultHistoryFile() string {
	return filepath.Join(homeStateDir(), "history")
}

func homeStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return HomeDirName
	}
	return filepath.Join(home, HomeDirName)
}

// NewDefault creates a new CLIConfig with default values.
func NewDefault() *CLIConfig {
	cfg := &CLIConfig{
		Host:           DefaultHost,
		Port:           DefaultPort,
		MQTTVersion:    DefaultMQTTVersion,
		ClientIDPrefix: DefaultClientIDPrefix,
		ConnectTimeout: DefaultConnectTimeout,
		KeepAlive:      DefaultKeepAlive,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
		LogDir:         DefaultLogDir(),
		HistoryFile:    DefaultHistoryFile(),
		Sources:        make(map[string]string),
	}

	for _, key := range []string{
		"host", "port", "mqttVersion", "clientIdPrefix", "connectTimeout",
		"keepAlive", "logLevel", "logFormat", "logDir", "historyFile",
	} {
		cfg.Sources[key] = SourceDefault
	}

	return cfg
}
