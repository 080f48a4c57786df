package cliconfig

import (
	"os"
	"strconv"
)

// Environment variable names
const (
	EnvHost           = "MQTTSH_HOST"
	EnvPort           = "MQTTSH_PORT"
	EnvMQTTVersion    = "MQTTSH_MQTT_VERSION"
	EnvClientIDPrefix = "MQTTSH_CLIENT_ID_PREFIX"
	EnvConnectTimeout = "MQTTSH_CONNECT_TIMEOUT"
	EnvKeepAlive      = "MQTTSH_KEEP_ALIVE"
	EnvLogLevel       = "MQTTSH_LOG_LEVEL"
	EnvLogFormat      = "MQTTSH_LOG_FORMAT"
	EnvLogDir         = "MQTTSH_LOG_DIR"
	EnvHistoryFile    = "MQTTSH_HISTORY_FILE"
	EnvConfig         = "MQTTSH_CONFIG"
	EnvVerbose        = "MQTTSH_VERBOSE"
)

// LoadEnvConfig loads configuration from environment variables.
// It only sets values that are present in the environment; unparsable
// numbers are ignored.
func LoadEnvConfig(cfg *CLIConfig) {
	if cfg.Sources == nil {
		cfg.Sources = make(map[string]string)
	}

	envString(cfg, &cfg.Host, EnvHost, "host")
	envString(cfg, &cfg.MQTTVersion, EnvMQTTVersion, "mqttVersion")
	envString(cfg, &cfg.ClientIDPrefix, EnvClientIDPrefix, "clientIdPrefix")
	envString(cfg, &cfg.LogLevel, EnvLogLevel, "logLevel")
	envString(cfg, &cfg.LogFormat, EnvLogFormat, "logFormat")
	envString(cfg, &cfg.LogDir, EnvLogDir, "logDir")
	envString(cfg, &cfg.HistoryFile, EnvHistoryFile, "historyFile")

	envInt(cfg, &cfg.Port, EnvPort, "port")
	envInt(cfg, &cfg.ConnectTimeout, EnvConnectTimeout, "connectTimeout")
	envInt(cfg, &cfg.KeepAlive, EnvKeepAlive, "keepAlive")

	if v := os.Getenv(EnvVerbose); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Verbose = b
			cfg.Sources["verbose"] = SourceEnv
		}
	}
}

func envString(cfg *CLIConfig, dst *string, name, key string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
		cfg.Sources[key] = SourceEnv
	}
}

func envInt(cfg *CLIConfig, dst *int, name, key string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
	cfg.Sources[key] = SourceEnv
}
