package cliconfig

// MergeConfig merges source config into target, updating sources tracking.
// Only non-zero values from source are applied.
func MergeConfig(target, source *CLIConfig, sourceType string) {
	if source == nil {
		return
	}
	if target.Sources == nil {
		target.Sources = make(map[string]string)
	}

	mergeString(target, &target.Host, source.Host, "host", sourceType)
	mergeString(target, &target.MQTTVersion, source.MQTTVersion, "mqttVersion", sourceType)
	mergeString(target, &target.ClientIDPrefix, source.ClientIDPrefix, "clientIdPrefix", sourceType)
	mergeString(target, &target.LogLevel, source.LogLevel, "logLevel", sourceType)
	mergeString(target, &target.LogFormat, source.LogFormat, "logFormat", sourceType)
	mergeString(target, &target.LogDir, source.LogDir, "logDir", sourceType)
	mergeString(target, &target.HistoryFile, source.HistoryFile, "historyFile", sourceType)

	if source.Port != 0 {
		target.Port = source.Port
		target.Sources["port"] = sourceType
	}
	if source.ConnectTimeout != 0 {
		target.ConnectTimeout = source.ConnectTimeout
		target.Sources["connectTimeout"] = sourceType
	}
	if source.KeepAlive != 0 {
		target.KeepAlive = source.KeepAlive
		target.Sources["keepAlive"] = sourceType
	}
	if boolIsSet(source, "verbose") {
		target.Verbose = source.Verbose
		target.Sources["verbose"] = sourceType
	}
}

func mergeString(target *CLIConfig, dst *string, value, key, sourceType string) {
	if value == "" {
		return
	}
	*dst = value
	target.Sources[key] = sourceType
}

// boolIsSet reports whether a boolean field identified by its YAML key was
// explicitly set in the source config. Programmatic configs without
// SetFields only merge true values.
func boolIsSet(cfg *CLIConfig, yamlKey string) bool {
	if cfg.SetFields != nil {
		return cfg.SetFields[yamlKey]
	}
	switch yamlKey {
	case "verbose":
		return cfg.Verbose
	default:
		return false
	}
}
