package config

import (
	"fmt"
	"strconv"
)

// spec describes one configurable key: its dotted name, the environment
// variable that overrides it, and how to read/write it on a Config.
type spec struct {
	key     string
	env     string
	apply   func(*Config, string)
	extract func(Config) any
}

var specs = []spec{
	{"server.host", "TAGGER_HOST",
		func(c *Config, v string) { c.Server.Host = v },
		func(c Config) any { return c.Server.Host }},
	{"server.port", "TAGGER_PORT",
		func(c *Config, v string) { envInt(v, &c.Server.Port) },
		func(c Config) any { return c.Server.Port }},
	{"ollama.server", "TAGGER_OLLAMA_SERVER",
		func(c *Config, v string) { c.Ollama.Server = v },
		func(c Config) any { return c.Ollama.Server }},
	{"ollama.model", "TAGGER_OLLAMA_MODEL",
		func(c *Config, v string) { c.Ollama.Model = v },
		func(c Config) any { return c.Ollama.Model }},
	{"ollama.temperature", "TAGGER_OLLAMA_TEMPERATURE",
		func(c *Config, v string) { envFloat(v, &c.Ollama.Temperature) },
		func(c Config) any { return c.Ollama.Temperature }},
	{"ollama.max_retries", "TAGGER_OLLAMA_MAX_RETRIES",
		func(c *Config, v string) { envInt(v, &c.Ollama.MaxRetries) },
		func(c Config) any { return c.Ollama.MaxRetries }},
	{"ollama.restart_enabled", "TAGGER_OLLAMA_RESTART_ENABLED",
		func(c *Config, v string) { envBool(v, &c.Ollama.RestartEnabled) },
		func(c Config) any { return c.Ollama.RestartEnabled }},
	{"ollama.restart_cmd", "TAGGER_OLLAMA_RESTART_CMD",
		func(c *Config, v string) { c.Ollama.RestartCmd = v },
		func(c Config) any { return c.Ollama.RestartCmd }},
	{"ollama.restart_cooldown", "TAGGER_OLLAMA_RESTART_COOLDOWN",
		func(c *Config, v string) { envInt(v, &c.Ollama.RestartCooldown) },
		func(c Config) any { return c.Ollama.RestartCooldown }},
	{"processing.batch_size", "TAGGER_BATCH_SIZE",
		func(c *Config, v string) { envInt(v, &c.Processing.BatchSize) },
		func(c Config) any { return c.Processing.BatchSize }},
	{"processing.batch_delay", "TAGGER_BATCH_DELAY",
		func(c *Config, v string) { envInt(v, &c.Processing.BatchDelay) },
		func(c Config) any { return c.Processing.BatchDelay }},
	{"processing.metadata_max_retries", "TAGGER_METADATA_MAX_RETRIES",
		func(c *Config, v string) { envInt(v, &c.Processing.MetadataMaxRetries) },
		func(c Config) any { return c.Processing.MetadataMaxRetries }},
	{"tracking.enabled", "TAGGER_TRACKING_ENABLED",
		func(c *Config, v string) { envBool(v, &c.Tracking.Enabled) },
		func(c Config) any { return c.Tracking.Enabled }},
	{"tracking.log_path", "TAGGER_TRACKING_LOG",
		func(c *Config, v string) { c.Tracking.LogPath = v },
		func(c Config) any { return c.Tracking.LogPath }},
	{"storage.data_dir", "TAGGER_DATA_DIR",
		func(c *Config, v string) { c.Storage.DataDir = v },
		func(c Config) any { return c.Storage.DataDir }},
	{"watcher.enabled", "TAGGER_WATCHER_ENABLED",
		func(c *Config, v string) { envBool(v, &c.Watcher.Enabled) },
		func(c Config) any { return c.Watcher.Enabled }},
	{"log.level", "TAGGER_LOG_LEVEL",
		func(c *Config, v string) { c.Log.Level = v },
		func(c Config) any { return c.Log.Level }},
}

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey applies a key=value pair to cfg and persists it to the config file.
func SetKey(cfg *Config, key, value, path string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		// Validate numeric/bool values before applying so a bad value
		// errors instead of silently keeping the old one.
		switch s.extract(*cfg).(type) {
		case int:
			if _, err := strconv.Atoi(value); err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
		case bool:
			if _, err := strconv.ParseBool(value); err != nil {
				return fmt.Errorf("invalid boolean value for %s: %w", key, err)
			}
		case float64:
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				return fmt.Errorf("invalid float value for %s: %w", key, err)
			}
		}
		s.apply(cfg, value)
		return Save(*cfg, path)
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.key
	}
	return keys
}
