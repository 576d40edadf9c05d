package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Processing ProcessingConfig `yaml:"processing"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Storage    StorageConfig    `yaml:"storage"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type OllamaConfig struct {
	Server          string  `yaml:"server"`
	Model           string  `yaml:"model"`
	Temperature     float64 `yaml:"temperature"`
	MaxRetries      int     `yaml:"max_retries"`
	RestartEnabled  bool    `yaml:"restart_enabled"`
	RestartCmd      string  `yaml:"restart_cmd"`
	RestartCooldown int     `yaml:"restart_cooldown"` // seconds
}

type ProcessingConfig struct {
	BatchSize          int `yaml:"batch_size"`
	BatchDelay         int `yaml:"batch_delay"` // seconds between batches
	MetadataMaxRetries int `yaml:"metadata_max_retries"`
}

type TrackingConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type WatcherConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Ollama: OllamaConfig{
			Server:          "http://127.0.0.1:11434",
			Model:           "llama3.2-vision",
			Temperature:     0.1,
			MaxRetries:      5,
			RestartEnabled:  false,
			RestartCmd:      "docker restart ollama",
			RestartCooldown: 120,
		},
		Processing: ProcessingConfig{
			BatchSize:          0,
			BatchDelay:         5,
			MetadataMaxRetries: 5,
		},
		Tracking: TrackingConfig{
			Enabled: true,
			LogPath: filepath.Join(dataDir, "processed.log"),
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Watcher: WatcherConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "image-tagger")
	}
	return filepath.Join(".", "data")
}

// DefaultPath returns the config file location: $TAGGER_CONFIG if set,
// otherwise config.yml in the user config dir.
func DefaultPath() string {
	if p := os.Getenv("TAGGER_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultDataDir(), "config.yml")
}

// Load reads configuration from the YAML config file (if present) and then
// applies TAGGER_* environment variable overrides. A missing config file is
// not an error; defaults apply.
func Load() (Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom is Load with an explicit config file path, used by tests.
func LoadFrom(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Ollama.MaxRetries <= 0 {
		cfg.Ollama.MaxRetries = 1
	}
	if cfg.Processing.MetadataMaxRetries <= 0 {
		cfg.Processing.MetadataMaxRetries = 1
	}
	return cfg, nil
}

// Save writes the config back to the given path as YAML, creating the parent
// directory if needed.
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		v, ok := os.LookupEnv(s.env)
		if !ok || v == "" {
			continue
		}
		s.apply(cfg, v)
	}
}

func envInt(v string, dst *int) {
	if i, err := strconv.Atoi(v); err == nil {
		*dst = i
	}
}

func envBool(v string, dst *bool) {
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func envFloat(v string, dst *float64) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}
