package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("LoadFrom with missing file: %v", err)
	}

	if cfg.Ollama.Server != "http://127.0.0.1:11434" {
		t.Errorf("Ollama.Server = %q, want default", cfg.Ollama.Server)
	}
	if cfg.Ollama.Model != "llama3.2-vision" {
		t.Errorf("Ollama.Model = %q, want llama3.2-vision", cfg.Ollama.Model)
	}
	if cfg.Ollama.MaxRetries != 5 {
		t.Errorf("Ollama.MaxRetries = %d, want 5", cfg.Ollama.MaxRetries)
	}
	if cfg.Ollama.Temperature != 0.1 {
		t.Errorf("Ollama.Temperature = %v, want 0.1", cfg.Ollama.Temperature)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if !cfg.Tracking.Enabled {
		t.Error("Tracking.Enabled = false, want true")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
ollama:
  server: http://gpu-box:11434
  model: llava
server:
  port: 9000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Ollama.Server != "http://gpu-box:11434" {
		t.Errorf("Ollama.Server = %q, want http://gpu-box:11434", cfg.Ollama.Server)
	}
	if cfg.Ollama.Model != "llava" {
		t.Errorf("Ollama.Model = %q, want llava", cfg.Ollama.Model)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	// Untouched keys keep their defaults.
	if cfg.Ollama.MaxRetries != 5 {
		t.Errorf("Ollama.MaxRetries = %d, want default 5", cfg.Ollama.MaxRetries)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("ollama:\n  model: llava\n"), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	t.Setenv("TAGGER_OLLAMA_MODEL", "qwen2-vl")
	t.Setenv("TAGGER_OLLAMA_MAX_RETRIES", "2")
	t.Setenv("TAGGER_WATCHER_ENABLED", "false")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Ollama.Model != "qwen2-vl" {
		t.Errorf("Ollama.Model = %q, env should win over file", cfg.Ollama.Model)
	}
	if cfg.Ollama.MaxRetries != 2 {
		t.Errorf("Ollama.MaxRetries = %d, want 2", cfg.Ollama.MaxRetries)
	}
	if cfg.Watcher.Enabled {
		t.Error("Watcher.Enabled = true, want false from env")
	}
}

func TestInvalidEnvValueIgnored(t *testing.T) {
	t.Setenv("TAGGER_OLLAMA_MAX_RETRIES", "not-a-number")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Ollama.MaxRetries != 5 {
		t.Errorf("Ollama.MaxRetries = %d, want default 5 for invalid env value", cfg.Ollama.MaxRetries)
	}
}

func TestRetryClamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("ollama:\n  max_retries: 0\n"), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Ollama.MaxRetries != 1 {
		t.Errorf("Ollama.MaxRetries = %d, want clamp to 1", cfg.Ollama.MaxRetries)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")

	cfg := defaults()
	cfg.Ollama.Model = "custom-model"
	cfg.Server.Port = 8123

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if got.Ollama.Model != "custom-model" {
		t.Errorf("Ollama.Model = %q, want custom-model", got.Ollama.Model)
	}
	if got.Server.Port != 8123 {
		t.Errorf("Server.Port = %d, want 8123", got.Server.Port)
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := defaults()

	if err := SetKey(&cfg, "ollama.model", "minicpm-v", path); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if cfg.Ollama.Model != "minicpm-v" {
		t.Errorf("Ollama.Model = %q, want minicpm-v", cfg.Ollama.Model)
	}

	// Persisted to disk too.
	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if got.Ollama.Model != "minicpm-v" {
		t.Errorf("persisted Ollama.Model = %q, want minicpm-v", got.Ollama.Model)
	}
}

func TestSetKeyValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := defaults()

	if err := SetKey(&cfg, "server.port", "not-a-port", path); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := SetKey(&cfg, "watcher.enabled", "maybe", path); err == nil {
		t.Error("expected error for non-boolean value")
	}
	if err := SetKey(&cfg, "no.such.key", "x", path); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllCoversAllKeys(t *testing.T) {
	infos := ShowAll(defaults())
	if len(infos) != len(ValidKeys()) {
		t.Fatalf("ShowAll returned %d entries, want %d", len(infos), len(ValidKeys()))
	}
	seen := make(map[string]bool)
	for _, info := range infos {
		if info.EnvVar == "" {
			t.Errorf("key %q has no env var", info.Key)
		}
		if seen[info.Key] {
			t.Errorf("duplicate key %q", info.Key)
		}
		seen[info.Key] = true
	}
}
