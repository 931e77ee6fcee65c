package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModesFile    string `json:"modes_file" yaml:"modes_file" toml:"modes_file"`
	DefaultMode  string `json:"default_mode" yaml:"default_mode" toml:"default_mode"`
	VRAMBudgetMB int    `json:"vram_budget_mb" yaml:"vram_budget_mb" toml:"vram_budget_mb"`
	VRAMMarginMB int    `json:"vram_margin_mb" yaml:"vram_margin_mb" toml:"vram_margin_mb"`

	QueueMax           int `json:"queue_max" yaml:"queue_max" toml:"queue_max"`
	JobTimeoutSeconds  int `json:"job_timeout_seconds" yaml:"job_timeout_seconds" toml:"job_timeout_seconds"`
	SyncTimeoutSeconds int `json:"sync_timeout_seconds" yaml:"sync_timeout_seconds" toml:"sync_timeout_seconds"`

	FileRefTTLSeconds   int `json:"fileref_ttl_seconds" yaml:"fileref_ttl_seconds" toml:"fileref_ttl_seconds"`
	FileRefSweepSeconds int `json:"fileref_sweep_seconds" yaml:"fileref_sweep_seconds" toml:"fileref_sweep_seconds"`

	DreamIntervalMs int `json:"dream_interval_ms" yaml:"dream_interval_ms" toml:"dream_interval_ms"`

	// WorkerBin, when set, spawns a subprocess backend per loaded mode
	// instead of the in-process stub.
	WorkerBin string `json:"worker_bin" yaml:"worker_bin" toml:"worker_bin"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
