package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadEngineConfig loads the engine configuration from config/engine.yaml.
func LoadEngineConfig() (*EngineConfig, error) {
	return LoadEngineConfigFromPath(filepath.Join("config", "engine.yaml"))
}

// LoadEngineConfigFromPath loads the engine configuration from a specific path.
func LoadEngineConfigFromPath(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config: %w", err)
	}

	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse engine config: %w", err)
	}

	if cfg.Storage.DataDir == "" {
		return nil, fmt.Errorf("storage.data_dir is required")
	}
	cfg.ResolvePaths()

	return cfg, nil
}

// LoadEngineConfigOrDefault loads the engine config, falling back to defaults
// when the file is absent so the engine can run with zero configuration.
func LoadEngineConfigOrDefault() *EngineConfig {
	cfg, err := LoadEngineConfig()
	if err != nil {
		cfg = DefaultEngineConfig()
		cfg.ResolvePaths()
	}
	return cfg
}

// DefaultEngineConfig returns the engine's built-in defaults, used whenever
// config/engine.yaml is absent or a given section is left unspecified.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Storage: StorageConfig{
			DataDir:            "./data",
			CacheCapacityBytes: 64 * 1024 * 1024,
			BackupInterval:     "",
			WALSyncOnWrite:     true,
		},
		Compute: ComputeConfig{
			WorkerCount:        4,
			TaskQueueCapacity:  1024,
			TaskResultTTL:      "1h",
			PromotionThreshold: "30s",
			SnapshotChunkNodes: 5000,
		},
		System: SystemConfig{
			MaxComponents:      100000,
			MaxRelationships:   500000,
			StateHistoryLength: 256,
		},
		Validation: ValidationConfig{
			Level: "Normal",
		},
		Events: EventsConfig{
			SubscriberQueueCapacity: 128,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Port:    8099,
		},
		Backup: BackupConfig{
			Schedule: "",
		},
	}
}

// ResolvePaths fills KVPath/SQLPath when left unset by the loaded config,
// joining DataDir with "graph.kv" and "meta.sqlite" respectively.
func (c *EngineConfig) ResolvePaths() {
	if c.Storage.KVPath == "" {
		c.Storage.KVPath = filepath.Join(c.Storage.DataDir, "graph.kv")
	}
	if c.Storage.SQLPath == "" {
		c.Storage.SQLPath = filepath.Join(c.Storage.DataDir, "meta.sqlite")
	}
}
