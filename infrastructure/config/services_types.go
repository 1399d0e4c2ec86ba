package config

// EngineConfig holds the engine's tunable knobs, loaded from config/engine.yaml
// over the built-in defaults; environment variables are not applied to it.
type EngineConfig struct {
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Compute    ComputeConfig    `yaml:"compute" json:"compute"`
	System     SystemConfig     `yaml:"system" json:"system"`
	Validation ValidationConfig `yaml:"validation" json:"validation"`
	Events     EventsConfig     `yaml:"events" json:"events"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Backup     BackupConfig     `yaml:"backup" json:"backup"`
}

// StorageConfig configures the on-disk layout and cache of the storage layer.
type StorageConfig struct {
	// DataDir is the directory holding the relational store, KV store, and WAL marker,
	// used to derive KVPath/SQLPath when they are left unset.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// KVPath is the bbolt database file (spec §6 storage.kv_path).
	KVPath string `yaml:"kv_path" json:"kv_path"`
	// SQLPath is the SQLite database file (spec §6 storage.sql_path).
	SQLPath string `yaml:"sql_path" json:"sql_path"`
	// CacheCapacityBytes bounds the read-through cache (spec §6 storage.cache_capacity_bytes).
	// The cache counts entries, not bytes; this is treated as an entry-count budget
	// divided by an average-entry-size estimate, matching the teacher's byte-size
	// config convention for a cache whose native unit is entries.
	CacheCapacityBytes int64 `yaml:"cache_capacity_bytes" json:"cache_capacity_bytes"`
	// BackupInterval is a duration string (spec §6 storage.backup_interval).
	// The engine does not read it; scheduled backups follow Backup.Schedule.
	BackupInterval string `yaml:"backup_interval" json:"backup_interval"`
	// WALSyncOnWrite is loaded from config but not read by the storage layer;
	// it has no effect on how the write-ahead marker is written.
	WALSyncOnWrite bool `yaml:"wal_sync_on_write" json:"wal_sync_on_write"`
}

// ComputeConfig configures the compute engine's task scheduler.
type ComputeConfig struct {
	WorkerCount         int    `yaml:"worker_count" json:"worker_count"`
	TaskQueueCapacity   int    `yaml:"task_queue_capacity" json:"task_queue_capacity"`
	TaskResultTTL       string `yaml:"task_result_ttl" json:"task_result_ttl"`
	PromotionThreshold  string `yaml:"promotion_threshold" json:"promotion_threshold"`
	SnapshotChunkNodes  int    `yaml:"snapshot_chunk_nodes" json:"snapshot_chunk_nodes"`
}

// SystemConfig bounds the in-memory System Model (spec §6 system.*).
type SystemConfig struct {
	MaxComponents       int `yaml:"max_components" json:"max_components"`
	MaxRelationships    int `yaml:"max_relationships" json:"max_relationships"`
	StateHistoryLength  int `yaml:"state_history_length" json:"state_history_length"`
}

// ValidationConfig selects the Validation Engine's strictness (spec §6 validation.level).
type ValidationConfig struct {
	// Level is one of "Strict", "Normal", "Permissive".
	Level string `yaml:"level" json:"level"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	SubscriberQueueCapacity int `yaml:"subscriber_queue_capacity" json:"subscriber_queue_capacity"`
}

// HTTPConfig configures the optional command-surface HTTP binding.
type HTTPConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// BackupConfig configures scheduled backups.
type BackupConfig struct {
	// Schedule is a cron expression; empty disables scheduled backups.
	Schedule string `yaml:"schedule" json:"schedule"`
	Dir      string `yaml:"dir" json:"dir"`
}
