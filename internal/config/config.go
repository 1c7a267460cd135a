// Package config loads and validates the storage engine's configuration.
// Defaults are applied first, then a YAML file (if present) overrides them,
// then ENGINE_* environment variables override the result, matching the
// layering the storage package's own test fixtures already assume.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PoolPolicy names a buffer pool eviction policy.
type PoolPolicy string

const (
	PoolPolicyClock PoolPolicy = "clock"
	PoolPolicyLRU   PoolPolicy = "lru"
)

// IsolationLevel names a default transaction isolation level.
type IsolationLevel string

const (
	IsolationReadCommitted  IsolationLevel = "read_committed"
	IsolationRepeatableRead IsolationLevel = "repeatable_read"
	IsolationSnapshot       IsolationLevel = "snapshot"
	IsolationSerializable   IsolationLevel = "serializable"
)

// Config is the top-level engine configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	PageSize        int        `yaml:"page_size"`
	BufferPoolPages int        `yaml:"buffer_pool_pages"`
	EvictionPolicy  PoolPolicy `yaml:"eviction_policy"`

	WALSegmentBytes      int64 `yaml:"wal_segment_bytes"`
	CheckpointIntervalMs int   `yaml:"checkpoint_interval_ms"`
	CheckpointWALBytes   int64 `yaml:"checkpoint_wal_bytes"`

	LockWaitTimeoutMs      int `yaml:"lock_wait_timeout_ms"`
	DeadlockDetectorMs     int `yaml:"deadlock_detector_ms"`
	DefaultIsolation       IsolationLevel `yaml:"default_isolation"`
	VacuumIntervalMs       int `yaml:"vacuum_interval_ms"`
	BufferFlushIntervalMs  int `yaml:"buffer_flush_interval_ms"`

	AdminListenAddr string `yaml:"admin_listen_addr"`
}

// DefaultConfig returns the documented defaults of §10.3/§11 of the
// specification this engine implements.
func DefaultConfig() Config {
	return Config{
		DataDir:               "./data",
		PageSize:              8192,
		BufferPoolPages:       1000,
		EvictionPolicy:        PoolPolicyClock,
		WALSegmentBytes:       16 * 1024 * 1024,
		CheckpointIntervalMs:  60_000,
		CheckpointWALBytes:    16 * 1024 * 1024,
		LockWaitTimeoutMs:     30_000,
		DeadlockDetectorMs:    100,
		DefaultIsolation:      IsolationSnapshot,
		VacuumIntervalMs:      60_000,
		BufferFlushIntervalMs: 5_000,
		AdminListenAddr:       ":9191",
	}
}

// Load reads a YAML config file over the defaults, then applies ENGINE_*
// environment variable overrides. path == "" skips the file and only
// applies defaults + environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config file %q not found: %w", path, err)
			}
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGINE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ENGINE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PageSize = n
		}
	}
	if v := os.Getenv("ENGINE_BUFFER_POOL_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BufferPoolPages = n
		}
	}
	if v := os.Getenv("ENGINE_EVICTION_POLICY"); v != "" {
		cfg.EvictionPolicy = PoolPolicy(strings.ToLower(v))
	}
	if v := os.Getenv("ENGINE_DEFAULT_ISOLATION"); v != "" {
		cfg.DefaultIsolation = IsolationLevel(strings.ToLower(v))
	}
	if v := os.Getenv("ENGINE_ADMIN_LISTEN_ADDR"); v != "" {
		cfg.AdminListenAddr = v
	}
}

// Validate rejects configurations the engine cannot open with, surfacing a
// plain error (not an engine.Error — this runs before any engine handle
// exists and is a caller-facing startup failure, not a transactional one).
func (c Config) Validate() error {
	if c.PageSize < 4096 || c.PageSize > 65536 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page_size %d must be a power of two between 4096 and 65536", c.PageSize)
	}
	if c.BufferPoolPages <= 0 {
		return fmt.Errorf("buffer_pool_pages must be positive, got %d", c.BufferPoolPages)
	}
	switch c.EvictionPolicy {
	case PoolPolicyClock, PoolPolicyLRU:
	default:
		return fmt.Errorf("unsupported eviction_policy %q (supported: clock, lru)", c.EvictionPolicy)
	}
	switch c.DefaultIsolation {
	case IsolationReadCommitted, IsolationRepeatableRead, IsolationSnapshot, IsolationSerializable:
	default:
		return fmt.Errorf("unsupported default_isolation %q", c.DefaultIsolation)
	}
	if c.LockWaitTimeoutMs <= 0 {
		return fmt.Errorf("lock_wait_timeout_ms must be positive")
	}
	if c.DeadlockDetectorMs <= 0 {
		return fmt.Errorf("deadlock_detector_ms must be positive")
	}
	return nil
}
