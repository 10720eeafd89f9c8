// Package config loads node configuration from YAML with environment
// overrides (EDGESYNC_ prefix). Missing values fall back to defaults that
// make a single node runnable out of the box.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"edge-sync/internal/logs"
)

// Config is the root configuration for one edge node.
type Config struct {
	Node         NodeConfig         `mapstructure:"node"`
	Authority    AuthorityConfig    `mapstructure:"authority"`
	Store        StoreConfig        `mapstructure:"store"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Reasoning    ReasoningConfig    `mapstructure:"reasoning"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Log          logs.Config        `mapstructure:"log"`
}

// NodeConfig identifies this node and its listen address.
type NodeConfig struct {
	ID         string `mapstructure:"id"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// AuthorityConfig points at the central authority this node syncs against.
type AuthorityConfig struct {
	URL string `mapstructure:"url"`
}

// StoreConfig controls policy store persistence and retry behavior.
type StoreConfig struct {
	Dir          string        `mapstructure:"dir"`
	InMemory     bool          `mapstructure:"in_memory"`
	HistoryLimit int           `mapstructure:"history_limit"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// CacheConfig controls the decision cache.
type CacheConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	ConfidenceFloor float64       `mapstructure:"confidence_floor"`
	EdgeConfidence  float64       `mapstructure:"edge_confidence"`
	DecayWindow     time.Duration `mapstructure:"decay_window"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// SyncConfig controls the anti-entropy agent.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryCap    time.Duration `mapstructure:"retry_cap"`
	TreeLeaves  int           `mapstructure:"tree_leaves"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ReasoningConfig bounds calls to the external reasoning engine.
type ReasoningConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ConnectivityConfig controls the heartbeat and the offline queue.
type ConnectivityConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	DegradedLatency   time.Duration `mapstructure:"degraded_latency"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "edge-node-1")
	v.SetDefault("node.listen_addr", ":8080")

	v.SetDefault("authority.url", "")

	v.SetDefault("store.dir", "data/policy")
	v.SetDefault("store.in_memory", false)
	v.SetDefault("store.history_limit", 8)
	v.SetDefault("store.max_retries", 3)
	v.SetDefault("store.base_backoff", 100*time.Millisecond)
	v.SetDefault("store.max_backoff", 2*time.Second)

	v.SetDefault("cache.capacity", 4096)
	v.SetDefault("cache.confidence_floor", 0.3)
	v.SetDefault("cache.edge_confidence", 0.7)
	v.SetDefault("cache.decay_window", time.Hour)
	v.SetDefault("cache.sweep_interval", 30*time.Second)

	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.batch_size", 128)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.retry_base", time.Second)
	v.SetDefault("sync.retry_cap", 5*time.Minute)
	v.SetDefault("sync.tree_leaves", 256)
	v.SetDefault("sync.timeout", 30*time.Second)

	v.SetDefault("reasoning.timeout", 2*time.Second)

	v.SetDefault("connectivity.heartbeat_interval", 30*time.Second)
	v.SetDefault("connectivity.failure_threshold", 3)
	v.SetDefault("connectivity.degraded_latency", time.Second)
	v.SetDefault("connectivity.queue_capacity", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_ring", 1000)
}

// Load reads configuration from path (optional) and the environment.
// An empty path loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EDGESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id must not be empty")
	}
	if c.Cache.ConfidenceFloor < 0 || c.Cache.ConfidenceFloor >= 1 {
		return fmt.Errorf("cache.confidence_floor must be in [0,1), got %v", c.Cache.ConfidenceFloor)
	}
	if c.Cache.EdgeConfidence <= 0 || c.Cache.EdgeConfidence > 1 {
		return fmt.Errorf("cache.edge_confidence must be in (0,1], got %v", c.Cache.EdgeConfidence)
	}
	if c.Sync.TreeLeaves < 2 || c.Sync.TreeLeaves&(c.Sync.TreeLeaves-1) != 0 {
		return fmt.Errorf("sync.tree_leaves must be a power of two >= 2, got %d", c.Sync.TreeLeaves)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	return nil
}
