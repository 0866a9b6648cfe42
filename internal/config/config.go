// Package config loads discoveryd configuration the way the teacher
// does: cobra flags bound into viper, overridable by config file and
// environment variables, unmarshalled into a mapstructure-tagged
// struct.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds every option named in spec.md §6.
type Config struct {
	NodeID        string `mapstructure:"node_id"`
	BindAddress   string `mapstructure:"bind_address"`
	DataDir       string `mapstructure:"data_dir"`
	LogLevel      string `mapstructure:"log_level"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`

	Gossip      GossipConfig      `mapstructure:"gossip"`
	AntiEntropy AntiEntropyConfig `mapstructure:"anti_entropy"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	FailureDetector FailureDetectorConfig `mapstructure:"failure_detector"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Network     NetworkConfig     `mapstructure:"network"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// GossipConfig mirrors spec.md §6's gossip tunables.
type GossipConfig struct {
	IntervalMillis      int `mapstructure:"interval_millis"`
	Fanout              int `mapstructure:"fanout"`
	MaxHops             int `mapstructure:"max_hops"`
	MessageMaxAgeSeconds int `mapstructure:"message_max_age_seconds"`
	OutboundQueueCapacity int `mapstructure:"outbound_queue_capacity"`
}

// AntiEntropyConfig mirrors spec.md §6's anti-entropy tunable.
type AntiEntropyConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// RegistryConfig mirrors spec.md §6's registry tunables.
type RegistryConfig struct {
	Strategy           string `mapstructure:"strategy"`
	MaxEntries         int    `mapstructure:"max_entries"`
	AliveTTLSeconds    int    `mapstructure:"alive_ttl_seconds"`
	SuspectTTLSeconds  int    `mapstructure:"suspect_ttl_seconds"`
	TombstoneTTLSeconds int   `mapstructure:"tombstone_ttl_seconds"`
	EvictionIntervalSeconds int `mapstructure:"eviction_interval_seconds"`
}

// FailureDetectorConfig mirrors spec.md §6's failure-detector tunables.
type FailureDetectorConfig struct {
	SuspectThreshold       int `mapstructure:"suspect_threshold"`
	FailedThreshold        int `mapstructure:"failed_threshold"`
	FailedProbeIntervalSeconds int `mapstructure:"failed_probe_interval_seconds"`
}

// BreakerConfig mirrors spec.md §6's circuit-breaker/retry tunables.
type BreakerConfig struct {
	FailureThreshold    int `mapstructure:"failure_threshold"`
	SuccessThreshold    int `mapstructure:"success_threshold"`
	ResetTimeoutSeconds int `mapstructure:"reset_timeout_seconds"`
	MaxRetries          int `mapstructure:"max_retries"`
	InitialBackoffMillis int `mapstructure:"initial_backoff_millis"`
	MaxBackoffMillis    int `mapstructure:"max_backoff_millis"`
}

// NetworkConfig mirrors spec.md §6's transport timeouts.
type NetworkConfig struct {
	DialTimeoutMillis  int `mapstructure:"dial_timeout_millis"`
	ReadTimeoutMillis  int `mapstructure:"read_timeout_millis"`
	WriteTimeoutMillis int `mapstructure:"write_timeout_millis"`
}

// MetricsConfig controls the optional obsmetrics system sampler.
type MetricsConfig struct {
	Enable              bool `mapstructure:"enable"`
	SampleIntervalSeconds int `mapstructure:"sample_interval_seconds"`
}

// Load builds a Config from cobra flags, an optional config file, and
// DISCOVERYD_-prefixed environment variables. Following viper's
// precedence, an explicitly set flag wins over an environment
// variable, which wins over the config file, which wins over defaults.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("DISCOVERYD")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_address", ":7946")
	v.SetDefault("log_level", "info")

	v.SetDefault("gossip.interval_millis", 1000)
	v.SetDefault("gossip.fanout", 3)
	v.SetDefault("gossip.max_hops", 6)
	v.SetDefault("gossip.message_max_age_seconds", 30)
	v.SetDefault("gossip.outbound_queue_capacity", 1024)

	v.SetDefault("anti_entropy.interval_seconds", 10)

	v.SetDefault("registry.strategy", "composite")
	v.SetDefault("registry.max_entries", 0)
	v.SetDefault("registry.alive_ttl_seconds", 30)
	v.SetDefault("registry.suspect_ttl_seconds", 60)
	v.SetDefault("registry.tombstone_ttl_seconds", 300)
	v.SetDefault("registry.eviction_interval_seconds", 5)

	v.SetDefault("failure_detector.suspect_threshold", 2)
	v.SetDefault("failure_detector.failed_threshold", 4)
	v.SetDefault("failure_detector.failed_probe_interval_seconds", 15)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.reset_timeout_seconds", 30)
	v.SetDefault("breaker.max_retries", 3)
	v.SetDefault("breaker.initial_backoff_millis", 100)
	v.SetDefault("breaker.max_backoff_millis", 5000)

	v.SetDefault("network.dial_timeout_millis", 2000)
	v.SetDefault("network.read_timeout_millis", 2000)
	v.SetDefault("network.write_timeout_millis", 2000)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.sample_interval_seconds", 15)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"node-id":       "node_id",
		"bind-address":  "bind_address",
		"data-dir":      "data_dir",
		"log-level":     "log_level",
		"bootstrap-peers": "bootstrap_peers",
	}
	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or DISCOVERYD_DATA_DIR environment variable")
	}
	if cfg.Gossip.Fanout <= 0 {
		return fmt.Errorf("gossip.fanout must be positive")
	}
	return nil
}
