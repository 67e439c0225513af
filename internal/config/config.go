// Package config loads and validates studio configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/source"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Queues    QueuesConfig    `mapstructure:"queues"`
	Pools     []PoolConfig    `mapstructure:"pools"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Sources   SourcesConfig   `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig controls zap construction.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to Postgres. Empty DSN selects the in-memory
// stores.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// StorageConfig sets the raw-capture archive destination. Empty bucket
// selects the in-memory store.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds terminal-event publishing metadata. Empty project id
// disables publishing.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	WorkflowTopic   string `mapstructure:"workflow_topic"`
	EvaluationTopic string `mapstructure:"evaluation_topic"`
}

// QueuesConfig is the routing table plus the lease and redelivery policy,
// explicit and versioned rather than inherited from broker defaults.
type QueuesConfig struct {
	Routing          map[string]string `mapstructure:"routing"`
	LeaseSeconds     int               `mapstructure:"lease_seconds"`
	MaxDeliveries    int               `mapstructure:"max_deliveries"`
	RedeliveryBaseMs int               `mapstructure:"redelivery_base_ms"`
	RedeliveryMaxMs  int               `mapstructure:"redelivery_max_ms"`
}

// PoolConfig declares one worker pool.
type PoolConfig struct {
	Name               string   `mapstructure:"name"`
	Concurrency        int      `mapstructure:"concurrency"`
	Prefetch           int      `mapstructure:"prefetch"`
	Queues             []string `mapstructure:"queues"`
	TaskTimeoutSeconds int      `mapstructure:"task_timeout_seconds"`
}

// WorkflowConfig governs the extraction workflow.
type WorkflowConfig struct {
	Subagents []string `mapstructure:"subagents"`
}

// ExtractorConfig points at the inference service.
type ExtractorConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SnapshotsConfig locates the committed fixture files.
type SnapshotsConfig struct {
	Path string `mapstructure:"path"`
}

// SourcesConfig declares the checked sources and their cadence.
type SourcesConfig struct {
	CheckIntervalMinutes int             `mapstructure:"check_interval_minutes"`
	Sources              []source.Source `mapstructure:"sources"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STUDIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("storage.prefix", "captures")
	v.SetDefault("queues.routing", map[string]string{
		string(studio.TaskKindSourceCheck): "bulk",
		string(studio.TaskKindWorkflow):    "express",
		string(studio.TaskKindEvaluation):  "express",
	})
	v.SetDefault("queues.lease_seconds", 30)
	v.SetDefault("queues.max_deliveries", 4)
	v.SetDefault("queues.redelivery_base_ms", 1000)
	v.SetDefault("queues.redelivery_max_ms", 30000)
	v.SetDefault("pools", []map[string]any{
		{"name": "bulk", "concurrency": 2, "prefetch": 1, "queues": []string{"bulk"}, "task_timeout_seconds": 600},
		{"name": "express", "concurrency": 4, "prefetch": 1, "queues": []string{"express"}, "task_timeout_seconds": 120},
	})
	v.SetDefault("workflow.subagents", []string{"cmdline"})
	v.SetDefault("extractor.base_url", "http://localhost:9090")
	v.SetDefault("extractor.timeout_seconds", 60)
	v.SetDefault("snapshots.path", "snapshots")
	v.SetDefault("sources.check_interval_minutes", 15)
}

// Validate enforces startup-fatal invariants: a total routing table, valid
// pool declarations, and full queue coverage across the pools.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}

	router, err := c.RoutingTable()
	if err != nil {
		return err
	}
	routed := make(map[string]bool)
	for _, q := range router.Queues() {
		routed[q] = true
	}

	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one worker pool is required")
	}
	covered := make(map[string]bool)
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("pool name is required")
		}
		if p.Concurrency <= 0 {
			return fmt.Errorf("pool %s: concurrency must be > 0", p.Name)
		}
		if len(p.Queues) == 0 {
			return fmt.Errorf("pool %s: at least one queue subscription required", p.Name)
		}
		for _, q := range p.Queues {
			if !routed[q] {
				return fmt.Errorf("pool %s subscribes to unrouted queue %q", p.Name, q)
			}
			covered[q] = true
		}
	}
	for q := range routed {
		if !covered[q] {
			return fmt.Errorf("queue %q has no subscribed worker pool", q)
		}
	}

	if len(c.Workflow.Subagents) == 0 {
		return fmt.Errorf("workflow.subagents must not be empty")
	}
	return nil
}

// RoutingTable builds the validated kind-to-queue router.
func (c Config) RoutingTable() (*studio.RoutingTable, error) {
	mapping := make(map[studio.TaskKind]string, len(c.Queues.Routing))
	for kind, queue := range c.Queues.Routing {
		mapping[studio.TaskKind(kind)] = queue
	}
	return studio.NewRoutingTable(mapping)
}

// LeaseTimeout returns the configured lease duration.
func (c QueuesConfig) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// RedeliveryBase returns the first redelivery backoff delay.
func (c QueuesConfig) RedeliveryBase() time.Duration {
	return time.Duration(c.RedeliveryBaseMs) * time.Millisecond
}

// RedeliveryCap returns the backoff ceiling.
func (c QueuesConfig) RedeliveryCap() time.Duration {
	return time.Duration(c.RedeliveryMaxMs) * time.Millisecond
}
