// Package config loads the YAML configuration for the topic engine, indexer
// framework, and storage/database resources, following the same
// LoadXConfig(path) (*X, error) + environment-override convention as
// internal/infrastructure/db.LoadAppConfig.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TopicConfig configures a Durable Topic Engine resource binding.
type TopicConfig struct {
	DBPath              string        `yaml:"db_path"`
	MaxPoolSize         int           `yaml:"max_pool_size"`
	MinIdle             int           `yaml:"min_idle"`
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	ClaimTimeout        time.Duration `yaml:"claim_timeout"`
	MetricsWindowSizeMs int           `yaml:"metrics_window_size_ms"`
}

// IndexerConfig configures one indexer's run discovery and buffering.
type IndexerConfig struct {
	RunID                       string        `yaml:"run_id"`
	PollInterval                time.Duration `yaml:"poll_interval"`
	MaxPollDuration             time.Duration `yaml:"max_poll_duration"`
	MetadataFilePollInterval    time.Duration `yaml:"metadata_file_poll_interval"`
	MetadataFileMaxPollDuration time.Duration `yaml:"metadata_file_max_poll_duration"`
	InsertBatchSize             int           `yaml:"insert_batch_size"`
	FlushTimeout                time.Duration `yaml:"flush_timeout"`
}

// StorageConfig configures the filesystem-backed blob store.
type StorageConfig struct {
	RootDirectory string `yaml:"root_directory"`
}

// DatabaseConfig configures the backing relational store.
type DatabaseConfig struct {
	DSN                 string        `yaml:"dsn"`
	DataDirectory       string        `yaml:"data_directory"`
	MaxOpenConns        int           `yaml:"max_open_conns"`
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime     time.Duration `yaml:"conn_max_idle_time"`
	MetricsWindowSizeMs int           `yaml:"metrics_window_size_ms"`
}

// AppConfig is the top-level configuration document for indexerd/topicctl.
type AppConfig struct {
	Topic    TopicConfig    `yaml:"topic"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
}

// LoadAppConfig loads configuration from a YAML file, applies ${VAR}
// expansion to path-like fields and environment overrides, then fills in
// defaults for anything left unset.
func LoadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.Storage.RootDirectory = os.Expand(cfg.Storage.RootDirectory, os.Getenv)
	cfg.Database.DataDirectory = os.Expand(cfg.Database.DataDirectory, os.Getenv)

	applyDatabaseEnvOverrides(&cfg.Database)
	applyTopicEnvOverrides(&cfg.Topic)
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDatabaseEnvOverrides(c *DatabaseConfig) {
	if dsn := os.Getenv("PIPELINE_PG_DSN"); dsn != "" {
		c.DSN = dsn
	}
	if v := os.Getenv("PIPELINE_PG_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxOpenConns = n
		}
	}
	if v := os.Getenv("PIPELINE_PG_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxIdleConns = n
		}
	}
	if v := os.Getenv("PIPELINE_PG_CONN_MAX_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ConnMaxLifetime = d
		}
	}
}

func applyTopicEnvOverrides(c *TopicConfig) {
	if v := os.Getenv("PIPELINE_TOPIC_CLAIM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ClaimTimeout = d
		}
	}
	if v := os.Getenv("PIPELINE_TOPIC_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("PIPELINE_TOPIC_PASSWORD"); v != "" {
		c.Password = v
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Topic.MaxPoolSize == 0 {
		cfg.Topic.MaxPoolSize = 10
	}
	if cfg.Topic.MinIdle == 0 {
		cfg.Topic.MinIdle = 2
	}
	if cfg.Topic.ClaimTimeout == 0 {
		cfg.Topic.ClaimTimeout = 30 * time.Second
	}
	if cfg.Topic.MetricsWindowSizeMs == 0 {
		cfg.Topic.MetricsWindowSizeMs = 5000
	}

	if cfg.Indexer.PollInterval == 0 {
		cfg.Indexer.PollInterval = time.Second
	}
	if cfg.Indexer.MaxPollDuration == 0 {
		cfg.Indexer.MaxPollDuration = 300 * time.Second
	}
	if cfg.Indexer.MetadataFilePollInterval == 0 {
		cfg.Indexer.MetadataFilePollInterval = time.Second
	}
	if cfg.Indexer.MetadataFileMaxPollDuration == 0 {
		cfg.Indexer.MetadataFileMaxPollDuration = 60 * time.Second
	}
	if cfg.Indexer.InsertBatchSize == 0 {
		cfg.Indexer.InsertBatchSize = 500
	}
	if cfg.Indexer.FlushTimeout == 0 {
		cfg.Indexer.FlushTimeout = 2 * time.Second
	}

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 5 * time.Minute
	}
	if cfg.Database.MetricsWindowSizeMs == 0 {
		cfg.Database.MetricsWindowSizeMs = 5000
	}
}
