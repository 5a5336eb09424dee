// Package metadict holds the service configuration: YAML file with
// defaults, overridable by environment variables in main.
package metadict

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Listen   string       `yaml:"listen"`
	DBPath   string       `yaml:"db_path"`
	LogLevel string       `yaml:"log_level"`
	Remote   RemoteConfig `yaml:"remote"`
	Cache    CacheConfig  `yaml:"cache"`
	Jobs     JobsConfig   `yaml:"jobs"`
	Export   ExportConfig `yaml:"export"`
}

// RemoteConfig bounds calls to DHIS2 instances.
type RemoteConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxBytes    int64         `yaml:"max_bytes"`
	UserAgent   string        `yaml:"user_agent"`
	PageSize    int           `yaml:"page_size"`
	MaxPages    int           `yaml:"max_pages"`
	PreviewRows int           `yaml:"preview_rows"`
}

// CacheConfig sizes the two shared caches.
type CacheConfig struct {
	QueryMaxEntries    int           `yaml:"query_max_entries"`
	QueryMaxBytes      int64         `yaml:"query_max_bytes"`
	MetadataMaxEntries int           `yaml:"metadata_max_entries"`
	MetadataMaxBytes   int64         `yaml:"metadata_max_bytes"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	MaxAge             time.Duration `yaml:"max_age"`
}

// JobsConfig bounds generation jobs.
type JobsConfig struct {
	MaxErrorMessages int `yaml:"max_error_messages"`
}

// ExportConfig controls export behavior.
type ExportConfig struct {
	// AllowSampleData lets exports substitute deterministic sample
	// analytics when no credentials are available. Development only.
	AllowSampleData bool `yaml:"allow_sample_data"`
}

// LoadConfigFile reads a YAML configuration file and applies defaults.
// An empty path yields the default configuration.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "metadict.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Remote.MaxBytes <= 0 {
		c.Remote.MaxBytes = 10 * 1024 * 1024
	}
	if c.Remote.PageSize <= 0 {
		c.Remote.PageSize = 500
	}
	if c.Remote.MaxPages <= 0 {
		c.Remote.MaxPages = 50
	}
	if c.Remote.PreviewRows <= 0 {
		c.Remote.PreviewRows = 100
	}
	if c.Cache.QueryMaxEntries <= 0 {
		c.Cache.QueryMaxEntries = 200
	}
	if c.Cache.QueryMaxBytes <= 0 {
		c.Cache.QueryMaxBytes = 32 * 1024 * 1024
	}
	if c.Cache.MetadataMaxEntries <= 0 {
		c.Cache.MetadataMaxEntries = 1000
	}
	if c.Cache.MetadataMaxBytes <= 0 {
		c.Cache.MetadataMaxBytes = 64 * 1024 * 1024
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = 5 * time.Minute
	}
	if c.Cache.MaxAge <= 0 {
		c.Cache.MaxAge = time.Hour
	}
	if c.Jobs.MaxErrorMessages <= 0 {
		c.Jobs.MaxErrorMessages = 10
	}
}
