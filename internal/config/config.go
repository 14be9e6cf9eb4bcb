// Package config provides unified configuration for the solrqueue binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MonitoringMode controls how record changes reach the index queue.
type MonitoringMode string

const (
	// MonitoringImmediate updates the index queue synchronously on every change.
	MonitoringImmediate MonitoringMode = "immediate"
	// MonitoringDelayed stores changes in the event queue for a later replay.
	MonitoringDelayed MonitoringMode = "delayed"
	// MonitoringDisabled ignores record changes entirely.
	MonitoringDisabled MonitoringMode = "disabled"
)

// CommitPolicy controls whether index runs commit explicitly.
type CommitPolicy string

const (
	CommitNone CommitPolicy = "none"
	CommitSoft CommitPolicy = "soft"
	CommitHard CommitPolicy = "hard"
)

// Config holds the unified configuration for solrqueue.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// EncryptionKey is mixed into every site hash
	EncryptionKey string `json:"encryption_key" yaml:"encryption_key"`

	Database   DatabaseConfig   `json:"database" yaml:"database"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Monitoring MonitoringConfig `json:"monitoring" yaml:"monitoring"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Solr       SolrConfig       `json:"solr" yaml:"solr"`

	// Tables describes the CMS tables the queue reads from
	Tables map[string]TableConfig `json:"tables" yaml:"tables"`

	// Sites lists every indexable site
	Sites []SiteConfig `json:"sites" yaml:"sites"`
}

// DatabaseConfig holds the SQLite locations.
type DatabaseConfig struct {
	// Path is the queue database (index queue + event queue)
	Path string `json:"path" yaml:"path"`

	// RecordsPath is the CMS record database; defaults to Path
	RecordsPath string `json:"records_path" yaml:"records_path"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// CacheConfig holds the persistent cache level configuration.
type CacheConfig struct {
	// RedisURL enables the persistent level when set
	RedisURL string        `json:"redis_url" yaml:"redis_url"`
	Prefix   string        `json:"prefix" yaml:"prefix"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MonitoringConfig holds record change monitoring configuration.
type MonitoringConfig struct {
	Mode MonitoringMode `json:"mode" yaml:"mode"`

	// TrackRecordsOutsideSiteRoot enables additional_page_ids lookups
	TrackRecordsOutsideSiteRoot bool `json:"track_records_outside_siteroot" yaml:"track_records_outside_siteroot"`
}

// SchedulerConfig holds configuration for the background runs.
type SchedulerConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	CheckInterval   time.Duration `json:"check_interval" yaml:"check_interval"`
	MaxDocuments    int           `json:"max_documents" yaml:"max_documents"`
	BatchSize       int           `json:"batch_size" yaml:"batch_size"`
	EventQueueLimit int           `json:"event_queue_limit" yaml:"event_queue_limit"`
}

// SolrConfig holds settings shared by every Solr connection.
type SolrConfig struct {
	Commit         CommitPolicy  `json:"commit" yaml:"commit"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/solrqueue",
		HTTP: HTTPConfig{
			Addr:         ":8090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Cache: CacheConfig{
			Prefix: "solrqueue",
			TTL:    24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Monitoring: MonitoringConfig{
			Mode:                        MonitoringImmediate,
			TrackRecordsOutsideSiteRoot: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			CheckInterval:   time.Minute,
			MaxDocuments:    50,
			BatchSize:       10,
			EventQueueLimit: 100,
		},
		Solr: SolrConfig{
			Commit:         CommitNone,
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    20 * time.Second,
			Timeout:        30 * time.Second,
		},
		Tables: DefaultTables(),
	}
}

// Resolve resolves relative paths and fills defaults that depend on other fields.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/solrqueue"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "solrqueue.db")
	}
	if c.Database.RecordsPath == "" {
		c.Database.RecordsPath = c.Database.Path
	}
	if c.Tables == nil {
		c.Tables = make(map[string]TableConfig)
	}
	for name, def := range DefaultTables() {
		if _, ok := c.Tables[name]; !ok {
			c.Tables[name] = def
		}
	}
	for name, tc := range c.Tables {
		c.Tables[name] = tc.withDefaults()
	}

	for i := range c.Sites {
		site := &c.Sites[i]
		for j := range site.Indexing {
			ic := &site.Indexing[j]
			if ic.Table == "" {
				ic.Table = ic.Name
			}
			if ic.Type == "" {
				if ic.Table == PagesTable {
					ic.Type = IndexingTypePage
				} else {
					ic.Type = IndexingTypeRecord
				}
			}
			if ic.Type == IndexingTypePage && len(ic.AllowedPageTypes) == 0 {
				ic.AllowedPageTypes = DefaultAllowedPageTypes()
			}
			if _, ok := c.Tables[ic.Table]; !ok {
				c.Tables[ic.Table] = TableConfig{}.withDefaults()
			}
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Monitoring.Mode {
	case MonitoringImmediate, MonitoringDelayed, MonitoringDisabled:
	default:
		return fmt.Errorf("invalid monitoring mode: %s (must be immediate, delayed, or disabled)", c.Monitoring.Mode)
	}

	switch c.Solr.Commit {
	case CommitNone, CommitSoft, CommitHard:
	default:
		return fmt.Errorf("invalid solr commit policy: %s (must be none, soft, or hard)", c.Solr.Commit)
	}

	if c.Scheduler.MaxDocuments <= 0 {
		return fmt.Errorf("scheduler.max_documents must be positive, got %d", c.Scheduler.MaxDocuments)
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be positive, got %d", c.Scheduler.BatchSize)
	}
	if c.Scheduler.Enabled && c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.check_interval must be positive when the scheduler is enabled")
	}

	roots := make(map[int64]bool, len(c.Sites))
	for i := range c.Sites {
		site := &c.Sites[i]
		if err := site.validate(c.Tables); err != nil {
			return err
		}
		if roots[site.RootPageID] {
			return fmt.Errorf("duplicate site root_page_id %d", site.RootPageID)
		}
		roots[site.RootPageID] = true
	}

	return nil
}

// SiteByRoot returns the site configured for the given root page.
func (c *Config) SiteByRoot(root int64) (*SiteConfig, bool) {
	for i := range c.Sites {
		if c.Sites[i].RootPageID == root {
			return &c.Sites[i], true
		}
	}
	return nil, false
}

// Table returns the table configuration, falling back to defaults.
func (c *Config) Table(name string) TableConfig {
	if tc, ok := c.Tables[name]; ok {
		return tc
	}
	return TableConfig{}.withDefaults()
}

// MonitoredTables returns every table that can produce queue items:
// pages, the content table, and all tables named by an indexing configuration.
func (c *Config) MonitoredTables() map[string]bool {
	tables := map[string]bool{PagesTable: true, ContentTable: true}
	for _, site := range c.Sites {
		for _, ic := range site.Indexing {
			tables[ic.Table] = true
		}
	}
	return tables
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SOLRQUEUE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SOLRQUEUE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SOLRQUEUE_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}

	// Database configuration
	if v := os.Getenv("SOLRQUEUE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SOLRQUEUE_RECORDS_DB_PATH"); v != "" {
		cfg.Database.RecordsPath = v
	}

	if v := os.Getenv("SOLRQUEUE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Cache configuration
	if v := os.Getenv("SOLRQUEUE_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("SOLRQUEUE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}

	// Logging configuration
	if v := os.Getenv("SOLRQUEUE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SOLRQUEUE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("SOLRQUEUE_MONITORING_MODE"); v != "" {
		cfg.Monitoring.Mode = MonitoringMode(v)
	}

	// Scheduler configuration
	if v := os.Getenv("SOLRQUEUE_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SOLRQUEUE_SCHEDULER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.CheckInterval = d
		}
	}
	if v := os.Getenv("SOLRQUEUE_SCHEDULER_MAX_DOCUMENTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Scheduler.MaxDocuments)
	}
	if v := os.Getenv("SOLRQUEUE_SCHEDULER_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Scheduler.BatchSize)
	}

	if v := os.Getenv("SOLRQUEUE_SOLR_COMMIT"); v != "" {
		cfg.Solr.Commit = CommitPolicy(v)
	}
	if v := os.Getenv("SOLRQUEUE_SOLR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Solr.Timeout = d
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Database.Path),
		filepath.Dir(c.Database.RecordsPath),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
