// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Index    IndexConfig    `mapstructure:"index"`
	Seen     SeenConfig     `mapstructure:"seen"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// CrawlerConfig governs politeness, scheduling and fetching.
type CrawlerConfig struct {
	AllowedDomains       []string      `mapstructure:"allowed_domains"`
	DenyPatterns         []string      `mapstructure:"deny_patterns"`
	UserAgent            string        `mapstructure:"user_agent"`
	ObeyRobots           bool          `mapstructure:"obey_robots"`
	Concurrency          int           `mapstructure:"concurrency"`
	PerDomainConcurrency int           `mapstructure:"per_domain_concurrency"`
	Delay                time.Duration `mapstructure:"delay"`
	Jitter               bool          `mapstructure:"jitter"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	FetchRetries         int           `mapstructure:"fetch_retries"`
	BatchSize            int           `mapstructure:"batch_size"`
	Oversample           int           `mapstructure:"oversample"`
	ItemCeiling          int           `mapstructure:"item_ceiling"`
	EmptyFillBackoff     time.Duration `mapstructure:"empty_fill_backoff"`
	StoreHTML            bool          `mapstructure:"store_html"`
	MaxBodyBytes         int           `mapstructure:"max_body_bytes"`
	FallbackURLs         []string      `mapstructure:"fallback_urls"`
}

// PipelineConfig bounds index-write retries.
type PipelineConfig struct {
	WriteAttempts  int           `mapstructure:"write_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// IndexConfig selects and configures the document store.
type IndexConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SeenConfig selects and configures the seen-set.
type SeenConfig struct {
	Backend  string `mapstructure:"backend"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// JournalConfig controls the append-only JSONL record of ingested pages.
type JournalConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig toggles zap development features and the optional log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("crawler.allowed_domains", []string{"nankai.edu.cn"})
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (compatible; campus-crawler/1.0)")
	v.SetDefault("crawler.obey_robots", true)
	v.SetDefault("crawler.concurrency", 16)
	v.SetDefault("crawler.per_domain_concurrency", 8)
	v.SetDefault("crawler.delay", time.Second)
	v.SetDefault("crawler.jitter", true)
	v.SetDefault("crawler.request_timeout", 7*time.Second)
	v.SetDefault("crawler.fetch_retries", 0)
	v.SetDefault("crawler.batch_size", 1000)
	v.SetDefault("crawler.oversample", 5)
	v.SetDefault("crawler.item_ceiling", 1000000)
	v.SetDefault("crawler.empty_fill_backoff", 5*time.Second)
	v.SetDefault("crawler.store_html", false)
	v.SetDefault("crawler.max_body_bytes", 20*1024*1024)
	v.SetDefault("crawler.fallback_urls", []string{
		"https://www.nankai.edu.cn/",
		"https://news.nankai.edu.cn/",
		"https://jwc.nankai.edu.cn/",
		"https://lib.nankai.edu.cn/",
	})
	v.SetDefault("pipeline.write_attempts", 3)
	v.SetDefault("pipeline.backoff_initial", 250*time.Millisecond)
	v.SetDefault("pipeline.backoff_max", 5*time.Second)
	v.SetDefault("index.backend", "memory")
	v.SetDefault("index.table", "pages")
	v.SetDefault("index.max_conns", 8)
	v.SetDefault("seen.backend", "memory")
	v.SetDefault("seen.addr", "localhost:6379")
	v.SetDefault("seen.key", "crawled_urls")
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "data")
	v.SetDefault("journal.max_size_mb", 256)
	v.SetDefault("journal.max_backups", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if len(c.Crawler.AllowedDomains) == 0 {
		return fmt.Errorf("crawler.allowed_domains must not be empty")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.PerDomainConcurrency <= 0 {
		return fmt.Errorf("crawler.per_domain_concurrency must be > 0")
	}
	if c.Crawler.Delay < 0 {
		return fmt.Errorf("crawler.delay must be >= 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.FetchRetries < 0 {
		return fmt.Errorf("crawler.fetch_retries must be >= 0")
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.Oversample <= 0 {
		return fmt.Errorf("crawler.oversample must be > 0")
	}
	if c.Crawler.ItemCeiling < 0 {
		return fmt.Errorf("crawler.item_ceiling must be >= 0")
	}
	if c.Pipeline.WriteAttempts <= 0 {
		return fmt.Errorf("pipeline.write_attempts must be > 0")
	}
	switch c.Index.Backend {
	case "memory":
	case "postgres":
		if c.Index.DSN == "" {
			return fmt.Errorf("index.dsn must be set when index.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown index.backend %q", c.Index.Backend)
	}
	switch c.Seen.Backend {
	case "memory":
	case "redis":
		if c.Seen.Addr == "" {
			return fmt.Errorf("seen.addr must be set when seen.backend is redis")
		}
	default:
		return fmt.Errorf("unknown seen.backend %q", c.Seen.Backend)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path must be set when the journal is enabled")
	}
	return nil
}
