// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
)

// EnvPrefix namespaces environment overrides, e.g. HARVESTER_CRAWL_N=5.
const EnvPrefix = "HARVESTER"

// DefaultUserAgent identifies the harvester to publishers.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) NatureCrawler/1.0"

// Config captures every run knob loaded via Viper.
type Config struct {
	Crawl        CrawlConfig   `mapstructure:"crawl"`
	HTTP         HTTPConfig    `mapstructure:"http"`
	Output       OutputConfig  `mapstructure:"output"`
	Metrics      MetricsConfig `mapstructure:"metrics"`
	Logging      LoggingConfig `mapstructure:"logging"`
	JournalsFile string        `mapstructure:"journals_file"`
	// Journals is the resolved registry: built-in defaults merged with
	// JournalsFile.
	Journals []harvest.Journal `mapstructure:"-"`
}

// CrawlConfig governs listing traversal and screening.
type CrawlConfig struct {
	N                   int      `mapstructure:"n"`
	StartYear           int      `mapstructure:"start_year"`
	EndYear             int      `mapstructure:"end_year"`
	MaxPages            int      `mapstructure:"max_pages"`
	DryRun              bool     `mapstructure:"dry_run"`
	Resume              bool     `mapstructure:"resume"`
	DownloadConcurrency int      `mapstructure:"download_concurrency"`
	ESMHosts            []string `mapstructure:"esm_hosts"`
}

// HTTPConfig configures the robots gate and fetchers.
type HTTPConfig struct {
	UserAgent       string  `mapstructure:"user_agent"`
	DelaySeconds    float64 `mapstructure:"delay_seconds"`
	TimeoutSeconds  float64 `mapstructure:"timeout_seconds"`
	DeadlineSeconds float64 `mapstructure:"deadline_seconds"`
	Retries         int     `mapstructure:"retries"`
	MaxPageBytes    int     `mapstructure:"max_page_bytes"`
}

// OutputConfig locates the output tree.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// MetricsConfig enables the /metrics endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig selects the zap encoder and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Delay is the per-host spacing between requests.
func (c HTTPConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

// Timeout is the per-request stall timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// Deadline caps one request attempt end to end. Zero disables the cap.
func (c HTTPConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds * float64(time.Second))
}

// NewViper returns a Viper instance with defaults and environment binding
// applied. Callers may bind flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the optional config file at path into v, resolves the journal
// registry, and validates the result. Any failure wraps harvest.ErrConfig.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &harvest.ConfigError{Field: "config", Reason: fmt.Sprintf("read %s: %v", path, err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &harvest.ConfigError{Field: "config", Reason: fmt.Sprintf("unmarshal: %v", err)}
	}

	journals, err := LoadJournals(cfg.JournalsFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Journals = journals

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.n", 10)
	v.SetDefault("crawl.start_year", 2023)
	v.SetDefault("crawl.end_year", 2026)
	v.SetDefault("crawl.max_pages", 400)
	v.SetDefault("crawl.dry_run", false)
	v.SetDefault("crawl.resume", true)
	v.SetDefault("crawl.download_concurrency", 4)
	v.SetDefault("crawl.esm_hosts", []string{"static-content.springer.com"})
	v.SetDefault("http.user_agent", DefaultUserAgent)
	v.SetDefault("http.delay_seconds", 1.0)
	v.SetDefault("http.timeout_seconds", 30.0)
	v.SetDefault("http.deadline_seconds", 600.0)
	v.SetDefault("http.retries", 3)
	v.SetDefault("http.max_page_bytes", 10*1024*1024)
	v.SetDefault("output.dir", "output")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("journals_file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Crawl.N <= 0:
		return &harvest.ConfigError{Field: "crawl.n", Reason: "must be > 0"}
	case c.Crawl.StartYear < 1900:
		return &harvest.ConfigError{Field: "crawl.start_year", Reason: fmt.Sprintf("%d is not a plausible year", c.Crawl.StartYear)}
	case c.Crawl.EndYear < c.Crawl.StartYear:
		return &harvest.ConfigError{
			Field:  "crawl.end_year",
			Reason: fmt.Sprintf("%d precedes start year %d", c.Crawl.EndYear, c.Crawl.StartYear),
		}
	case c.Crawl.MaxPages <= 0:
		return &harvest.ConfigError{Field: "crawl.max_pages", Reason: "must be > 0"}
	case c.Crawl.DownloadConcurrency <= 0:
		return &harvest.ConfigError{Field: "crawl.download_concurrency", Reason: "must be > 0"}
	case c.HTTP.DelaySeconds < 0:
		return &harvest.ConfigError{Field: "http.delay_seconds", Reason: "must be >= 0"}
	case c.HTTP.TimeoutSeconds <= 0:
		return &harvest.ConfigError{Field: "http.timeout_seconds", Reason: "must be > 0"}
	case c.HTTP.DeadlineSeconds < 0:
		return &harvest.ConfigError{Field: "http.deadline_seconds", Reason: "must be >= 0"}
	case c.HTTP.Retries <= 0:
		return &harvest.ConfigError{Field: "http.retries", Reason: "must be > 0"}
	case strings.TrimSpace(c.HTTP.UserAgent) == "":
		return &harvest.ConfigError{Field: "http.user_agent", Reason: "must not be empty"}
	case strings.TrimSpace(c.Output.Dir) == "":
		return &harvest.ConfigError{Field: "output.dir", Reason: "must not be empty"}
	}
	return validateJournals(c.Journals)
}
