// Package config loads and validates the application configuration from a
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/evradar/evradar/internal/canonical"
)

// Config represents the complete application configuration
type Config struct {
	Collectors CollectorsConfig `mapstructure:"collectors"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Store      StoreConfig      `mapstructure:"store"`
	Calendar   CalendarConfig   `mapstructure:"calendar"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Run        RunConfig        `mapstructure:"run"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CalendarFeed is one official calendar ICS subscription (BLS, BEA, ...).
type CalendarFeed struct {
	Name    string `mapstructure:"name"`
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// RSSFeed is one news feed polled for shock candidates.
type RSSFeed struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// CollectorsConfig holds the collector sources and shared fetch settings.
type CollectorsConfig struct {
	Calendars  []CalendarFeed `mapstructure:"calendars"`
	RSS        []RSSFeed      `mapstructure:"rss"`
	OpexMonths int            `mapstructure:"opex_months"`
	WindowDays int            `mapstructure:"window_days"`
	Timeout    time.Duration  `mapstructure:"timeout"`
}

// MacroTitleRule maps a macro release title pattern onto a fixed
// entity/subtype pair. Order matters; the first matching rule wins.
type MacroTitleRule struct {
	Pattern string `mapstructure:"pattern"`
	Entity  string `mapstructure:"entity"`
	Subtype string `mapstructure:"subtype"`
}

// RulesConfig holds the canonicalization and prefilter rule tables.
type RulesConfig struct {
	MacroTitles     []MacroTitleRule   `mapstructure:"macro_titles"`
	RiskBySubtype   map[string]int     `mapstructure:"risk_by_subtype"`
	Keywords        map[string]float64 `mapstructure:"keywords"`
	StageAThreshold float64            `mapstructure:"stage_a_threshold"`
	StageBTopK      int                `mapstructure:"stage_b_top_k"`
}

// CompiledMacroRules compiles the configured title patterns once, preserving
// order.
func (r RulesConfig) CompiledMacroRules() ([]canonical.MacroRule, error) {
	out := make([]canonical.MacroRule, 0, len(r.MacroTitles))
	for _, rule := range r.MacroTitles {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("macro rule %q: %w", rule.Pattern, err)
		}
		out = append(out, canonical.MacroRule{Pattern: re, Entity: rule.Entity, Subtype: rule.Subtype})
	}
	return out, nil
}

// StoreConfig holds the event database location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// CalendarConfig holds the calendar feed output settings.
type CalendarConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	Name      string `mapstructure:"name"`
	DaysBack  int    `mapstructure:"days_back"`
	DaysAhead int    `mapstructure:"days_ahead"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	Enabled  bool   `mapstructure:"enabled"`
}

// MetricsConfig holds the optional Prometheus listener configuration.
type MetricsConfig struct {
	Listen  string `mapstructure:"listen"`
	Enabled bool   `mapstructure:"enabled"`
}

// RunConfig holds batch execution configuration.
type RunConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override. Nested keys map dots to
	// underscores, so store.path becomes EVRADAR_STORE_PATH.
	v.SetEnvPrefix("EVRADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Collector defaults
	v.SetDefault("collectors.calendars", []map[string]any{
		{"name": "bls", "url": "https://www.bls.gov/schedule/news_release/bls.ics", "enabled": true},
		{"name": "bea", "url": "https://www.bea.gov/news/schedule/ics/online-calendar-subscription.ics", "enabled": true},
	})
	v.SetDefault("collectors.opex_months", 6)
	v.SetDefault("collectors.window_days", 180)
	v.SetDefault("collectors.timeout", "30s")

	// Canonicalization rule defaults: the official-release taxonomy.
	v.SetDefault("rules.macro_titles", []map[string]any{
		{"pattern": `(?i)\b(FOMC|fed funds|interest rate decision|federal reserve)\b`, "entity": "us", "subtype": "fomc"},
		{"pattern": `(?i)\b(CPI|consumer price index)\b`, "entity": "us", "subtype": "cpi"},
		{"pattern": `(?i)\b(nonfarm|NFP|non-farm|employment situation)\b`, "entity": "us", "subtype": "nfp"},
		{"pattern": `(?i)\b(PPI|producer price index)\b`, "entity": "us", "subtype": "ppi"},
		{"pattern": `(?i)\b(PCE|personal income)\b`, "entity": "us", "subtype": "pce"},
		{"pattern": `(?i)\b(GDP|gross domestic product)\b`, "entity": "us", "subtype": "gdp"},
		{"pattern": `(?i)\bjobless claims\b`, "entity": "us", "subtype": "jobless-claims"},
		{"pattern": `(?i)\bISM\b`, "entity": "us", "subtype": "ism"},
		{"pattern": `(?i)\bretail sales\b`, "entity": "us", "subtype": "retail-sales"},
	})
	v.SetDefault("rules.risk_by_subtype", map[string]int{
		"fomc":           60,
		"cpi":            50,
		"nfp":            50,
		"pce":            45,
		"gdp":            45,
		"ppi":            35,
		"jobless-claims": 30,
		"ism":            35,
		"retail-sales":   30,
	})
	v.SetDefault("rules.keywords", map[string]float64{
		"export control": 3.0,
		"tariff":         3.0,
		"sanction":       3.0,
		"semiconductor":  2.0,
		"chip":           1.5,
		"fab":            2.0,
		"foundry":        2.0,
		"lithography":    2.5,
		"earnings":       1.0,
		"guidance":       1.5,
	})
	v.SetDefault("rules.stage_a_threshold", 6.0)
	v.SetDefault("rules.stage_b_top_k", 30)

	// Store defaults
	v.SetDefault("store.path", "./data/events.db")

	// Calendar defaults
	v.SetDefault("calendar.output_dir", "./feeds")
	v.SetDefault("calendar.name", "Event Radar")
	v.SetDefault("calendar.days_back", 1)
	v.SetDefault("calendar.days_ahead", 180)

	// Metrics defaults
	v.SetDefault("metrics.listen", "127.0.0.1:9109")
	v.SetDefault("metrics.enabled", false)

	// Run defaults
	v.SetDefault("run.interval", "24h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate collector config
	if c.Collectors.OpexMonths < 0 || c.Collectors.OpexMonths > 24 {
		return fmt.Errorf("collectors.opex_months must be between 0 and 24")
	}
	if c.Collectors.WindowDays < 1 {
		return fmt.Errorf("collectors.window_days must be at least 1")
	}
	if c.Collectors.Timeout < time.Second {
		return fmt.Errorf("collectors.timeout must be at least 1 second")
	}
	for _, feed := range c.Collectors.Calendars {
		if feed.Name == "" || feed.URL == "" {
			return fmt.Errorf("collectors.calendars entries require name and url")
		}
	}
	for _, feed := range c.Collectors.RSS {
		if feed.Name == "" || feed.URL == "" {
			return fmt.Errorf("collectors.rss entries require name and url")
		}
	}

	// Validate rule config
	if _, err := c.Rules.CompiledMacroRules(); err != nil {
		return err
	}
	if c.Rules.StageAThreshold < 0 {
		return fmt.Errorf("rules.stage_a_threshold must not be negative")
	}
	if c.Rules.StageBTopK < 1 {
		return fmt.Errorf("rules.stage_b_top_k must be at least 1")
	}

	// Validate store config
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	// Validate calendar config
	if c.Calendar.OutputDir == "" {
		return fmt.Errorf("calendar.output_dir is required")
	}
	if c.Calendar.Name == "" {
		return fmt.Errorf("calendar.name is required")
	}
	if c.Calendar.DaysBack < 0 {
		return fmt.Errorf("calendar.days_back must not be negative")
	}
	if c.Calendar.DaysAhead < 1 {
		return fmt.Errorf("calendar.days_ahead must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate metrics config
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	// Validate run config
	if c.Run.Interval < time.Minute {
		return fmt.Errorf("run.interval must be at least 1 minute")
	}

	// Validate logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
