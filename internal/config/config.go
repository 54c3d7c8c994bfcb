// Package config loads process configuration from an optional TOML file and
// MM_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/market-maker/internal/book"
	"github.com/atmx/market-maker/internal/logging"
	"github.com/atmx/market-maker/internal/quote"
	"github.com/atmx/market-maker/internal/risk"
)

// EnvPrefix prefixes every environment override, e.g. MM_SERVER_PORT.
const EnvPrefix = "MM"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       logging.Config  `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Book      BookConfig      `mapstructure:"book"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ReadTimeoutSeconds     int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds    int `mapstructure:"write_timeout_seconds"`
	IdleTimeoutSeconds     int `mapstructure:"idle_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// DatabaseConfig selects PostgreSQL. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig enables the position and trade cache when URL is set.
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// KafkaConfig enables audit publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RiskConfig carries decimals as strings so file and environment values keep
// their exact digits.
type RiskConfig struct {
	Enabled              bool     `mapstructure:"enabled"`
	MaxSingleTradeAmount string   `mapstructure:"max_single_trade_amount"`
	MaxDailyTradeAmount  string   `mapstructure:"max_daily_trade_amount"`
	MaxPositionPerSymbol string   `mapstructure:"max_position_per_symbol"`
	MaxSpreadLimit       string   `mapstructure:"max_spread_limit"`
	MaxLevelDeviation    int      `mapstructure:"max_level_deviation"`
	MaxOrdersPerSecond   int      `mapstructure:"max_orders_per_second"`
	MaxLeverage          string   `mapstructure:"max_leverage"`
	MaxLossLimit         string   `mapstructure:"max_loss_limit"`
	Blacklist            []string `mapstructure:"blacklist"`
	Whitelist            []string `mapstructure:"whitelist"`
}

type BookConfig struct {
	SnapshotIntervalSeconds int `mapstructure:"snapshot_interval_seconds"`
	RetentionHours          int `mapstructure:"retention_hours"`
	SnapshotRetries         int `mapstructure:"snapshot_retries"`
}

type QuoteConfig struct {
	DefaultValiditySeconds int    `mapstructure:"default_validity_seconds"`
	DefaultSpreadBuffer    string `mapstructure:"default_spread_buffer"`
	HistorySize            int    `mapstructure:"history_size"`
}

type SchedulerConfig struct {
	// CleanupHour is the local hour of the daily snapshot cleanup.
	CleanupHour            int `mapstructure:"cleanup_hour"`
	SweepIntervalSeconds   int `mapstructure:"sweep_interval_seconds"`
	MonitorIntervalSeconds int `mapstructure:"monitor_interval_seconds"`
}

// Load reads path when non-empty, applies MM_ environment overrides on top of
// the defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)
	v.SetDefault("server.idle_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "logs/mmengine.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.add_source", false)

	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl_seconds", 300)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "mm.audit.events")

	def := risk.DefaultConfig()
	v.SetDefault("risk.enabled", def.Enabled)
	v.SetDefault("risk.max_single_trade_amount", def.MaxSingleTradeAmount.String())
	v.SetDefault("risk.max_daily_trade_amount", def.MaxDailyTradeAmount.String())
	v.SetDefault("risk.max_position_per_symbol", def.MaxPositionPerSymbol.String())
	v.SetDefault("risk.max_spread_limit", def.MaxSpreadLimit.String())
	v.SetDefault("risk.max_level_deviation", def.MaxLevelDeviation)
	v.SetDefault("risk.max_orders_per_second", def.MaxOrdersPerSecond)
	v.SetDefault("risk.max_leverage", def.MaxLeverage.String())
	v.SetDefault("risk.max_loss_limit", def.MaxLossLimit.String())
	v.SetDefault("risk.blacklist", []string{})
	v.SetDefault("risk.whitelist", []string{})

	v.SetDefault("book.snapshot_interval_seconds", int(book.DefaultSnapshotInterval/time.Second))
	v.SetDefault("book.retention_hours", int(book.DefaultRetention/time.Hour))
	v.SetDefault("book.snapshot_retries", book.DefaultSnapshotRetries)

	v.SetDefault("quote.default_validity_seconds", int(quote.DefaultValidity/time.Second))
	v.SetDefault("quote.default_spread_buffer", quote.DefaultSpreadBuffer.String())
	v.SetDefault("quote.history_size", quote.DefaultHistorySize)

	v.SetDefault("scheduler.cleanup_hour", 2)
	v.SetDefault("scheduler.sweep_interval_seconds", 1)
	v.SetDefault("scheduler.monitor_interval_seconds", 60)
}

// Validate checks ranges and that every decimal option parses.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.port: %d", c.Server.Port))
	}
	if c.Scheduler.CleanupHour < 0 || c.Scheduler.CleanupHour > 23 {
		errs = append(errs, fmt.Errorf("invalid scheduler.cleanup_hour: %d", c.Scheduler.CleanupHour))
	}
	if c.Quote.DefaultValiditySeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid quote.default_validity_seconds: %d", c.Quote.DefaultValiditySeconds))
	}
	if _, err := c.SpreadBuffer(); err != nil {
		errs = append(errs, err)
	}
	rc, err := c.RiskRules()
	if err != nil {
		errs = append(errs, err)
	} else if err := rc.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RiskRules converts the risk section into the engine configuration.
func (c *Config) RiskRules() (risk.Config, error) {
	r := c.Risk
	out := risk.Config{
		Enabled:            r.Enabled,
		MaxLevelDeviation:  r.MaxLevelDeviation,
		MaxOrdersPerSecond: r.MaxOrdersPerSecond,
		Blacklist:          r.Blacklist,
		Whitelist:          r.Whitelist,
	}
	fields := []struct {
		key string
		raw string
		dst *decimal.Decimal
	}{
		{"risk.max_single_trade_amount", r.MaxSingleTradeAmount, &out.MaxSingleTradeAmount},
		{"risk.max_daily_trade_amount", r.MaxDailyTradeAmount, &out.MaxDailyTradeAmount},
		{"risk.max_position_per_symbol", r.MaxPositionPerSymbol, &out.MaxPositionPerSymbol},
		{"risk.max_spread_limit", r.MaxSpreadLimit, &out.MaxSpreadLimit},
		{"risk.max_leverage", r.MaxLeverage, &out.MaxLeverage},
		{"risk.max_loss_limit", r.MaxLossLimit, &out.MaxLossLimit},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return risk.Config{}, fmt.Errorf("invalid %s %q: %w", f.key, f.raw, err)
		}
		*f.dst = v
	}
	return out, nil
}

// SpreadBuffer parses quote.default_spread_buffer.
func (c *Config) SpreadBuffer() (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(c.Quote.DefaultSpreadBuffer))
	if err != nil || !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid quote.default_spread_buffer %q", c.Quote.DefaultSpreadBuffer)
	}
	return v, nil
}

// BookSettings converts the book section.
func (c *Config) BookSettings() book.Config {
	return book.Config{
		SnapshotInterval: time.Duration(c.Book.SnapshotIntervalSeconds) * time.Second,
		Retention:        time.Duration(c.Book.RetentionHours) * time.Hour,
		SnapshotRetries:  c.Book.SnapshotRetries,
	}
}

// EngineSettings converts the quote section into quote engine settings.
func (c *Config) EngineSettings() quote.EngineConfig {
	buf, _ := c.SpreadBuffer()
	return quote.EngineConfig{
		Validity:     time.Duration(c.Quote.DefaultValiditySeconds) * time.Second,
		SpreadBuffer: buf,
	}
}

func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
