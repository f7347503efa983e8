package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"coinbeat/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Pool          PoolConfig          `mapstructure:"pool"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Feed          FeedConfig          `mapstructure:"feed"`
	Ops           OpsConfig           `mapstructure:"ops"`
	Export        ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// HealthCheckPeriod and ConnectTimeout fall back to pgx defaults when zero.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AdminToken      string        `mapstructure:"admin_token"`
	CronToken       string        `mapstructure:"cron_token"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig governs the in-process monitor cadence.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// PoolConfig holds staking economics for community alert pools.
type PoolConfig struct {
	Size             int64         `mapstructure:"size"`
	DisplayMin       int64         `mapstructure:"display_min"`
	StakeCost        int64         `mapstructure:"stake_cost"`
	RewardMultiplier int64         `mapstructure:"reward_multiplier"`
	DisplayWindow    time.Duration `mapstructure:"display_window"`
}

// NotificationsConfig holds per-type cooldowns and retention.
type NotificationsConfig struct {
	HealthCooldown      time.Duration `mapstructure:"health_cooldown"`
	ConsistencyCooldown time.Duration `mapstructure:"consistency_cooldown"`
	PriceDropCooldown   time.Duration `mapstructure:"price_drop_cooldown"`
	MigrationCooldown   time.Duration `mapstructure:"migration_cooldown"`
	DelistingCooldown   time.Duration `mapstructure:"delisting_cooldown"`
	Retention           time.Duration `mapstructure:"retention"`
	Icon                string        `mapstructure:"icon"`
	ClickBaseURL        string        `mapstructure:"click_base_url"`
}

// FeedConfig points at the coin metrics CDN.
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AccessKey      string        `mapstructure:"access_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// OpsConfig routes admin-facing pool events.
type OpsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram ops channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxPools int `mapstructure:"max_pools"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("COINBEAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Pool.DisplayMin == 0 {
		cfg.Pool.DisplayMin = cfg.Pool.Size
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv populates the process environment from a local .env file when present.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "coinbeat")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.cron_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x636f696e))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("pool.size", 6)
	v.SetDefault("pool.display_min", 0)
	v.SetDefault("pool.stake_cost", 2)
	v.SetDefault("pool.reward_multiplier", 2)
	v.SetDefault("pool.display_window", "720h")

	v.SetDefault("notifications.health_cooldown", "4h")
	v.SetDefault("notifications.consistency_cooldown", "4h")
	v.SetDefault("notifications.price_drop_cooldown", "30m")
	v.SetDefault("notifications.migration_cooldown", "24h")
	v.SetDefault("notifications.delisting_cooldown", "24h")
	v.SetDefault("notifications.retention", "720h")
	v.SetDefault("notifications.icon", "/icons/icon-192.png")
	v.SetDefault("notifications.click_base_url", "/coins")

	v.SetDefault("feed.base_url", "")
	v.SetDefault("feed.access_key", "")
	v.SetDefault("feed.request_timeout", "10s")
	v.SetDefault("feed.cache_ttl", "5m")
	v.SetDefault("feed.user_agent", "coinbeat/1.0")

	v.SetDefault("ops.telegram.enabled", false)
	v.SetDefault("ops.telegram.bot_token", "")
	v.SetDefault("ops.telegram.chat_id", "")
	v.SetDefault("ops.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("ops.telegram.timeout", "10s")

	v.SetDefault("export.max_pools", 50)

	// Empty defaults register the keys so AutomaticEnv overrides reach Unmarshal.
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.connect_timeout", "5s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be greater than zero")
	}
	if c.Pool.DisplayMin <= 0 {
		return fmt.Errorf("pool.display_min must be greater than zero")
	}
	if c.Pool.StakeCost <= 0 {
		return fmt.Errorf("pool.stake_cost must be greater than zero")
	}
	if c.Pool.RewardMultiplier < 0 {
		return fmt.Errorf("pool.reward_multiplier cannot be negative")
	}
	if c.Pool.DisplayWindow <= 0 {
		return fmt.Errorf("pool.display_window must be greater than zero")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	var longest time.Duration
	for name, d := range map[string]time.Duration{
		"notifications.health_cooldown":      c.Notifications.HealthCooldown,
		"notifications.consistency_cooldown": c.Notifications.ConsistencyCooldown,
		"notifications.price_drop_cooldown":  c.Notifications.PriceDropCooldown,
		"notifications.migration_cooldown":   c.Notifications.MigrationCooldown,
		"notifications.delisting_cooldown":   c.Notifications.DelistingCooldown,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
		longest = max(longest, d)
	}
	// zero retention disables purging; otherwise the log must outlive every cooldown
	if c.Notifications.Retention < 0 {
		return fmt.Errorf("notifications.retention cannot be negative")
	}
	if c.Notifications.Retention > 0 && c.Notifications.Retention < longest {
		return fmt.Errorf("notifications.retention (%s) must be at least the longest cooldown (%s)", c.Notifications.Retention, longest)
	}
	if c.Ops.Telegram.Enabled {
		if c.Ops.Telegram.BotToken == "" {
			return fmt.Errorf("ops.telegram.bot_token is required when telegram is enabled")
		}
		if c.Ops.Telegram.ChatID == "" {
			return fmt.Errorf("ops.telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Export.MaxPools <= 0 {
		return fmt.Errorf("export.max_pools must be greater than zero")
	}
	return nil
}

// ResolveMaxPools returns either the CLI override or config default.
func (c *Config) ResolveMaxPools(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxPools
}
