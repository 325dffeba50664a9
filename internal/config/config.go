// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Leaderboard LeaderboardConfig `mapstructure:"leaderboard"`
	Migration   MigrationConfig   `mapstructure:"migration"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds the local key-value storage configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AuthConfig identifies the current user on behalf of the external
// auth collaborator.
type AuthConfig struct {
	UserID string `mapstructure:"user_id"`
}

// LeaderboardConfig holds ranking service tuning.
type LeaderboardConfig struct {
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	SyncGuard        time.Duration `mapstructure:"sync_guard"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	ResubscribeDelay time.Duration `mapstructure:"resubscribe_delay"`
	TopN             int           `mapstructure:"top_n"`
	PageSize         int           `mapstructure:"page_size"`
}

// MigrationConfig holds the local-to-remote migration settings.
type MigrationConfig struct {
	TargetVersion int           `mapstructure:"target_version"`
	Throttle      time.Duration `mapstructure:"throttle"`
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase,
	// e.g. DATABASE_HOST, REDIS_ADDR, AUTH_USER_ID.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - env vars can provide all config.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "scavenger")
	v.SetDefault("database.name", "scavenger")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "scavenger")

	v.SetDefault("leaderboard.cache_ttl", "5m")
	v.SetDefault("leaderboard.sync_guard", "30s")
	v.SetDefault("leaderboard.refresh_interval", "2m")
	v.SetDefault("leaderboard.resubscribe_delay", "5s")
	v.SetDefault("leaderboard.top_n", 100)
	v.SetDefault("leaderboard.page_size", 20)

	v.SetDefault("migration.target_version", 1)
	v.SetDefault("migration.throttle", "1h")

	v.SetDefault("metrics.addr", ":9100")
}
