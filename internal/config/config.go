// Package config loads and validates dispatch server configuration via Viper.
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
	Auth     AuthConfig     `mapstructure:"auth"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Liveness LivenessConfig `mapstructure:"liveness"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	AdminAPIKey string `mapstructure:"admin_api_key"`
}

// DatabaseConfig controls access to the relational store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MinConns int32  `mapstructure:"pool_min_conns"`
	MaxConns int32  `mapstructure:"pool_max_conns"`
}

// DSN renders the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

// CacheConfig controls the optional Redis read-through cache.
type CacheConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Required     bool   `mapstructure:"required"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	DB           int    `mapstructure:"db"`
	Password     string `mapstructure:"password"`
	TTLTasksSec  int    `mapstructure:"ttl_tasks_seconds"`
	TTLStatsSec  int    `mapstructure:"ttl_statistics_seconds"`
	TTLDocsSec   int    `mapstructure:"ttl_documents_seconds"`
	TTLActiveSec int    `mapstructure:"ttl_active_tasks_seconds"`
}

// Addr renders the Redis host:port pair.
func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TTLTasks is the TTL for task list/summary keys.
func (c CacheConfig) TTLTasks() time.Duration { return time.Duration(c.TTLTasksSec) * time.Second }

// TTLStatistics is the TTL for client statistics keys.
func (c CacheConfig) TTLStatistics() time.Duration {
	return time.Duration(c.TTLStatsSec) * time.Second
}

// TTLDocuments is the TTL for document keys.
func (c CacheConfig) TTLDocuments() time.Duration { return time.Duration(c.TTLDocsSec) * time.Second }

// TTLActiveTasks is the shorter TTL used while a task is assigned or running.
func (c CacheConfig) TTLActiveTasks() time.Duration {
	return time.Duration(c.TTLActiveSec) * time.Second
}

// LivenessConfig governs heartbeat expectations and the background sweeps.
type LivenessConfig struct {
	HeartbeatSeconds   int `mapstructure:"heartbeat_seconds"`
	InactiveMultiple   int `mapstructure:"inactive_multiple"`
	ReclaimIntervalSec int `mapstructure:"reclaim_interval_seconds"`
}

// HeartbeatInterval is the expected gap between worker heartbeats.
func (l LivenessConfig) HeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatSeconds) * time.Second
}

// InactivityThreshold is how long a silent worker stays nominally active.
func (l LivenessConfig) InactivityThreshold() time.Duration {
	return time.Duration(l.HeartbeatSeconds*l.InactiveMultiple) * time.Second
}

// ReclaimInterval is the cadence of the task-reclamation sweep.
func (l LivenessConfig) ReclaimInterval() time.Duration {
	return time.Duration(l.ReclaimIntervalSec) * time.Second
}

// LimitsConfig sets the per-IP request rate limits.
type LimitsConfig struct {
	GlobalRPS     float64 `mapstructure:"global_rps"`
	PollingRPS    float64 `mapstructure:"polling_rps"`
	StatisticsRPS float64 `mapstructure:"statistics_rps"`
	Burst         int     `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISPATCH")
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
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 5433)
	v.SetDefault("database.name", "reyestr_db")
	v.SetDefault("database.user", "reyestr_user")
	v.SetDefault("database.password", "reyestr_password")
	v.SetDefault("database.pool_min_conns", 10)
	v.SetDefault("database.pool_max_conns", 250)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.required", false)
	v.SetDefault("cache.host", "127.0.0.1")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl_tasks_seconds", 10)
	v.SetDefault("cache.ttl_statistics_seconds", 30)
	v.SetDefault("cache.ttl_documents_seconds", 60)
	v.SetDefault("cache.ttl_active_tasks_seconds", 5)
	v.SetDefault("liveness.heartbeat_seconds", 60)
	v.SetDefault("liveness.inactive_multiple", 3)
	v.SetDefault("liveness.reclaim_interval_seconds", 60)
	v.SetDefault("limits.global_rps", 50)
	v.SetDefault("limits.polling_rps", 10)
	v.SetDefault("limits.statistics_rps", 5)
	v.SetDefault("limits.burst", 10)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Database.MinConns <= 0 || c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("database pool bounds must satisfy 0 < min <= max")
	}
	if c.Liveness.HeartbeatSeconds <= 0 {
		return fmt.Errorf("liveness.heartbeat_seconds must be > 0")
	}
	if c.Liveness.InactiveMultiple <= 0 {
		return fmt.Errorf("liveness.inactive_multiple must be > 0")
	}
	if c.Auth.Enabled && c.Auth.AdminAPIKey == "" {
		return fmt.Errorf("auth.admin_api_key must be set when auth is enabled")
	}
	if c.Cache.Required && !c.Cache.Enabled {
		return fmt.Errorf("cache.required implies cache.enabled")
	}
	return nil
}
