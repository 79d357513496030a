package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	MySQL      MySQLConfig      `yaml:"mysql"`
	Queue      QueueConfig      `yaml:"queue"`
	Logger     LoggerConfig     `yaml:"logger"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Scripts    ScriptsConfig    `yaml:"scripts"`
	Events     EventsConfig     `yaml:"events"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	Workers    []WorkerSeed     `yaml:"workers"` // static worker instances upserted on startup
}

// ServerConfig server configuration
type ServerConfig struct {
	Port int    `yaml:"port" env:"SERVER_PORT"`
	Mode string `yaml:"mode"` // debug, release
	// APIKey guards /api/v1; if empty, auth is disabled
	APIKey         string   `yaml:"api_key" env:"SERVER_API_KEY"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

// MySQLConfig MySQL configuration
type MySQLConfig struct {
	Host     string `yaml:"host" env:"MYSQL_HOST"`
	Port     int    `yaml:"port" env:"MYSQL_PORT"`
	User     string `yaml:"user" env:"MYSQL_USER"`
	Password string `yaml:"password" env:"MYSQL_PASSWORD"`
	Database string `yaml:"database" env:"MYSQL_DATABASE"`
}

// DSN builds the go-sql-driver DSN.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// QueueConfig delivery queue configuration
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`  // delivery worker concurrency
	MaxRetry    int `yaml:"max_retry"`    // asynq-level retries after in-handler retries are exhausted
	TaskTimeout int `yaml:"task_timeout"` // seconds
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level" env:"LOG_LEVEL"` // debug, info, warn, error
	Output string           `yaml:"output"`                // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DispatcherConfig job dispatcher configuration
type DispatcherConfig struct {
	Disabled   bool `yaml:"disabled"` // run API and sessions without claiming jobs
	IntervalMs int  `yaml:"interval_ms"`
}

// Interval returns the tick period.
func (c DispatcherConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// ReconnectConfig worker session backoff
type ReconnectConfig struct {
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
}

// ScriptsConfig script engine configuration
type ScriptsConfig struct {
	VenvBaseDir       string `yaml:"venv_base_dir" env:"SCRIPTS_VENV_DIR"`
	InstallTimeoutSec int    `yaml:"install_timeout_sec"`
	DefaultTimeoutSec int    `yaml:"default_timeout_sec"`
}

// EventsConfig event bus and delivery configuration
type EventsConfig struct {
	BusCapacity           int `yaml:"bus_capacity"`
	WebhookTimeoutSec     int `yaml:"webhook_timeout_sec"`
	DigestIntervalMinutes int `yaml:"digest_interval_minutes"`
	MetricsIntervalSec    int `yaml:"metrics_interval_sec"`
	PingIntervalSec       int `yaml:"ping_interval_sec"`
}

// SMTPConfig outbound email; delivery is disabled when Host is empty.
type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST"`
	Port     int    `yaml:"port" env:"SMTP_PORT"`
	From     string `yaml:"from" env:"SMTP_FROM"`
	User     string `yaml:"user" env:"SMTP_USER"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
}

// Enabled reports whether an SMTP relay is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

// WorkerSeed describes a GPU worker instance known at startup.
type WorkerSeed struct {
	Name   string `yaml:"name"`
	WSURL  string `yaml:"ws_url"`
	APIURL string `yaml:"api_url"`
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}
	GlobalConfig = cfg
	return nil
}

// Load reads the yaml file, applies environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	validateAndApplyDefaults(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets deployment secrets (SMTP, DB, Redis) come from the environment.
func applyEnvOverrides(cfg *Config) error {
	sections := []interface{}{&cfg.Server, &cfg.Redis, &cfg.MySQL, &cfg.Logger, &cfg.Scripts, &cfg.SMTP}
	for _, s := range sections {
		if err := env.Parse(s); err != nil {
			return fmt.Errorf("failed to apply env overrides: %w", err)
		}
	}
	return nil
}
