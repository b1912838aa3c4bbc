// Package config loads marketpulse's configuration, adapted from the
// teacher's YAML-struct-tag pattern and extended with an env-override
// pass (grounded on the toto1234567890-go-market-observer config
// loader's read-then-validate shape) covering the full surface of
// spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Upstream  UpstreamConfig   `yaml:"upstream"`
	Ingestion IngestionConfig  `yaml:"ingestion"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
}

// IngestionConfig holds the per-process ingestion tuning of spec.md §6.
type IngestionConfig struct {
	Symbols                 []string      `yaml:"symbols"`
	StartDate               time.Time     `yaml:"-"`
	Interval                string        `yaml:"interval"`
	BatchSize               int           `yaml:"batch_size"`
	RealtimeInterval        time.Duration `yaml:"-"`
	OrderbookSymbols        []string      `yaml:"orderbook_symbols"`
	OrderbookLevels         int           `yaml:"orderbook_levels"`
	OrderbookUpdateInterval time.Duration `yaml:"-"`
	RetryDelay              time.Duration `yaml:"-"`
	MaxRetries              int           `yaml:"max_retries"`
	DepthMaxRetries         int           `yaml:"depth_max_retries"`
	Timeframes              []int         `yaml:"timeframes"`
}

// DefaultTimeframes is the configured timeframe set of spec.md §4.G.
var DefaultTimeframes = []int{1, 3, 5, 15, 30, 45, 60, 120, 180, 240, 1440, 10080, 43200}

// Load reads filename as YAML (if it exists) over the defaults, then
// lets every environment variable that is set override the result. Returns an error the caller should treat
// as a fatal boot-time config error (exit code 1).
func Load(filename string) (*Config, error) {
	cfg := defaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", filename, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", filename, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379},
		Upstream: UpstreamConfig{BaseURL: "https://api.binance.com"},
		Ingestion: IngestionConfig{
			Interval:                "1m",
			BatchSize:               1000,
			RealtimeInterval:        500 * time.Millisecond,
			OrderbookLevels:         20,
			OrderbookUpdateInterval: time.Second,
			RetryDelay:              time.Second,
			MaxRetries:              5,
			DepthMaxRetries:         3,
			Timeframes:              DefaultTimeframes,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	strVar(&cfg.Database.Host, "DB_HOST")
	intVar(&cfg.Database.Port, "DB_PORT")
	strVar(&cfg.Database.User, "DB_USER")
	strVar(&cfg.Database.Password, "DB_PASSWORD")
	strVar(&cfg.Database.DBName, "DB_NAME")
	strVar(&cfg.Database.SSLMode, "DB_SSLMODE")

	strVar(&cfg.Redis.Host, "REDIS_HOST")
	intVar(&cfg.Redis.Port, "REDIS_PORT")
	strVar(&cfg.Redis.Password, "REDIS_PASSWORD")
	intVar(&cfg.Redis.DB, "REDIS_DB")

	strVar(&cfg.Server.Host, "BIND_HOST")
	intVar(&cfg.Server.Port, "BIND_PORT")

	strVar(&cfg.Upstream.BaseURL, "UPSTREAM_BASE_URL")

	listVar(&cfg.Ingestion.Symbols, "SYMBOLS")
	strVar(&cfg.Ingestion.Interval, "INTERVAL")
	intVar(&cfg.Ingestion.BatchSize, "BATCH_SIZE")
	durationSecondsVar(&cfg.Ingestion.RealtimeInterval, "REALTIME_INTERVAL")
	listVar(&cfg.Ingestion.OrderbookSymbols, "ORDERBOOK_SYMBOLS")
	intVar(&cfg.Ingestion.OrderbookLevels, "ORDERBOOK_LEVELS")
	durationSecondsVar(&cfg.Ingestion.OrderbookUpdateInterval, "ORDERBOOK_UPDATE_INTERVAL")
	durationSecondsVar(&cfg.Ingestion.RetryDelay, "RETRY_DELAY")
	intVar(&cfg.Ingestion.MaxRetries, "MAX_RETRIES")
	intVar(&cfg.Ingestion.DepthMaxRetries, "DEPTH_MAX_RETRIES")

	if raw := os.Getenv("START_DATE"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			cfg.Ingestion.StartDate = t.UTC()
		} else if t, err := time.Parse("2006-01-02", raw); err == nil {
			cfg.Ingestion.StartDate = t.UTC()
		}
	}

	if len(cfg.Ingestion.OrderbookSymbols) == 0 {
		cfg.Ingestion.OrderbookSymbols = cfg.Ingestion.Symbols
	}
}

func (c *Config) validate() error {
	if len(c.Ingestion.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must list at least one symbol")
	}
	if c.Ingestion.StartDate.IsZero() {
		return fmt.Errorf("START_DATE must be set (RFC3339 or YYYY-MM-DD)")
	}
	switch c.Ingestion.OrderbookLevels {
	case 5, 10, 20:
	default:
		return fmt.Errorf("ORDERBOOK_LEVELS must be one of 5, 10, 20, got %d", c.Ingestion.OrderbookLevels)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid bind port %d", c.Server.Port)
	}
	return nil
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func listVar(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func durationSecondsVar(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}
