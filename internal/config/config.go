// Package config loads gareport configuration from YAML files and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/ga-report-client/pkg/logging"
	"github.com/Sternrassler/ga-report-client/pkg/query"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is the reporting endpoint used when a query names none.
const DefaultBaseURL = "https://www.googleapis.com/analytics/v3/data/ga"

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP server of the serve command.
type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig configures the report archive.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password,omitempty"`
	DB          int           `yaml:"db"`
	ReportTTL   time.Duration `yaml:"report_ttl"`
	RecentLimit int           `yaml:"recent_limit"`
}

// ClientConfig configures the reporting API client.
type ClientConfig struct {
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	BaseURL   string        `yaml:"base_url"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"` // "debug", "info", "warn", "error"
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			ReportTTL:   24 * time.Hour,
			RecentLimit: 50,
		},
		Client: ClientConfig{
			UserAgent: "ga-report-client/0.1.0",
			Timeout:   30 * time.Second,
			BaseURL:   DefaultBaseURL,
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Load reads configuration from a YAML file over the defaults, then applies
// environment overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads variables from a dotenv file. Variables already set in
// the environment are kept. An empty path loads ./.env if it exists.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variables to the config.
// Environment variables always override file-based configuration.
//
//	PORT           - serve port
//	REDIS_URL      - Redis address
//	REDIS_PASSWORD - Redis password
//	REDIS_DB       - Redis database number
//	REPORT_TTL     - archive TTL (Go duration)
//	USER_AGENT     - User-Agent sent to the reporting API
//	GA_TIMEOUT     - per-request timeout (Go duration)
//	GA_BASE_URL    - reporting endpoint
//	LOG_LEVEL      - debug, info, warn, error
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Redis.Addr = getEnv("REDIS_URL", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Client.UserAgent = getEnv("USER_AGENT", cfg.Client.UserAgent)
	cfg.Client.BaseURL = getEnv("GA_BASE_URL", cfg.Client.BaseURL)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("REPORT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Redis.ReportTTL = d
		}
	}
	if v := os.Getenv("GA_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Client.Timeout = d
		}
	}
}

// Validate checks the configuration for values the commands cannot use.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port must be numeric (got %q)", c.Server.Port)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Redis.ReportTTL < 0 {
		return fmt.Errorf("redis.report_ttl must be >= 0 (got %s)", c.Redis.ReportTTL)
	}
	if c.Client.UserAgent == "" {
		return fmt.Errorf("client.user_agent is required")
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be > 0 (got %s)", c.Client.Timeout)
	}
	if err := logging.ValidateLevel(logging.LogLevel(c.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// LoadQuery reads a query from a YAML file. Fields the file leaves out keep
// the query defaults, and a missing base_url falls back to baseURL.
func LoadQuery(path, baseURL string) (query.Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return query.Query{}, fmt.Errorf("read query: %w", err)
	}
	return ParseQuery(data, baseURL)
}

// ParseQuery decodes a YAML or JSON query document. See LoadQuery.
func ParseQuery(data []byte, baseURL string) (query.Query, error) {
	q := query.New(nil, baseURL)
	if err := yaml.Unmarshal(data, &q); err != nil {
		return query.Query{}, fmt.Errorf("parse query: %w", err)
	}
	if q.BaseURL == "" {
		q.BaseURL = baseURL
	}

	if err := q.Validate(); err != nil {
		return query.Query{}, err
	}
	return q, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
