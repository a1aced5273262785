// Package config loads the engine configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath names the variable holding the YAML file path
const EnvPath = "AUCTION_CONFIG"

// Config holds every setting of the engine. Secrets are expected from the
// environment rather than the file.
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Store struct {
		Driver     string `yaml:"driver"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"store"`

	Redis struct {
		URL          string `yaml:"url"`
		RelayChannel string `yaml:"relay_channel"`
	} `yaml:"redis"`

	Bidding struct {
		LockTimeout      time.Duration `yaml:"lock_timeout"`
		MaxAttempts      int           `yaml:"max_attempts"`
		SubscriberBuffer int           `yaml:"subscriber_buffer"`
		RequireApproval  bool          `yaml:"require_approval"`
	} `yaml:"bidding"`

	Scheduler struct {
		Interval     time.Duration `yaml:"interval"`
		EndingLead   time.Duration `yaml:"ending_lead"`
		AutoActivate bool          `yaml:"auto_activate"`
		Parallelism  int           `yaml:"parallelism"`
	} `yaml:"scheduler"`

	Notifications struct {
		Sink        string `yaml:"sink"`
		Workers     int    `yaml:"workers"`
		QueueSize   int    `yaml:"queue_size"`
		MaxAttempts int    `yaml:"max_attempts"`
		Table       struct {
			ConnectionString string `yaml:"connection_string"`
			Name             string `yaml:"name"`
		} `yaml:"table"`
	} `yaml:"notifications"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		JWKSURL   string `yaml:"jwks_url"`
		Audience  string `yaml:"audience"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	var c Config
	c.Server.Port = "8080"
	c.Server.ShutdownTimeout = 10 * time.Second
	c.Logging.Level = "info"
	c.Store.Driver = "memory"
	c.Store.SQLitePath = "auctions.db"
	c.Redis.RelayChannel = "auction-events"
	c.Bidding.LockTimeout = 2 * time.Second
	c.Bidding.MaxAttempts = 5
	c.Bidding.SubscriberBuffer = 64
	c.Scheduler.Interval = 30 * time.Second
	c.Scheduler.EndingLead = 5 * time.Minute
	c.Scheduler.AutoActivate = true
	c.Scheduler.Parallelism = 8
	c.Notifications.Sink = "log"
	c.Notifications.Workers = 2
	c.Notifications.QueueSize = 1024
	c.Notifications.MaxAttempts = 3
	c.Notifications.Table.Name = "notifications"
	return &c
}

// Load reads the file named by AUCTION_CONFIG (if any), applies environment
// overrides and validates the result.
func Load() (*Config, error) {
	return load(os.Getenv(EnvPath), os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideWithEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("PORT", &c.Server.Port)
	str("LOG_LEVEL", &c.Logging.Level)
	str("STORE_DRIVER", &c.Store.Driver)
	str("SQLITE_PATH", &c.Store.SQLitePath)
	str("REDIS_URL", &c.Redis.URL)
	str("NOTIFICATION_SINK", &c.Notifications.Sink)
	str("STORAGE_CONNECTION_STRING", &c.Notifications.Table.ConnectionString)
	str("NOTIFICATIONS_TABLE", &c.Notifications.Table.Name)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWKS_URL", &c.Auth.JWKSURL)
	str("JWT_AUDIENCE", &c.Auth.Audience)
	str("JWT_ISSUER", &c.Auth.Issuer)

	for _, err := range []error{
		boolean("REQUIRE_APPROVAL", &c.Bidding.RequireApproval),
		boolean("AUTO_ACTIVATE", &c.Scheduler.AutoActivate),
		duration("BID_LOCK_TIMEOUT", &c.Bidding.LockTimeout),
		duration("SCHEDULER_INTERVAL", &c.Scheduler.Interval),
		duration("ENDING_LEAD", &c.Scheduler.EndingLead),
	} {
		if err != nil {
			return fmt.Errorf("environment override %w", err)
		}
	}
	return nil
}

// Validate checks that the settings are usable together
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", c.Server.Port)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite store requires sqlite_path")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Bidding.LockTimeout <= 0 {
		return fmt.Errorf("bid lock timeout must be positive")
	}
	if c.Bidding.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.Bidding.SubscriberBuffer <= 0 {
		return fmt.Errorf("subscriber buffer must be positive")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.Scheduler.EndingLead < 0 {
		return fmt.Errorf("ending lead cannot be negative")
	}

	switch c.Notifications.Sink {
	case "log":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis notification sink requires redis url")
		}
	case "table":
		if c.Notifications.Table.ConnectionString == "" || c.Notifications.Table.Name == "" {
			return fmt.Errorf("table notification sink requires connection string and table name")
		}
	default:
		return fmt.Errorf("unknown notification sink %q", c.Notifications.Sink)
	}

	if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		return fmt.Errorf("either jwt secret or jwks url is required")
	}
	return nil
}
