// Package config loads debugd settings from a TOML file layered over
// defaults.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/stevevillardi/lmda-composer-sub000/internal/jobclient"
	"github.com/stevevillardi/lmda-composer-sub000/pkg/ratelimit"
)

type Config struct {
	Server  Server  `toml:"server"`
	Poll    Poll    `toml:"poll"`
	Retry   Retry   `toml:"retry"`
	Fanout  Fanout  `toml:"fanout"`
	History History `toml:"history"`
	Kafka   Kafka   `toml:"kafka"`
	// EnvFile is the .env file holding portal tokens (LM_TOKEN_* variables).
	EnvFile string `toml:"env_file"`
}

type Server struct {
	Port            string `toml:"port"`
	ReadTimeoutSec  int    `toml:"read_timeout_sec"`
	WriteTimeoutSec int    `toml:"write_timeout_sec"`
	IdleTimeoutSec  int    `toml:"idle_timeout_sec"`
	ShutdownSec     int    `toml:"shutdown_timeout_sec"`
}

type Poll struct {
	MaxAttempts int `toml:"max_attempts"`
	IntervalMs  int `toml:"interval_ms"`
}

type Retry struct {
	MaxRetries int `toml:"max_retries"`
	BaseMs     int `toml:"base_delay_ms"`
	MaxMs      int `toml:"max_delay_ms"`
	// Threshold is the remaining-quota count that triggers proactive waiting.
	Threshold int `toml:"threshold"`
}

type Fanout struct {
	Workers int `toml:"workers"`
}

type History struct {
	// Backend: "none", "file" or "mongo".
	Backend  string `toml:"backend"`
	Dir      string `toml:"dir"`
	MongoURI string `toml:"mongo_uri"`
	MongoDB  string `toml:"mongo_db"`
	MongoCol string `toml:"mongo_collection"`
}

type Kafka struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:            "8084",
			ReadTimeoutSec:  10,
			WriteTimeoutSec: 10,
			IdleTimeoutSec:  120,
			ShutdownSec:     30,
		},
		Poll:   Poll{MaxAttempts: 120, IntervalMs: 2000},
		Retry:  Retry{MaxRetries: 3, BaseMs: 1000, MaxMs: 30000, Threshold: ratelimit.DefaultThreshold},
		Fanout: Fanout{Workers: 8},
		History: History{
			Backend:  "file",
			Dir:      "history",
			MongoDB:  "lmda",
			MongoCol: "executions",
		},
		Kafka: Kafka{Topic: "debug-executions"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Poll.MaxAttempts <= 0 || c.Poll.IntervalMs <= 0 {
		return fmt.Errorf("config: poll bounds must be positive")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.BaseMs <= 0 || c.Retry.MaxMs < c.Retry.BaseMs {
		return fmt.Errorf("config: invalid retry settings")
	}
	switch c.History.Backend {
	case "", "none", "file", "mongo":
	default:
		return fmt.Errorf("config: unknown history backend %q", c.History.Backend)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka enabled without brokers")
	}
	return nil
}

func (c Config) JobConfig() jobclient.Config {
	return jobclient.Config{
		MaxPollAttempts: c.Poll.MaxAttempts,
		PollInterval:    time.Duration(c.Poll.IntervalMs) * time.Millisecond,
	}
}

func (c Config) RetryConfig() ratelimit.RetryConfig {
	return ratelimit.RetryConfig{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  time.Duration(c.Retry.BaseMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.Retry.MaxMs) * time.Millisecond,
	}
}
