package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config values can be written as "30s",
// "5m" etc. in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all settings for a netstacksd process.
type Config struct {
	RedisAddr   string `yaml:"redis_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Workers counts goroutines per pool inside one process.
	GeneralWorkers int `yaml:"general_workers"`
	PinnedWorkers  int `yaml:"pinned_workers"`

	LeaseTTL          Duration `yaml:"lease_ttl"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
	DefaultJobTimeout Duration `yaml:"default_job_timeout"`

	SchedulerTick Duration `yaml:"scheduler_tick"`
	LeaderTTL     Duration `yaml:"leader_ttl"`
	// ReelectInterval controls how often non-leaders re-attempt the leader
	// lock. Zero disables re-election (single attempt at startup).
	ReelectInterval Duration `yaml:"reelect_interval"`

	CacheTTL       Duration `yaml:"cache_ttl"`
	WebhookTimeout Duration `yaml:"webhook_timeout"`
	WebhookRetries int      `yaml:"webhook_retries"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		RedisAddr:         "localhost:6379",
		MetricsAddr:       ":2113",
		GeneralWorkers:    4,
		PinnedWorkers:     2,
		LeaseTTL:          Duration(30 * time.Second),
		HeartbeatInterval: Duration(3 * time.Second),
		HeartbeatTimeout:  Duration(10 * time.Second),
		DefaultJobTimeout: Duration(30 * time.Second),
		SchedulerTick:     Duration(5 * time.Second),
		LeaderTTL:         Duration(15 * time.Second),
		ReelectInterval:   Duration(10 * time.Second),
		CacheTTL:          Duration(10 * time.Minute),
		WebhookTimeout:    Duration(10 * time.Second),
		WebhookRetries:    3,
	}
}

// Load reads a YAML config file, layering it over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks that all config values are usable.
func (c *Config) validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("redis_addr cannot be empty")
	}
	if c.GeneralWorkers < 0 || c.PinnedWorkers < 0 {
		return fmt.Errorf("worker counts cannot be negative")
	}
	if c.GeneralWorkers == 0 && c.PinnedWorkers == 0 {
		return fmt.Errorf("at least one worker is required")
	}
	if c.LeaseTTL.Std() <= 0 {
		return fmt.Errorf("lease_ttl must be positive")
	}
	if c.HeartbeatInterval.Std() <= 0 || c.HeartbeatTimeout.Std() <= 0 {
		return fmt.Errorf("heartbeat settings must be positive")
	}
	if c.HeartbeatTimeout.Std() <= c.HeartbeatInterval.Std() {
		return fmt.Errorf("heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.SchedulerTick.Std() <= 0 {
		return fmt.Errorf("scheduler_tick must be positive")
	}
	if c.LeaderTTL.Std() <= 0 {
		return fmt.Errorf("leader_ttl must be positive")
	}
	return nil
}
