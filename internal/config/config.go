package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/trustbridge/escrow-service/internal/escrow"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Escrow    EscrowConfig    `yaml:"escrow"`
	Payout    PayoutConfig    `yaml:"payout"`
	// Rates are static display rates keyed "BASE/QUOTE". Display only,
	// never settlement.
	Rates map[string]string `yaml:"rates"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	PayoutTopic string   `yaml:"payout_topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// EscrowConfig is the hot-reloadable policy block.
type EscrowConfig struct {
	FeeRate                 string `yaml:"fee_rate"`
	AutoActivate            bool   `yaml:"auto_activate"`
	InactivityThresholdDays int    `yaml:"inactivity_threshold_days"`
	WatchdogIntervalSeconds int    `yaml:"watchdog_interval_seconds"`
	WatchdogBatchSize       int    `yaml:"watchdog_batch_size"`
}

type PayoutConfig struct {
	MaxAttempts        int `yaml:"max_attempts"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int `yaml:"backoff_max_seconds"`
	SendTimeoutSeconds int `yaml:"send_timeout_seconds"`
}

// Policy converts the escrow block into the state machine's policy input.
func (c *Config) Policy() (escrow.Policy, error) {
	rate, err := decimal.NewFromString(c.Escrow.FeeRate)
	if err != nil {
		return escrow.Policy{}, fmt.Errorf("parse fee_rate %q: %w", c.Escrow.FeeRate, err)
	}
	return escrow.Policy{FeeRate: rate, AutoActivate: c.Escrow.AutoActivate}, nil
}

func (c *Config) InactivityThreshold() time.Duration {
	return time.Duration(c.Escrow.InactivityThresholdDays) * 24 * time.Hour
}

func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Escrow.WatchdogIntervalSeconds) * time.Second
}

func (c *Config) PayoutBackoffBase() time.Duration {
	return time.Duration(c.Payout.BackoffBaseSeconds) * time.Second
}

func (c *Config) PayoutBackoffMax() time.Duration {
	return time.Duration(c.Payout.BackoffMaxSeconds) * time.Second
}

func (c *Config) PayoutSendTimeout() time.Duration {
	return time.Duration(c.Payout.SendTimeoutSeconds) * time.Second
}

// Load reads the yaml file and applies defaults and env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if _, err := cfg.Policy(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Escrow.FeeRate == "" {
		cfg.Escrow.FeeRate = "0.15"
	}
	if cfg.Escrow.InactivityThresholdDays == 0 {
		cfg.Escrow.InactivityThresholdDays = 14
	}
	if cfg.Escrow.WatchdogIntervalSeconds == 0 {
		cfg.Escrow.WatchdogIntervalSeconds = 300
	}
	if cfg.Escrow.WatchdogBatchSize == 0 {
		cfg.Escrow.WatchdogBatchSize = 100
	}
	if cfg.Payout.MaxAttempts == 0 {
		cfg.Payout.MaxAttempts = 5
	}
	if cfg.Payout.BackoffBaseSeconds == 0 {
		cfg.Payout.BackoffBaseSeconds = 30
	}
	if cfg.Payout.BackoffMaxSeconds == 0 {
		cfg.Payout.BackoffMaxSeconds = 3600
	}
	if cfg.Payout.SendTimeoutSeconds == 0 {
		cfg.Payout.SendTimeoutSeconds = 10
	}
}

// Loader keeps the current config and hot-reloads the escrow policy block
// when the file changes on disk.
type Loader struct {
	path    string
	mu      sync.RWMutex
	current *Config
}

// NewLoader performs the initial load.
func NewLoader(path string) (*Loader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Loader{path: path, current: cfg}, nil
}

// Config returns the latest configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the config on file writes until stop is called. A file that
// fails to parse leaves the previous config in place.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					cfg, err := Load(l.path)
					if err != nil {
						continue
					}
					l.mu.Lock()
					l.current = cfg
					l.mu.Unlock()
				}
			case <-w.Errors:
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }, nil
}
