package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/policyd/internal/lease"
	"github.com/basket/policyd/internal/lifecycle"
	pdotel "github.com/basket/policyd/internal/otel"
)

const (
	LeaseBackendMemory = "memory"
	LeaseBackendSQLite = "sqlite"
	LeaseBackendRedis  = "redis"
)

type LeaseConfig struct {
	// Backend is one of memory, sqlite, redis. memory only coordinates
	// within one process.
	Backend    string `yaml:"backend"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	// Topic is the inbound outcome event topic. Empty disables the consumer.
	Topic   string `yaml:"topic"`
	GroupID string `yaml:"group_id"`
	// AlertTopic receives alerts. Empty disables the Kafka notifier.
	AlertTopic string `yaml:"alert_topic"`
}

type RetentionConfig struct {
	Cron string `yaml:"cron"`
	// MarkerDays is how long idempotency markers are kept. 0 keeps them forever.
	MarkerDays int `yaml:"marker_days"`
}

type AlertConfig struct {
	DrainIntervalSeconds int `yaml:"drain_interval_seconds"`
	DrainBatch           int `yaml:"drain_batch"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount           int    `yaml:"worker_count"`
	QueueDepth            int    `yaml:"queue_depth"`
	LogLevel              string `yaml:"log_level"`
	DBPath                string `yaml:"db_path"`
	PersistTimeoutSeconds int    `yaml:"persist_timeout_seconds"`
	DrainTimeoutSeconds   int    `yaml:"drain_timeout_seconds"`
	MaxConflictRetries    int    `yaml:"max_conflict_retries"`

	Lease     LeaseConfig       `yaml:"lease"`
	Redis     lease.RedisConfig `yaml:"redis"`
	Kafka     KafkaConfig       `yaml:"kafka"`
	Retention RetentionConfig   `yaml:"retention"`
	Alerts    AlertConfig       `yaml:"alerts"`
	OTel      pdotel.Config     `yaml:"otel"`

	// Gates has no defaults. A kind missing here has no strategy and its
	// events are rejected.
	Gates lifecycle.GatesSet `yaml:"gates"`

	// NoConfigFile is set when config.yaml does not exist yet.
	NoConfigFile bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func (c Config) PersistTimeout() time.Duration {
	return time.Duration(c.PersistTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLSeconds) * time.Second
}

func (c Config) AlertDrainInterval() time.Duration {
	return time.Duration(c.Alerts.DrainIntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config. Secrets are left
// out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|queue=%d|log=%s|db=%s|persist=%d|drain=%d|conflicts=%d|lease=%s/%d|redis=%s/%d|kafka=%v/%s/%s/%s|retention=%s/%d|gates=%s",
		c.WorkerCount, c.QueueDepth, c.LogLevel, c.DBPath, c.PersistTimeoutSeconds, c.DrainTimeoutSeconds,
		c.MaxConflictRetries, c.Lease.Backend, c.Lease.TTLSeconds, c.Redis.Addr, c.Redis.DB,
		c.Kafka.Brokers, c.Kafka.Topic, c.Kafka.GroupID, c.Kafka.AlertTopic,
		c.Retention.Cron, c.Retention.MarkerDays, c.Gates.Version())
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		WorkerCount:           4,
		QueueDepth:            256,
		LogLevel:              "info",
		PersistTimeoutSeconds: 5,
		DrainTimeoutSeconds:   10,
		MaxConflictRetries:    16,
		Lease: LeaseConfig{
			Backend:    LeaseBackendSQLite,
			TTLSeconds: 30,
		},
		Kafka: KafkaConfig{
			GroupID: "policyd",
		},
		Retention: RetentionConfig{
			Cron:       "17 3 * * *",
			MarkerDays: 30,
		},
		Alerts: AlertConfig{
			DrainIntervalSeconds: 5,
			DrainBatch:           100,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("POLICYD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".policyd")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml over the defaults, then applies env
// overrides, normalization and validation.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create policyd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NoConfigFile = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "policyd.db")
	}
	if cfg.PersistTimeoutSeconds <= 0 {
		cfg.PersistTimeoutSeconds = 5
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 16
	}
	cfg.Lease.Backend = strings.ToLower(strings.TrimSpace(cfg.Lease.Backend))
	if cfg.Lease.Backend == "" {
		cfg.Lease.Backend = LeaseBackendSQLite
	}
	if cfg.Lease.TTLSeconds <= 0 {
		cfg.Lease.TTLSeconds = 30
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "policyd"
	}
	if cfg.Alerts.DrainIntervalSeconds <= 0 {
		cfg.Alerts.DrainIntervalSeconds = 5
	}
	if cfg.Alerts.DrainBatch <= 0 {
		cfg.Alerts.DrainBatch = 100
	}
	if cfg.Retention.Cron == "" {
		cfg.Retention.Cron = "17 3 * * *"
	}
}

func validate(cfg Config) error {
	switch cfg.Lease.Backend {
	case LeaseBackendMemory, LeaseBackendSQLite:
	case LeaseBackendRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("lease backend redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown lease backend %q (want memory, sqlite or redis)", cfg.Lease.Backend)
	}
	if cfg.Retention.MarkerDays < 0 {
		return fmt.Errorf("retention.marker_days must be >= 0")
	}
	if (cfg.Kafka.Topic != "" || cfg.Kafka.AlertTopic != "") && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka topics configured without kafka.brokers")
	}
	if err := cfg.Gates.Validate(); err != nil {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("POLICYD_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("POLICYD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("POLICYD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("POLICYD_KAFKA_BROKERS"); raw != "" {
		cfg.Kafka.Brokers = ParseList(raw)
	}
	if raw := os.Getenv("POLICYD_REDIS_ADDR"); raw != "" {
		cfg.Redis.Addr = raw
	}
	if raw := os.Getenv("POLICYD_REDIS_PASSWORD"); raw != "" {
		cfg.Redis.Password = raw
	}
	if raw := os.Getenv("POLICYD_LEASE_BACKEND"); raw != "" {
		cfg.Lease.Backend = raw
	}
}

// ParseList splits a comma-separated list, dropping blanks.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
