// Package config loads the verifier's runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bottomfeed/verifier/internal/domain"
	"github.com/bottomfeed/verifier/internal/scheduler"
	"github.com/bottomfeed/verifier/internal/trust"
)

// EnvPrefix prefixes every environment override, e.g. VERIFIER_DB_PATH.
const EnvPrefix = "VERIFIER_"

// Config holds the verifier's runtime configuration.
type Config struct {
	DBPath     string `json:"db_path" yaml:"db_path"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// Empty RedisAddr selects the in-process lock and dedup cache.
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`

	LockKey             string `json:"lock_key" yaml:"lock_key"`
	LockTTLSec          int    `json:"lock_ttl_sec" yaml:"lock_ttl_sec"`
	InitialWindowSec    int    `json:"initial_window_sec" yaml:"initial_window_sec"`
	SpotCheckWindowSec  int    `json:"spot_check_window_sec" yaml:"spot_check_window_sec"`
	SpotCheckMinSec     int    `json:"spot_check_min_sec" yaml:"spot_check_min_sec"`
	SpotCheckMaxSec     int    `json:"spot_check_max_sec" yaml:"spot_check_max_sec"`
	RecheckIntervalSec  int    `json:"recheck_interval_sec" yaml:"recheck_interval_sec"`
	RecheckMaxSec       int    `json:"recheck_max_sec" yaml:"recheck_max_sec"`
	MaxDispatchAttempts int    `json:"max_dispatch_attempts" yaml:"max_dispatch_attempts"`
	DispatchTimeoutSec  int    `json:"dispatch_timeout_sec" yaml:"dispatch_timeout_sec"`
	NonceTTLSec         int    `json:"nonce_ttl_sec" yaml:"nonce_ttl_sec"`

	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	BanAfterFailures int `json:"ban_after_failures" yaml:"ban_after_failures"`

	// Zero TickIntervalSec leaves ticking to an external trigger.
	TickIntervalSec int `json:"tick_interval_sec" yaml:"tick_interval_sec"`
	TickBatchSize   int `json:"tick_batch_size" yaml:"tick_batch_size"`

	CatalogPath           string `json:"catalog_path" yaml:"catalog_path"`
	IssuanceRatePerMinute int    `json:"issuance_rate_per_minute" yaml:"issuance_rate_per_minute"`

	LogLevel     string `json:"log_level" yaml:"log_level"`
	LogToFile    bool   `json:"log_to_file" yaml:"log_to_file"`
	LogDir       string `json:"log_dir" yaml:"log_dir"`
	LogMaxSizeMB int    `json:"log_max_size_mb" yaml:"log_max_size_mb"`

	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// Load reads a JSON or YAML config file, loads an optional .env beside it,
// applies VERIFIER_* overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(envFile); statErr == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides fields from VERIFIER_<KEY> variables, where KEY is the
// upper-cased JSON key.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var problems []string

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: not an integer", EnvPrefix, key))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: not a boolean", EnvPrefix, key))
				return
			}
			*dst = b
		}
	}

	str("DB_PATH", &c.DBPath)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	num("REDIS_DB", &c.RedisDB)
	str("LOCK_KEY", &c.LockKey)
	num("LOCK_TTL_SEC", &c.LockTTLSec)
	num("INITIAL_WINDOW_SEC", &c.InitialWindowSec)
	num("SPOT_CHECK_WINDOW_SEC", &c.SpotCheckWindowSec)
	num("SPOT_CHECK_MIN_SEC", &c.SpotCheckMinSec)
	num("SPOT_CHECK_MAX_SEC", &c.SpotCheckMaxSec)
	num("RECHECK_INTERVAL_SEC", &c.RecheckIntervalSec)
	num("RECHECK_MAX_SEC", &c.RecheckMaxSec)
	num("MAX_DISPATCH_ATTEMPTS", &c.MaxDispatchAttempts)
	num("DISPATCH_TIMEOUT_SEC", &c.DispatchTimeoutSec)
	num("NONCE_TTL_SEC", &c.NonceTTLSec)
	num("FAILURE_THRESHOLD", &c.FailureThreshold)
	num("BAN_AFTER_FAILURES", &c.BanAfterFailures)
	num("TICK_INTERVAL_SEC", &c.TickIntervalSec)
	num("TICK_BATCH_SIZE", &c.TickBatchSize)
	str("CATALOG_PATH", &c.CatalogPath)
	num("ISSUANCE_RATE_PER_MINUTE", &c.IssuanceRatePerMinute)
	str("LOG_LEVEL", &c.LogLevel)
	flag("LOG_TO_FILE", &c.LogToFile)
	str("LOG_DIR", &c.LogDir)
	num("LOG_MAX_SIZE_MB", &c.LogMaxSizeMB)
	str("OTLP_ENDPOINT", &c.OTLPEndpoint)

	if len(problems) > 0 {
		return invalid(problems)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9800"
	}
	if c.LockKey == "" {
		c.LockKey = "verifier:tick"
	}
	if c.LockTTLSec == 0 {
		c.LockTTLSec = 120
	}
	if c.InitialWindowSec == 0 {
		c.InitialWindowSec = 30
	}
	if c.SpotCheckWindowSec == 0 {
		c.SpotCheckWindowSec = 60
	}
	if c.SpotCheckMinSec == 0 {
		c.SpotCheckMinSec = 2 * 3600
	}
	if c.SpotCheckMaxSec == 0 {
		c.SpotCheckMaxSec = 24 * 3600
	}
	if c.RecheckIntervalSec == 0 {
		c.RecheckIntervalSec = 300
	}
	if c.RecheckMaxSec == 0 {
		c.RecheckMaxSec = 3600
	}
	if c.MaxDispatchAttempts == 0 {
		c.MaxDispatchAttempts = 3
	}
	if c.DispatchTimeoutSec == 0 {
		c.DispatchTimeoutSec = 10
	}
	if c.NonceTTLSec == 0 {
		c.NonceTTLSec = 600
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = trust.DefaultPolicy().FailureThreshold
	}
	if c.BanAfterFailures == 0 {
		c.BanAfterFailures = trust.DefaultPolicy().BanAfterFailures
	}
	if c.TickBatchSize == 0 {
		c.TickBatchSize = 100
	}
	if c.IssuanceRatePerMinute == 0 {
		c.IssuanceRatePerMinute = 6
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 10
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.InitialWindowSec < 0 || c.SpotCheckWindowSec < 0 {
		problems = append(problems, "response windows must be positive")
	}
	if c.SpotCheckMinSec < 0 || c.SpotCheckMaxSec < c.SpotCheckMinSec {
		problems = append(problems, "spot_check_max_sec must be at least spot_check_min_sec")
	}
	if c.RecheckIntervalSec < 0 || c.RecheckMaxSec < c.RecheckIntervalSec {
		problems = append(problems, "recheck_max_sec must be at least recheck_interval_sec")
	}
	if c.MaxDispatchAttempts < 0 {
		problems = append(problems, "max_dispatch_attempts must be positive")
	}
	if c.FailureThreshold < 0 || c.BanAfterFailures < 0 {
		problems = append(problems, "failure thresholds must not be negative")
	}
	if c.BanAfterFailures > 0 && c.BanAfterFailures < c.FailureThreshold {
		problems = append(problems, "ban_after_failures must be at least failure_threshold")
	}
	if c.TickIntervalSec < 0 {
		problems = append(problems, "tick_interval_sec must not be negative")
	}
	if c.LockTTLSec <= c.DispatchTimeoutSec {
		problems = append(problems, "lock_ttl_sec must exceed dispatch_timeout_sec")
	}
	if c.RedisDB < 0 {
		problems = append(problems, "redis_db must not be negative")
	}

	if len(problems) > 0 {
		return invalid(problems)
	}
	return nil
}

func invalid(problems []string) error {
	return &domain.EngineError{
		Code:    domain.ErrConfigInvalid.Code,
		Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
	}
}

// Scheduler builds the scheduler configuration.
func (c *Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		LockKey:             c.LockKey,
		LockTTL:             seconds(c.LockTTLSec),
		InitialWindow:       seconds(c.InitialWindowSec),
		SpotCheckWindow:     seconds(c.SpotCheckWindowSec),
		SpotCheckMin:        seconds(c.SpotCheckMinSec),
		SpotCheckMax:        seconds(c.SpotCheckMaxSec),
		RecheckInterval:     seconds(c.RecheckIntervalSec),
		RecheckMax:          seconds(c.RecheckMaxSec),
		MaxDispatchAttempts: c.MaxDispatchAttempts,
		DispatchTimeout:     seconds(c.DispatchTimeoutSec),
		BatchSize:           c.TickBatchSize,
		NonceTTL:            seconds(c.NonceTTLSec),
	}
}

// Policy builds the trust aggregator thresholds.
func (c *Config) Policy() trust.Policy {
	return trust.Policy{FailureThreshold: c.FailureThreshold, BanAfterFailures: c.BanAfterFailures}
}

// TickInterval is the in-process ticker period; zero disables it.
func (c *Config) TickInterval() time.Duration {
	return seconds(c.TickIntervalSec)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
