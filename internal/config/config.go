// Package config loads and validates tabsync configuration.
//
// Configuration files are YAML. Fields left out of a file keep their
// defaults. Every loaded configuration is checked against an embedded CUE
// schema before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tabsync/internal/backoff"
	"github.com/roach88/tabsync/internal/broadcast"
	"github.com/roach88/tabsync/internal/congestion"
	"github.com/roach88/tabsync/internal/integrity"
	"github.com/roach88/tabsync/internal/ledger"
	"github.com/roach88/tabsync/internal/reconcile"
)

// Broadcast drivers.
const (
	DriverNone     = "none"
	DriverLoopback = "loopback"
	DriverDir      = "dir"
	DriverRedis    = "redis"
)

// Config is the full client configuration.
type Config struct {
	// ClientID names the logical client. Processes sharing a ClientID share
	// a ledger and a broadcast channel.
	ClientID string `yaml:"client_id" json:"client_id"`

	// Dev enables debug and info telemetry.
	Dev bool `yaml:"dev" json:"dev"`

	// StorePath is the SQLite database file.
	StorePath string `yaml:"store_path" json:"store_path"`

	Broadcast  BroadcastConfig  `yaml:"broadcast" json:"broadcast"`
	Ledger     LedgerConfig     `yaml:"ledger" json:"ledger"`
	Congestion CongestionConfig `yaml:"congestion" json:"congestion"`
	Integrity  IntegrityConfig  `yaml:"integrity" json:"integrity"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" json:"reconcile"`
}

// BroadcastConfig selects the cross-process medium.
type BroadcastConfig struct {
	Driver    string        `yaml:"driver" json:"driver"`
	Dir       string        `yaml:"dir" json:"dir"`
	RedisAddr string        `yaml:"redis_addr" json:"redis_addr"`
	Retention time.Duration `yaml:"retention" json:"retention"`
}

type LedgerConfig struct {
	Capacity        int           `yaml:"capacity" json:"capacity"`
	TTL             time.Duration `yaml:"ttl" json:"ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	WriteBehindSize int           `yaml:"write_behind_size" json:"write_behind_size"`
}

type CongestionConfig struct {
	BackoffBase   time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max" json:"backoff_max"`
	JitterPercent uint64        `yaml:"jitter_percent" json:"jitter_percent"`
	MaxQueueDepth int           `yaml:"max_queue_depth" json:"max_queue_depth"`
}

type IntegrityConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval" json:"tick_interval"`
	HealingTimeout    time.Duration `yaml:"healing_timeout" json:"healing_timeout"`
	ErrorThreshold    int           `yaml:"error_threshold" json:"error_threshold"`
	DegradedThreshold time.Duration `yaml:"degraded_threshold" json:"degraded_threshold"`
	DegradedFactor    int           `yaml:"degraded_factor" json:"degraded_factor"`

	// Thresholds maps query family to staleness threshold. Zero disables
	// supervision of the family.
	Thresholds map[string]time.Duration `yaml:"thresholds" json:"thresholds"`

	// SafeFamilies are the query families a full invalidation may discard.
	SafeFamilies []string `yaml:"safe_families" json:"safe_families"`
}

type ReconcileConfig struct {
	Interval           time.Duration `yaml:"interval" json:"interval"`
	QueueCapacity      int           `yaml:"queue_capacity" json:"queue_capacity"`
	DeadLetterCapacity int           `yaml:"dead_letter_capacity" json:"dead_letter_capacity"`
	ExecutionLogSize   int           `yaml:"execution_log_size" json:"execution_log_size"`
	MaxAttempts        int           `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay" json:"retry_delay"`
	PendingTTL         time.Duration `yaml:"pending_ttl" json:"pending_ttl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ClientID:  "tabsync",
		StorePath: "tabsync.db",
		Broadcast: BroadcastConfig{
			Driver:    DriverLoopback,
			Retention: broadcast.DefaultRetention,
		},
		Ledger: LedgerConfig{
			Capacity:        ledger.DefaultCapacity,
			TTL:             ledger.DefaultTTL,
			SweepInterval:   ledger.DefaultSweepInterval,
			WriteBehindSize: ledger.DefaultWriteBehindSize,
		},
		Congestion: CongestionConfig{
			BackoffBase:   backoff.DefaultBase,
			BackoffMax:    backoff.DefaultMax,
			JitterPercent: backoff.DefaultJitterPercent,
			MaxQueueDepth: congestion.DefaultMaxQueueDepth,
		},
		Integrity: IntegrityConfig{
			TickInterval:      integrity.DefaultTickInterval,
			HealingTimeout:    integrity.DefaultHealingTimeout,
			ErrorThreshold:    integrity.DefaultErrorThreshold,
			DegradedThreshold: integrity.DefaultDegradedThreshold,
			DegradedFactor:    integrity.DefaultDegradedFactor,
			Thresholds: map[string]time.Duration{
				"feed":          5 * time.Minute,
				"profile":       15 * time.Minute,
				"notifications": 2 * time.Minute,
				"chat":          time.Minute,
			},
			SafeFamilies: []string{"notifications", "badges", "presence"},
		},
		Reconcile: ReconcileConfig{
			Interval:           reconcile.DefaultInterval,
			QueueCapacity:      reconcile.DefaultQueueCapacity,
			DeadLetterCapacity: reconcile.DefaultDeadLetterCapacity,
			ExecutionLogSize:   reconcile.DefaultExecutionLogSize,
			MaxAttempts:        reconcile.DefaultMaxAttempts,
			RetryDelay:         reconcile.DefaultRetryDelay,
			PendingTTL:         reconcile.DefaultPendingTTL,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// fields are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
