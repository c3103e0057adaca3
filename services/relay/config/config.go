// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the relay's configuration.
//
// # Description
//
// Every tunable the relay exposes lives in one Config struct that is
// passed into each component at construction. Nothing reads the
// environment after Load returns.
//
// Load priority: environment > file > defaults. The file may be YAML or
// JSON. Durations in YAML are Go duration strings ("30s"); in JSON they
// are nanoseconds.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/broadcast"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/resonance"
	"github.com/AleutianAI/AleutianRelay/services/relay/sessions"
	"github.com/AleutianAI/AleutianRelay/services/relay/sink"
	"github.com/AleutianAI/AleutianRelay/services/relay/stream"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RELAY_"

// Bus drivers.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// Sink drivers.
const (
	SinkNone     = "none"
	SinkBadger   = "badger"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the complete relay configuration.
type Config struct {
	Server    ServerConfig                `json:"server" yaml:"server"`
	Resonance ResonanceConfig             `json:"resonance" yaml:"resonance"`
	Stream    stream.Config               `json:"stream" yaml:"stream"`
	Sessions  SessionsConfig              `json:"sessions" yaml:"sessions"`
	Bus       BusConfig                   `json:"bus" yaml:"bus"`
	Sink      SinkConfig                  `json:"sink" yaml:"sink"`
	Breaker   breaker.RouterConfig        `json:"breaker" yaml:"breaker"`
	Health    breaker.HealthConfig        `json:"health" yaml:"health"`
	Endpoints []datatypes.ServiceEndpoint `json:"endpoints" yaml:"endpoints" validate:"dive"`
	Telemetry telemetry.Config            `json:"telemetry" yaml:"telemetry"`
	Logging   logging.Config              `json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `json:"addr" yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`

	// InstanceID names this process on the bus. Empty generates one.
	InstanceID string `json:"instance_id" yaml:"instance_id" validate:"max=128"`

	// Mode is the gin mode: debug, release or test.
	Mode string `json:"mode" yaml:"mode" validate:"oneof=debug release test"`

	// OperatorNetworks are the CIDRs allowed to reach /health, /v1/health
	// and /metrics, matched against the connection's peer address. The
	// health body lists tenant ids. Empty leaves the routes open, so they
	// must then be restricted at the network edge.
	OperatorNetworks []string `json:"operator_networks,omitempty" yaml:"operator_networks,omitempty" validate:"dive,cidr"`
}

// ResonanceConfig adds the ring size to the engine tunables.
type ResonanceConfig struct {
	resonance.Config `yaml:",inline"`

	BufferCapacity int `json:"buffer_capacity" yaml:"buffer_capacity" validate:"gte=1"`
}

// SessionsConfig adds inbound limits to the registry tunables.
type SessionsConfig struct {
	sessions.Config `yaml:",inline"`

	// InboundRate is websocket messages per second per session.
	InboundRate float64 `json:"inbound_rate" yaml:"inbound_rate" validate:"gt=0"`

	InboundBurst    int   `json:"inbound_burst" yaml:"inbound_burst" validate:"gte=1"`
	MaxMessageBytes int64 `json:"max_message_bytes" yaml:"max_message_bytes" validate:"gte=1024"`
}

// BusConfig selects the cross-instance fan-out bus.
type BusConfig struct {
	Driver string `json:"driver" yaml:"driver" validate:"oneof=memory redis"`

	// Redis is only checked when Driver is redis.
	Redis broadcast.RedisConfig `json:"redis" yaml:"redis" validate:"-"`
}

// SinkConfig selects and tunes the durable append store.
type SinkConfig struct {
	Driver string `json:"driver" yaml:"driver" validate:"oneof=none badger sqlite postgres"`

	Badger sink.BadgerConfig `json:"badger" yaml:"badger"`

	// DSN is the sqlite path or postgres connection string.
	DSN string `json:"dsn" yaml:"dsn"`

	sink.Config `yaml:",inline"`

	// ShutdownTimeout bounds the drain of queued appends at exit.
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns a configuration that runs a single in-memory instance
// with no durable store and no endpoints.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8090",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			Mode:              "release",
		},
		Resonance: ResonanceConfig{
			BufferCapacity: resonance.DefaultBufferCapacity,
			Config:         resonance.DefaultConfig(),
		},
		Stream: stream.Config{
			BatchSize:     stream.DefaultBatchSize,
			FlushInterval: stream.DefaultFlushInterval,
			Compression: stream.CompressionConfig{
				Algorithm: stream.AlgorithmNone,
				MinBytes:  stream.DefaultMinBytes,
			},
		},
		Sessions: SessionsConfig{
			Config: sessions.Config{
				QueueDepth:        sessions.DefaultQueueDepth,
				HeartbeatInterval: sessions.DefaultHeartbeatInterval,
				WriteTimeout:      sessions.DefaultWriteTimeout,
			},
			InboundRate:     50,
			InboundBurst:    100,
			MaxMessageBytes: 1 << 20,
		},
		Bus: BusConfig{
			Driver: BusMemory,
			Redis:  broadcast.RedisConfig{Addr: "localhost:6379"},
		},
		Sink: SinkConfig{
			Driver: SinkNone,
			Badger: sink.BadgerConfig{
				Path:           "data/relay-events",
				GCInterval:     10 * time.Minute,
				GCDiscardRatio: 0.5,
			},
			Config: sink.Config{
				QueueDepth:    sink.DefaultQueueDepth,
				AppendTimeout: sink.DefaultAppendTimeout,
			},
			ShutdownTimeout: 5 * time.Second,
		},
		Breaker:   breaker.DefaultRouterConfig(),
		Health:    breaker.DefaultHealthConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Logging:   logging.DefaultConfig(),
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load builds the configuration with priority: env > file > defaults.
//
// # Inputs
//
//   - path: YAML or JSON file. Empty or missing means defaults only.
//
// # Outputs
//
//   - Config: Merged configuration.
//   - error: Unreadable or unparsable file, malformed environment value,
//     or a configuration that fails Validate.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadConfigFromEnv(&cfg, getenv); err != nil {
		return cfg, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// envReader collects parse failures so one bad variable does not hide
// the next.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (r *envReader) lookup(name string) (string, bool) {
	v := strings.TrimSpace(r.getenv(EnvPrefix + name))
	return v, v != ""
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

func (r *envReader) integer(name string, dst *int) {
	if v, ok := r.lookup(name); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = i
	}
}

func (r *envReader) float(name string, dst *float64) {
	if v, ok := r.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = f
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

// list reads a comma-separated value. Blank items are dropped.
func (r *envReader) list(name string, dst *[]string) {
	if v, ok := r.lookup(name); ok {
		var items []string
		for item := range strings.SplitSeq(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dst = items
	}
}

func (r *envReader) text(name string, dst interface{ UnmarshalText([]byte) error }) {
	if v, ok := r.lookup(name); ok {
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		}
	}
}

func loadConfigFromEnv(cfg *Config, getenv func(string) string) error {
	r := &envReader{getenv: getenv}

	// Server
	r.str("ADDR", &cfg.Server.Addr)
	r.str("INSTANCE_ID", &cfg.Server.InstanceID)
	r.str("GIN_MODE", &cfg.Server.Mode)
	r.duration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	r.list("OPERATOR_NETWORKS", &cfg.Server.OperatorNetworks)

	// Resonance
	r.integer("BUFFER_CAPACITY", &cfg.Resonance.BufferCapacity)
	r.duration("SCAN_INTERVAL", &cfg.Resonance.ScanInterval)
	r.float("EVOLUTION_THRESHOLD", &cfg.Resonance.EvolutionThreshold)

	// Stream
	r.integer("BATCH_SIZE", &cfg.Stream.BatchSize)
	r.duration("FLUSH_INTERVAL", &cfg.Stream.FlushInterval)
	if v, ok := r.lookup("COMPRESSION"); ok {
		cfg.Stream.Compression.Algorithm = stream.Algorithm(strings.ToLower(v))
	}

	// Sessions
	r.duration("HEARTBEAT_INTERVAL", &cfg.Sessions.HeartbeatInterval)
	r.integer("SESSION_QUEUE_DEPTH", &cfg.Sessions.QueueDepth)
	r.float("INBOUND_RATE", &cfg.Sessions.InboundRate)

	// Bus
	r.str("BUS_DRIVER", &cfg.Bus.Driver)
	r.str("REDIS_ADDR", &cfg.Bus.Redis.Addr)
	r.str("REDIS_PASSWORD", &cfg.Bus.Redis.Password)
	r.integer("REDIS_DB", &cfg.Bus.Redis.DB)

	// Sink
	r.str("SINK_DRIVER", &cfg.Sink.Driver)
	r.str("SINK_PATH", &cfg.Sink.Badger.Path)
	r.str("SINK_DSN", &cfg.Sink.DSN)
	r.integer("SINK_QUEUE_DEPTH", &cfg.Sink.QueueDepth)

	// Breaker and health
	r.integer("BREAKER_FAILURE_THRESHOLD", &cfg.Breaker.Breaker.FailureThreshold)
	r.duration("BREAKER_COOLDOWN", &cfg.Breaker.Breaker.Cooldown)
	r.duration("CALL_TIMEOUT", &cfg.Breaker.CallTimeout)
	r.duration("HEALTH_INTERVAL", &cfg.Health.Interval)
	r.duration("HEALTH_TIMEOUT", &cfg.Health.Timeout)

	// Telemetry
	r.str("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	r.str("METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	r.str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	r.str("ENVIRONMENT", &cfg.Telemetry.Environment)

	// Logging
	r.text("LOG_LEVEL", &cfg.Logging.Level)
	if v, ok := r.lookup("LOG_FORMAT"); ok {
		cfg.Logging.Format = logging.Format(strings.ToLower(v))
	}
	r.str("LOG_DIR", &cfg.Logging.LogDir)

	return errors.Join(r.errs...)
}

// =============================================================================
// Validation
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the constraints that span fields.
//
// # Outputs
//
//   - error: Every violation found, joined.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error

	switch c.Bus.Driver {
	case BusRedis:
		if err := validate.Struct(c.Bus.Redis); err != nil {
			errs = append(errs, fmt.Errorf("bus.redis: %w", err))
		}
	}

	switch c.Sink.Driver {
	case SinkBadger:
		if c.Sink.Badger.Path == "" && !c.Sink.Badger.InMemory {
			errs = append(errs, errors.New("sink.badger.path is required unless in_memory"))
		}
		if c.Sink.Badger.GCDiscardRatio < 0 || c.Sink.Badger.GCDiscardRatio >= 1 {
			errs = append(errs, errors.New("sink.badger.gc_discard_ratio must be in [0, 1)"))
		}
	case SinkSQLite, SinkPostgres:
		if c.Sink.DSN == "" {
			errs = append(errs, fmt.Errorf("sink.dsn is required for driver %s", c.Sink.Driver))
		}
	}

	res := c.Resonance.Config
	if res.EvolutionThreshold < 0 || res.EvolutionThreshold > 1 {
		errs = append(errs, errors.New("resonance.evolution_threshold must be in [0, 1]"))
	}
	if res.MinThreshold < 0 || res.MinThreshold > res.EvolutionThreshold {
		errs = append(errs, errors.New("resonance.min_threshold must be in [0, evolution_threshold]"))
	}
	if res.AdaptFactor <= 0 || res.AdaptFactor > 1 {
		errs = append(errs, errors.New("resonance.adapt_factor must be in (0, 1]"))
	}
	if res.WindowSize > res.SampleSize {
		errs = append(errs, errors.New("resonance.window_size must not exceed sample_size"))
	}

	if _, err := stream.ParseAlgorithm(string(c.Stream.Compression.Algorithm)); err != nil {
		errs = append(errs, fmt.Errorf("stream.compression: %w", err))
	}
	if err := c.Logging.Format.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging.format: %w", err))
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if seen[ep.Name] {
			errs = append(errs, fmt.Errorf("endpoints: duplicate name %q", ep.Name))
		}
		seen[ep.Name] = true
	}

	return errors.Join(errs...)
}

// RedactedValue replaces secrets in rendered configuration.
const RedactedValue = "REDACTED"

// YAML renders the configuration for `relay config check`, with secrets
// replaced by RedactedValue.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// Redacted returns a copy of c safe to print: the Redis password and any
// password inside the sink DSN are masked.
func (c Config) Redacted() Config {
	if c.Bus.Redis.Password != "" {
		c.Bus.Redis.Password = RedactedValue
	}
	c.Sink.DSN = redactDSN(c.Sink.DSN)
	c.Endpoints = slices.Clone(c.Endpoints)
	c.Server.OperatorNetworks = slices.Clone(c.Server.OperatorNetworks)
	return c
}

// redactDSN masks the password of a URL DSN ("postgres://u:p@h/db") or a
// key/value DSN ("host=h password=p").
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), RedactedValue)
			return u.String()
		}
		return dsn
	}

	fields := strings.Fields(dsn)
	masked := false
	for i, f := range fields {
		if key, _, ok := strings.Cut(f, "="); ok && strings.EqualFold(key, "password") {
			fields[i] = key + "=" + RedactedValue
			masked = true
		}
	}
	if !masked {
		return dsn
	}
	return strings.Join(fields, " ")
}
