// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/stream"
)

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, 0.10, cfg.Resonance.EvolutionThreshold)
	assert.Equal(t, time.Second, cfg.Resonance.ScanInterval)
	assert.Equal(t, 1000, cfg.Resonance.BufferCapacity)
	assert.Equal(t, 10, cfg.Stream.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Stream.FlushInterval)
	assert.Equal(t, 5, cfg.Breaker.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.Breaker.Cooldown)
	assert.Equal(t, 30*time.Second, cfg.Sessions.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Health.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Breaker.CallTimeout)
	assert.Empty(t, cfg.Server.OperatorNetworks)
	assert.Equal(t, BusMemory, cfg.Bus.Driver)
	assert.Equal(t, SinkNone, cfg.Sink.Driver)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
server:
  addr: ":9000"
resonance:
  buffer_capacity: 500
  evolution_threshold: 0.3
  scan_interval: 2s
stream:
  batch_size: 25
  compression:
    algorithm: zstd
sessions:
  heartbeat_interval: 15s
  queue_depth: 64
breaker:
  breaker:
    failure_threshold: 3
    cooldown: 30s
endpoints:
  - name: crm
    base_address: http://crm.internal:8080
    priority_tier: 1
  - name: billing
    base_address: http://billing.internal:8080
logging:
  level: debug
  format: json
`)

	cfg, err := load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 500, cfg.Resonance.BufferCapacity)
	assert.Equal(t, 0.3, cfg.Resonance.EvolutionThreshold)
	assert.Equal(t, 2*time.Second, cfg.Resonance.ScanInterval)
	assert.Equal(t, 100, cfg.Resonance.SampleSize, "unset fields keep defaults")
	assert.Equal(t, 25, cfg.Stream.BatchSize)
	assert.Equal(t, stream.AlgorithmZstd, cfg.Stream.Compression.Algorithm)
	assert.Equal(t, 15*time.Second, cfg.Sessions.HeartbeatInterval)
	assert.Equal(t, 64, cfg.Sessions.QueueDepth)
	assert.Equal(t, 3, cfg.Breaker.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Breaker.Cooldown)
	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "crm", cfg.Endpoints[0].Name)
	assert.Equal(t, 1, cfg.Endpoints[0].PriorityTier)
	assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
	assert.Equal(t, logging.FormatJSON, cfg.Logging.Format)
}

func TestLoad_JSONFallback(t *testing.T) {
	path := writeFile(t, "relay.json", `{
	"server": {"addr": ":7000"},
	"bus": {"driver": "redis", "redis": {"addr": "redis:6379"}},
	"logging": {"level": "warn"}
}`)

	cfg, err := load(path, noEnv)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, BusRedis, cfg.Bus.Driver)
	assert.Equal(t, "redis:6379", cfg.Bus.Redis.Addr)
	assert.Equal(t, logging.LevelWarn, cfg.Logging.Level)
}

func TestLoad_UnparsableFile(t *testing.T) {
	path := writeFile(t, "bad.yaml", "server: [unterminated")
	_, err := load(path, noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tried YAML and JSON")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "relay.yaml", "server:\n  addr: \":9000\"\n")

	cfg, err := load(path, envMap(map[string]string{
		"RELAY_ADDR":                      ":9100",
		"RELAY_EVOLUTION_THRESHOLD":       "0.25",
		"RELAY_SCAN_INTERVAL":             "500ms",
		"RELAY_BUFFER_CAPACITY":           "2000",
		"RELAY_BATCH_SIZE":                "50",
		"RELAY_FLUSH_INTERVAL":            "250ms",
		"RELAY_BREAKER_FAILURE_THRESHOLD": "7",
		"RELAY_BREAKER_COOLDOWN":          "2m",
		"RELAY_HEARTBEAT_INTERVAL":        "10s",
		"RELAY_COMPRESSION":               "LZ4",
		"RELAY_LOG_LEVEL":                 "error",
		"RELAY_CALL_TIMEOUT":              "5s",
		"RELAY_OPERATOR_NETWORKS":         "10.0.0.0/8, 127.0.0.1/32,",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, 0.25, cfg.Resonance.EvolutionThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Resonance.ScanInterval)
	assert.Equal(t, 2000, cfg.Resonance.BufferCapacity)
	assert.Equal(t, 50, cfg.Stream.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Stream.FlushInterval)
	assert.Equal(t, 7, cfg.Breaker.Breaker.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.Breaker.Cooldown)
	assert.Equal(t, 10*time.Second, cfg.Sessions.HeartbeatInterval)
	assert.Equal(t, stream.AlgorithmLZ4, cfg.Stream.Compression.Algorithm)
	assert.Equal(t, logging.LevelError, cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.Breaker.CallTimeout)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1/32"}, cfg.Server.OperatorNetworks)
}

func TestLoad_MalformedEnvReportsEveryVariable(t *testing.T) {
	_, err := load("", envMap(map[string]string{
		"RELAY_BATCH_SIZE":       "ten",
		"RELAY_BREAKER_COOLDOWN": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_BATCH_SIZE")
	assert.Contains(t, err.Error(), "RELAY_BREAKER_COOLDOWN")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"redis needs addr", func(c *Config) {
			c.Bus.Driver = BusRedis
			c.Bus.Redis.Addr = ""
		}, "bus.redis"},
		{"unknown bus", func(c *Config) { c.Bus.Driver = "kafka" }, "Driver"},
		{"badger needs path", func(c *Config) {
			c.Sink.Driver = SinkBadger
			c.Sink.Badger.Path = ""
		}, "sink.badger.path"},
		{"sql needs dsn", func(c *Config) { c.Sink.Driver = SinkPostgres }, "sink.dsn"},
		{"min above evolution", func(c *Config) {
			c.Resonance.MinThreshold = 0.5
		}, "min_threshold"},
		{"adapt factor zero", func(c *Config) { c.Resonance.AdaptFactor = 0 }, "adapt_factor"},
		{"window larger than sample", func(c *Config) {
			c.Resonance.WindowSize = 200
		}, "window_size"},
		{"duplicate endpoints", func(c *Config) {
			ep := datatypes.ServiceEndpoint{Name: "crm", BaseAddress: "http://crm:8080"}
			c.Endpoints = []datatypes.ServiceEndpoint{ep, ep}
		}, "duplicate"},
		{"endpoint needs url", func(c *Config) {
			c.Endpoints = []datatypes.ServiceEndpoint{{Name: "crm", BaseAddress: "nope"}}
		}, "BaseAddress"},
		{"unknown compression", func(c *Config) {
			c.Stream.Compression.Algorithm = "brotli"
		}, "Algorithm"},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "SampleRatio"},
		{"operator network not a cidr", func(c *Config) {
			c.Server.OperatorNetworks = []string{"10.0.0.1"}
		}, "OperatorNetworks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestValidate_SQLiteAndInMemoryBadger(t *testing.T) {
	cfg := Default()
	cfg.Sink.Driver = SinkSQLite
	cfg.Sink.DSN = "file:relay.db"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Sink.Driver = SinkBadger
	cfg.Sink.Badger.Path = ""
	cfg.Sink.Badger.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Endpoints = []datatypes.ServiceEndpoint{{Name: "crm", BaseAddress: "http://crm:8080", PriorityTier: 2}}

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "evolution_threshold: 0.1")
	assert.Contains(t, string(out), "heartbeat_interval: 30s")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.Resonance, back.Resonance)
	assert.Equal(t, cfg.Sessions, back.Sessions)
	assert.Equal(t, cfg.Endpoints, back.Endpoints)
	assert.NoError(t, back.Validate())
}

func TestConfig_YAMLMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Bus.Driver = BusRedis
	cfg.Bus.Redis.Addr = "redis:6379"
	cfg.Bus.Redis.Password = "hunter2"
	cfg.Sink.Driver = SinkPostgres
	cfg.Sink.DSN = "postgres://relay:s3cret@db:5432/relay?sslmode=disable"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "s3cret")
	assert.Contains(t, string(out), "password: "+RedactedValue)
	assert.Contains(t, string(out), "postgres://relay:"+RedactedValue+"@db:5432/relay?sslmode=disable")

	assert.Equal(t, "hunter2", cfg.Bus.Redis.Password, "the receiver is not modified")
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"file:relay.db?_pragma=busy_timeout(5000)", "file:relay.db?_pragma=busy_timeout(5000)"},
		{"postgres://relay@db/relay", "postgres://relay@db/relay"},
		{"postgres://relay:pw@db/relay", "postgres://relay:REDACTED@db/relay"},
		{"host=db user=relay password=pw dbname=relay", "host=db user=relay password=REDACTED dbname=relay"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, redactDSN(tt.in), tt.in)
	}
}
