// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream turns raw producer events into tenant-scoped batches.
//
// # Description
//
// Every raw event is normalized into an EventEnvelope, handed to an
// EventObserver (pattern engine, durable sink), then appended to the
// Batcher for its source. Flushed batches become one "batch" envelope,
// optionally compressed with the source's negotiated algorithm, and are
// handed to an Emitter for fan-out.
package stream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

const (
	// DefaultBatchSize flushes a batch once it holds this many events.
	DefaultBatchSize = 10

	// DefaultFlushInterval flushes a batch this long after its first event.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Config tunes the stage.
type Config struct {
	BatchSize     int           `json:"batch_size" yaml:"batch_size" validate:"gte=0,lte=10000"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval" validate:"gte=0"`

	// Compression applies to HTTP producer sources. Bidirectional sessions
	// negotiate their own at connect time.
	Compression CompressionConfig `json:"compression" yaml:"compression"`
}

// Source identifies where events come from and how their batches are
// encoded.
type Source struct {
	// Key selects the Batcher. One per bidirectional session, or
	// "api:<tenant>" for HTTP producers.
	Key string

	// SessionID is excluded from fan-out of this source's batches.
	// Empty for HTTP producers.
	SessionID string

	Tenant     datatypes.TenantContext
	Compressor *Compressor
}

// APISource is the shared source for a tenant's HTTP producers.
func APISource(tenant datatypes.TenantContext, compressor *Compressor) Source {
	return Source{Key: "api:" + tenant.TenantID, Tenant: tenant, Compressor: compressor}
}

// EventObserver sees every normalized envelope before batching.
type EventObserver interface {
	ObserveEvent(env datatypes.EventEnvelope)
}

// ObserverFunc adapts a function to EventObserver.
type ObserverFunc func(env datatypes.EventEnvelope)

// ObserveEvent calls f(env).
func (f ObserverFunc) ObserveEvent(env datatypes.EventEnvelope) { f(env) }

// Emitter receives flushed batch envelopes.
type Emitter interface {
	EmitBatch(src Source, batch datatypes.EventEnvelope)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(src Source, batch datatypes.EventEnvelope)

// EmitBatch calls f(src, batch).
func (f EmitterFunc) EmitBatch(src Source, batch datatypes.EventEnvelope) { f(src, batch) }

// Stage is the stream transformation stage.
//
// # Thread Safety
//
// Safe for concurrent use. Sources never block each other: each has its
// own Batcher and lock.
type Stage struct {
	cfg      Config
	observer EventObserver
	emitter  Emitter
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	batchers map[string]*Batcher
}

// StageOption configures a Stage.
type StageOption func(*Stage)

// WithObserver sets the pre-batch observer.
func WithObserver(o EventObserver) StageOption {
	return func(s *Stage) { s.observer = o }
}

// WithMetrics records flushes and compression ratios.
func WithMetrics(m *observability.Metrics) StageOption {
	return func(s *Stage) { s.metrics = m }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) StageOption {
	return func(s *Stage) { s.logger = l }
}

// WithClock overrides time.Now for normalization.
func WithClock(now func() time.Time) StageOption {
	return func(s *Stage) { s.now = now }
}

// NewStage creates a stage that hands batches to emitter.
func NewStage(cfg Config, emitter Emitter, opts ...StageOption) *Stage {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	s := &Stage{
		cfg:      cfg,
		emitter:  emitter,
		logger:   slog.Default(),
		now:      time.Now,
		batchers: make(map[string]*Batcher),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest normalizes raw for src and queues it for batching.
//
// # Outputs
//
//   - datatypes.EventEnvelope: The normalized envelope.
//   - error: Validation or unknown-kind errors. Nothing is queued then.
func (s *Stage) Ingest(src Source, raw datatypes.RawEvent) (datatypes.EventEnvelope, error) {
	if err := raw.Validate(); err != nil {
		return datatypes.EventEnvelope{}, err
	}
	env, err := datatypes.Normalize(raw, src.Tenant, s.now())
	if err != nil {
		return datatypes.EventEnvelope{}, err
	}
	if env.SourceTag == "" {
		env.SourceTag = src.Key
	}

	if s.observer != nil {
		s.observer.ObserveEvent(env)
	}

	for {
		b := s.batcher(src)
		err := b.Add(env)
		if errors.Is(err, errBatcherClosed) {
			// Lost a race with Close(src.Key); the next lookup makes a fresh one.
			continue
		}
		return env, err
	}
}

// Close flushes and forgets src's batcher.
func (s *Stage) Close(key string) {
	s.mu.Lock()
	b := s.batchers[key]
	delete(s.batchers, key)
	s.mu.Unlock()

	if b != nil {
		b.Close()
	}
}

// Flush closes every batcher, emitting what remains.
func (s *Stage) Flush() {
	s.mu.Lock()
	batchers := s.batchers
	s.batchers = make(map[string]*Batcher)
	s.mu.Unlock()

	for _, b := range batchers {
		b.Close()
	}
}

// Sources returns the number of sources with a live batcher.
func (s *Stage) Sources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batchers)
}

func (s *Stage) batcher(src Source) *Batcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.batchers[src.Key]; ok {
		return b
	}
	b := NewBatcher(s.cfg.BatchSize, s.cfg.FlushInterval, func(events []datatypes.EventEnvelope, reason FlushReason) {
		s.emit(src, events, reason)
	})
	s.batchers[src.Key] = b
	return b
}

func (s *Stage) emit(src Source, events []datatypes.EventEnvelope, reason FlushReason) {
	s.metrics.RecordFlush(string(reason), len(events))

	payload, err := s.encode(src, events)
	if err != nil {
		s.logger.Warn("Batch compression failed, sending uncompressed",
			"source", src.Key,
			"error", err,
		)
		payload = map[string]any{"events": events, "count": len(events)}
	}

	batch := datatypes.NewEnvelope(datatypes.KindBatch, src.Tenant, payload)
	batch.SourceTag = src.Key
	if s.emitter != nil {
		s.emitter.EmitBatch(src, batch)
	}
}

// encode builds the batch payload, compressing when the source asked for
// it and the batch is worth it.
func (s *Stage) encode(src Source, events []datatypes.EventEnvelope) (map[string]any, error) {
	if src.Compressor.Algorithm() == AlgorithmNone {
		return map[string]any{"events": events, "count": len(events)}, nil
	}

	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	out, alg, err := src.Compressor.Compress(raw)
	if err != nil {
		return nil, err
	}
	if alg == AlgorithmNone {
		return map[string]any{"events": events, "count": len(events)}, nil
	}

	s.metrics.RecordCompression(string(alg), len(raw), len(out))
	return map[string]any{
		"encoding":  string(alg),
		"data":      base64.StdEncoding.EncodeToString(out),
		"count":     len(events),
		"raw_bytes": len(raw),
	}, nil
}

// DecodeBatch recovers the events of a batch payload, compressed or not.
func DecodeBatch(payload map[string]any) ([]datatypes.EventEnvelope, error) {
	if enc, ok := payload["encoding"].(string); ok {
		data, _ := payload["data"].(string)
		compressed, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode batch data: %w", err)
		}
		rawBytes, ok := toInt(payload["raw_bytes"])
		if !ok {
			return nil, fmt.Errorf("batch raw_bytes missing")
		}
		raw, err := Decompress(compressed, Algorithm(enc), rawBytes)
		if err != nil {
			return nil, err
		}
		var events []datatypes.EventEnvelope
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("unmarshal batch: %w", err)
		}
		return events, nil
	}

	switch v := payload["events"].(type) {
	case []datatypes.EventEnvelope:
		return v, nil
	case nil:
		return nil, fmt.Errorf("batch has no events")
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal batch events: %w", err)
		}
		var events []datatypes.EventEnvelope
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("unmarshal batch: %w", err)
		}
		return events, nil
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
