// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink is the best-effort durable event log.
//
// # Description
//
// Persist never blocks and never fails the caller: records go onto a
// bounded queue drained by one worker. A full queue drops the record with
// a warning. Store errors are logged and counted, then forgotten.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

var (
	// ErrSinkClosed is returned by Enqueue after Close.
	ErrSinkClosed = errors.New("durable sink closed")

	// ErrSinkFull is returned by Enqueue when the queue is full.
	ErrSinkFull = errors.New("durable sink queue full")
)

const (
	DefaultQueueDepth    = 1024
	DefaultAppendTimeout = 5 * time.Second
)

// Config tunes the async queue.
type Config struct {
	QueueDepth    int           `json:"queue_depth" yaml:"queue_depth" validate:"gte=0"`
	AppendTimeout time.Duration `json:"append_timeout" yaml:"append_timeout" validate:"gte=0"`
}

// Sink queues records for a Store.
//
// # Thread Safety
//
// Safe for concurrent use.
type Sink struct {
	store         Store
	appendTimeout time.Duration
	metrics       *observability.Metrics
	logger        *slog.Logger

	mu     sync.RWMutex
	queue  chan Record
	closed bool

	abandon   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Sink.
type Option func(*Sink)

// WithMetrics records append outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// New starts a sink worker writing to store.
func New(store Store, cfg Config, opts ...Option) *Sink {
	if store == nil {
		store = NewNopStore()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultAppendTimeout
	}
	s := &Sink{
		store:         store,
		appendTimeout: cfg.AppendTimeout,
		logger:        slog.Default(),
		queue:         make(chan Record, cfg.QueueDepth),
		abandon:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Persist queues env for storage. Failures are logged, never returned.
func (s *Sink) Persist(tenantID string, env datatypes.EventEnvelope) {
	if env.Tenant.TenantID != tenantID {
		s.logger.Warn("Refusing to persist event under another tenant",
			"tenant_id", tenantID,
			"event_tenant_id", env.Tenant.TenantID,
			"event_id", env.ID,
		)
		s.metrics.RecordSinkAppend("rejected")
		return
	}
	rec, err := RecordFromEnvelope(env)
	if err != nil {
		s.logger.Warn("Event not persisted", "event_id", env.ID, "error", err)
		s.metrics.RecordSinkAppend("failed")
		return
	}
	if err := s.Enqueue(rec); err != nil {
		s.logger.Warn("Event not persisted", "event_id", env.ID, "tenant_id", tenantID, "error", err)
	}
}

// Enqueue queues rec without blocking.
func (s *Sink) Enqueue(rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.metrics.RecordSinkAppend("dropped")
		return ErrSinkClosed
	}
	select {
	case s.queue <- rec:
		return nil
	default:
		s.metrics.RecordSinkAppend("dropped")
		return ErrSinkFull
	}
}

// Recent reads the tenant's newest records from the store.
func (s *Sink) Recent(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	return s.store.Recent(ctx, tenantID, limit)
}

func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.queue {
		select {
		case <-s.abandon:
			return
		default:
		}
		s.write(rec)
	}
}

func (s *Sink) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), s.appendTimeout)
	defer cancel()

	if err := s.store.Append(ctx, rec); err != nil {
		s.logger.Warn("Durable append failed",
			"event_id", rec.EventID,
			"tenant_id", rec.TenantID,
			"error", err,
		)
		s.metrics.RecordSinkAppend("failed")
		return
	}
	s.metrics.RecordSinkAppend("success")
}

// Close stops accepting records and drains the queue until ctx is done.
// Records still queued then are abandoned with a warning. The store is
// closed last.
func (s *Sink) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		select {
		case <-s.done:
		case <-ctx.Done():
			pending := len(s.queue)
			close(s.abandon)
			<-s.done
			s.logger.Warn("Durable sink drain timed out, abandoning queued events", "abandoned", pending)
			for i := 0; i < pending; i++ {
				s.metrics.RecordSinkAppend("abandoned")
			}
		}
		err = s.store.Close()
	})
	return err
}
