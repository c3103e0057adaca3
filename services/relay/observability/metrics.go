// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the relay.
//
// # Description
//
// All relay metrics live under the "aleutian_relay" prefix. Components take
// a *Metrics and every recording method is nil-safe, so a component built
// without metrics (as most unit tests do) simply records nothing.
//
// # Usage
//
//	m := observability.NewMetrics(prometheus.DefaultRegisterer)
//	m.SessionOpened(datatypes.TransportPushStream)
//	defer m.SessionClosed(datatypes.TransportPushStream)
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian"

const relaySubsystem = "relay"

// Metrics holds every Prometheus collector the relay records into.
type Metrics struct {
	// ActiveSessions tracks open sessions by transport.
	// Labels: transport
	ActiveSessions *prometheus.GaugeVec

	// EventsPublished counts envelopes handed to the broadcast router.
	// Labels: kind, origin (local, remote)
	EventsPublished *prometheus.CounterVec

	// Deliveries counts envelopes queued onto session outbound paths.
	// Labels: transport
	Deliveries *prometheus.CounterVec

	// DroppedDeliveries counts envelopes that could not be queued.
	// Labels: reason (queue_full, closed)
	DroppedDeliveries *prometheus.CounterVec

	// BatchesFlushed counts flushed batches.
	// Labels: reason (size, timer, close)
	BatchesFlushed *prometheus.CounterVec

	// BatchSize observes events per flushed batch.
	BatchSize prometheus.Histogram

	// CompressionRatio observes compressed/raw bytes for compressed batches.
	// Labels: algorithm
	CompressionRatio *prometheus.HistogramVec

	// BreakerState is 0 closed, 1 half-open, 2 open.
	// Labels: endpoint
	BreakerState *prometheus.GaugeVec

	// RouteCalls counts routed downstream calls.
	// Labels: endpoint, outcome (success, upstream_error, breaker_open, canceled)
	RouteCalls *prometheus.CounterVec

	// RouteDurationSeconds observes downstream call latency.
	// Labels: endpoint
	RouteDurationSeconds *prometheus.HistogramVec

	// HealthProbes counts health check results.
	// Labels: endpoint, outcome (healthy, unhealthy)
	HealthProbes *prometheus.CounterVec

	// SinkAppends counts durable append attempts.
	// Labels: outcome (success, error, dropped, abandoned)
	SinkAppends *prometheus.CounterVec

	// PatternsTracked is the number of patterns held by the engine.
	PatternsTracked prometheus.Gauge

	// PatternsActive is the number of patterns above threshold.
	PatternsActive prometheus.Gauge

	// Scans counts resonance scan cycles.
	// Labels: result (completed, skipped, failed)
	Scans *prometheus.CounterVec

	// Heartbeats counts heartbeats queued to sessions.
	Heartbeats prometheus.Counter

	// ForcedCloses counts sessions closed by the relay rather than the peer.
	// Labels: reason (idle, slow_consumer, write_error, shutdown)
	ForcedCloses *prometheus.CounterVec

	// BusMessages counts cross-process bus traffic.
	// Labels: direction (out, in), result (ok, error, ignored)
	BusMessages *prometheus.CounterVec
}

// NewMetrics creates and registers every relay collector on reg.
//
// # Description
//
// Uses promauto against the supplied registerer. Pass
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry()
// in tests so parallel tests do not collide on collector names.
//
// # Limitations
//
//   - Registering twice on the same registerer panics (promauto semantics).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "active_sessions",
			Help:      "Number of currently open client sessions",
		}, []string{"transport"}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "events_published_total",
			Help:      "Envelopes published through the broadcast router",
		}, []string{"kind", "origin"}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "deliveries_total",
			Help:      "Envelopes queued onto session outbound paths",
		}, []string{"transport"}),

		DroppedDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "dropped_deliveries_total",
			Help:      "Envelopes that could not be queued to a session",
		}, []string{"reason"}),

		BatchesFlushed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "batches_flushed_total",
			Help:      "Batches flushed by the stream stage",
		}, []string{"reason"}),

		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "batch_size_events",
			Help:      "Events per flushed batch",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 20, 50},
		}),

		CompressionRatio: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "compression_ratio",
			Help:      "Compressed bytes divided by raw bytes",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.8, 1.0},
		}, []string{"algorithm"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open)",
		}, []string{"endpoint"}),

		RouteCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "route_calls_total",
			Help:      "Downstream calls routed through the breaker router",
		}, []string{"endpoint", "outcome"}),

		RouteDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "route_duration_seconds",
			Help:      "Downstream call latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),

		HealthProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "health_probes_total",
			Help:      "Endpoint health probes by outcome",
		}, []string{"endpoint", "outcome"}),

		SinkAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "sink_appends_total",
			Help:      "Durable append attempts by outcome",
		}, []string{"outcome"}),

		PatternsTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "patterns_tracked",
			Help:      "Resonance patterns currently tracked",
		}),

		PatternsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "patterns_active",
			Help:      "Resonance patterns above the discovery threshold",
		}),

		Scans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "resonance_scans_total",
			Help:      "Resonance scan cycles by result",
		}, []string{"result"}),

		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "heartbeats_total",
			Help:      "Heartbeats queued to sessions",
		}),

		ForcedCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "forced_closes_total",
			Help:      "Sessions closed by the relay",
		}, []string{"reason"}),

		BusMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "bus_messages_total",
			Help:      "Cross-process bus messages",
		}, []string{"direction", "result"}),
	}
}

// =============================================================================
// Recording helpers
// =============================================================================

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(transport).Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(transport).Dec()
}

// RecordPublish counts one published envelope.
func (m *Metrics) RecordPublish(kind string, remote bool) {
	if m == nil {
		return
	}
	origin := "local"
	if remote {
		origin = "remote"
	}
	m.EventsPublished.WithLabelValues(kind, origin).Inc()
}

// RecordDelivery counts one queued delivery.
func (m *Metrics) RecordDelivery(transport string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(transport).Inc()
}

// RecordDrop counts one dropped delivery.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.DroppedDeliveries.WithLabelValues(reason).Inc()
}

// RecordFlush counts one flushed batch of n events.
func (m *Metrics) RecordFlush(reason string, n int) {
	if m == nil {
		return
	}
	m.BatchesFlushed.WithLabelValues(reason).Inc()
	m.BatchSize.Observe(float64(n))
}

// RecordCompression observes the ratio for one compressed batch.
func (m *Metrics) RecordCompression(algorithm string, rawBytes, compressedBytes int) {
	if m == nil || rawBytes == 0 {
		return
	}
	m.CompressionRatio.WithLabelValues(algorithm).Observe(float64(compressedBytes) / float64(rawBytes))
}

// SetBreakerState records the numeric state of an endpoint's breaker.
func (m *Metrics) SetBreakerState(endpoint string, value float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(endpoint).Set(value)
}

// RecordRoute counts one routed call and observes its latency.
func (m *Metrics) RecordRoute(endpoint, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RouteCalls.WithLabelValues(endpoint, outcome).Inc()
	if seconds > 0 {
		m.RouteDurationSeconds.WithLabelValues(endpoint).Observe(seconds)
	}
}

// RecordHealthProbe counts one health probe result.
func (m *Metrics) RecordHealthProbe(endpoint string, healthy bool) {
	if m == nil {
		return
	}
	outcome := "healthy"
	if !healthy {
		outcome = "unhealthy"
	}
	m.HealthProbes.WithLabelValues(endpoint, outcome).Inc()
}

// RecordSinkAppend counts one durable append outcome.
func (m *Metrics) RecordSinkAppend(outcome string) {
	if m == nil {
		return
	}
	m.SinkAppends.WithLabelValues(outcome).Inc()
}

// SetPatterns records the engine's pattern counts.
func (m *Metrics) SetPatterns(tracked, active int) {
	if m == nil {
		return
	}
	m.PatternsTracked.Set(float64(tracked))
	m.PatternsActive.Set(float64(active))
}

// RecordScan counts one scan cycle result.
func (m *Metrics) RecordScan(result string) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(result).Inc()
}

// RecordHeartbeat counts one heartbeat.
func (m *Metrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.Heartbeats.Inc()
}

// RecordForcedClose counts one relay-initiated close.
func (m *Metrics) RecordForcedClose(reason string) {
	if m == nil {
		return
	}
	m.ForcedCloses.WithLabelValues(reason).Inc()
}

// RecordBus counts one bus message.
func (m *Metrics) RecordBus(direction, result string) {
	if m == nil {
		return
	}
	m.BusMessages.WithLabelValues(direction, result).Inc()
}
