// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for routed downstream calls.
var (
	tracer = otel.Tracer("aleutian.relay.breaker")
	meter  = otel.Meter("aleutian.relay.breaker")
)

var (
	routeLatency metric.Float64Histogram
	probeTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		routeLatency, err = meter.Float64Histogram(
			"relay.route.duration",
			metric.WithDescription("Duration of routed downstream calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		probeTotal, err = meter.Int64Counter(
			"relay.health.probes",
			metric.WithDescription("Total endpoint health probes"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRouteSpan creates a span for one downstream call.
func startRouteSpan(ctx context.Context, endpoint, path, tenantID, requestID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "relay.route",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("relay.endpoint", endpoint),
			attribute.String("relay.path", path),
			attribute.String("relay.tenant_id", tenantID),
			attribute.String("relay.request_id", requestID),
		),
	)
}

// endRouteSpan records the outcome on span and ends it.
func endRouteSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("relay.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}

// recordRouteMetrics records the OTel latency histogram for one call.
func recordRouteMetrics(ctx context.Context, endpoint, outcome string, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	routeLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}

// recordProbeMetric counts one health probe.
func recordProbeMetric(ctx context.Context, endpoint string, healthy bool) {
	if err := initMetrics(); err != nil {
		return
	}
	probeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Bool("healthy", healthy),
	))
}
