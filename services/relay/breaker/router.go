// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker gates outbound tool calls behind one circuit breaker per
// downstream endpoint.
//
// # Description
//
// Router owns the endpoint table. Each endpoint has its own breaker, its
// own in-flight cap and its own health flag, so a slow or broken endpoint
// never starves calls to the others. HealthChecker probes every endpoint
// on a timer and closes breakers whose endpoint answers.
package breaker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultCallTimeout bounds a routed call that sets no Timeout. Probes
	// use the shorter DefaultHealthTimeout.
	DefaultCallTimeout = 10 * time.Second

	// DefaultMaxInFlight is the per-endpoint concurrency cap.
	DefaultMaxInFlight = 32
)

// RouterConfig tunes the router.
type RouterConfig struct {
	Breaker     Config        `json:"breaker" yaml:"breaker"`
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout" validate:"gte=0"`
	MaxInFlight int64         `json:"max_in_flight" yaml:"max_in_flight" validate:"gte=0"`
}

// DefaultRouterConfig returns the router defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Breaker:     DefaultConfig(),
		CallTimeout: DefaultCallTimeout,
		MaxInFlight: DefaultMaxInFlight,
	}
}

// CallObserver receives tool_call_start, tool_call_end and tool_call_error
// envelopes for every routed call. It must not block.
type CallObserver interface {
	ObserveCall(env datatypes.EventEnvelope)
}

// CallObserverFunc adapts a function to CallObserver.
type CallObserverFunc func(env datatypes.EventEnvelope)

// ObserveCall calls f(env).
func (f CallObserverFunc) ObserveCall(env datatypes.EventEnvelope) { f(env) }

// endpoint is one row of the router's table. The map holding endpoints is
// built once in NewRouter and never mutated.
type endpoint struct {
	cfg     datatypes.ServiceEndpoint
	breaker *Breaker
	sem     *semaphore.Weighted
	healthy atomic.Bool
}

// Router is the circuit-breaker router.
//
// # Thread Safety
//
// Safe for concurrent use. Breaker transitions are serialized per
// endpoint by the breaker's own lock.
type Router struct {
	cfg       RouterConfig
	endpoints map[string]*endpoint
	order     []string

	caller   Caller
	observer CallObserver
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithCaller overrides the HTTP caller.
func WithCaller(c Caller) Option {
	return func(r *Router) { r.caller = c }
}

// WithObserver receives tool call events.
func WithObserver(o CallObserver) Option {
	return func(r *Router) { r.observer = o }
}

// WithMetrics records breaker state and routed calls.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClock injects the breakers' clock.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter builds a router for endpoints.
//
// # Inputs
//
//   - cfg: Zero fields take defaults.
//   - endpoints: Validated, with unique names. Every breaker starts closed.
//   - opts: Optional collaborators.
//
// # Outputs
//
//   - *Router: Ready to route.
//   - error: Non-nil on an invalid or duplicate endpoint.
func NewRouter(cfg RouterConfig, endpoints []datatypes.ServiceEndpoint, opts ...Option) (*Router, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}

	r := &Router{
		cfg:       cfg,
		endpoints: make(map[string]*endpoint, len(endpoints)),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.caller == nil {
		r.caller = NewHTTPCaller(nil)
	}

	for _, ep := range endpoints {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.endpoints[ep.Name]; dup {
			return nil, fmt.Errorf("duplicate endpoint %q", ep.Name)
		}
		if ep.HealthPath == "" {
			ep.HealthPath = "/health"
		}
		e := &endpoint{
			cfg:     ep,
			breaker: NewBreaker(ep.Name, cfg.Breaker, r.now, r.onStateChange),
			sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		}
		e.healthy.Store(true)
		r.endpoints[ep.Name] = e
		r.metrics.SetBreakerState(ep.Name, float64(StateClosed))
	}

	r.order = slices.SortedFunc(maps.Keys(r.endpoints), func(a, b string) int {
		ta, tb := r.endpoints[a].cfg.PriorityTier, r.endpoints[b].cfg.PriorityTier
		if ta != tb {
			return ta - tb
		}
		return cmp.Compare(a, b)
	})
	return r, nil
}

func (r *Router) onStateChange(name string, from, to State) {
	r.metrics.SetBreakerState(name, float64(to))
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "Circuit breaker state changed",
		slog.String("endpoint", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// Route sends req to the named endpoint on behalf of tenant.
//
// # Description
//
// An open breaker fails fast with *BreakerOpenError and no network call.
// Otherwise the body is copied and enriched with tenant_id, workspace_id,
// vector_namespace, storage_path and a fresh request_id, then posted under
// the call timeout. A non-success status, timeout or transport error is
// counted against the breaker before it is returned as *UpstreamError.
// Failures are never retried here.
//
// # Inputs
//
//   - ctx: Caller context. Cancelling it releases a half-open probe
//     without counting a failure.
//   - name: Endpoint name.
//   - req: Path, body and optional timeout.
//   - tenant: The resolved caller tenant.
//
// # Outputs
//
//   - *Response: The downstream reply on 2xx.
//   - error: ErrUnknownEndpoint, *BreakerOpenError, *UpstreamError, or the
//     caller's context error.
func (r *Router) Route(ctx context.Context, name string, req Request, tenant datatypes.TenantContext) (*Response, error) {
	ep, ok := r.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	if err := tenant.Validate(); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()

	allowed, retryAt := ep.breaker.Allow()
	if !allowed {
		err := &BreakerOpenError{Endpoint: name, RetryAt: retryAt}
		r.metrics.RecordRoute(name, "breaker_open", 0)
		r.emit(datatypes.KindToolCallError, tenant, requestID, map[string]any{
			"endpoint":     name,
			"request_id":   requestID,
			"error":        err.Error(),
			"breaker_open": true,
		})
		return nil, err
	}

	if err := ep.sem.Acquire(ctx, 1); err != nil {
		ep.breaker.RecordCancelled()
		return nil, err
	}
	defer ep.sem.Release(1)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.CallTimeout
	}

	r.emit(datatypes.KindToolCallStart, tenant, requestID, map[string]any{
		"endpoint":   name,
		"request_id": requestID,
		"path":       req.Path,
	})

	spanCtx, span := startRouteSpan(ctx, name, req.Path, tenant.TenantID, requestID)
	callCtx, cancel := context.WithTimeout(spanCtx, timeout)
	start := time.Now()
	resp, err := r.caller.Do(callCtx, Call{
		Endpoint:  name,
		URL:       joinURL(ep.cfg.BaseAddress, req.Path),
		RequestID: requestID,
		TenantID:  tenant.TenantID,
		Body:      enrich(req.Body, tenant, requestID),
	})
	cancel()
	elapsed := time.Since(start)

	outcome := "success"
	switch {
	case err == nil:
		ep.breaker.RecordSuccess()

	case ctx.Err() != nil:
		ep.breaker.RecordCancelled()
		outcome = "cancelled"
		err = ctx.Err()

	default:
		ep.breaker.RecordFailure()
		outcome = "failure"
		var upstream *UpstreamError
		if !errors.As(err, &upstream) {
			err = &UpstreamError{Endpoint: name, Err: err}
		}
	}

	endRouteSpan(span, outcome, err)
	recordRouteMetrics(ctx, name, outcome, elapsed)
	r.metrics.RecordRoute(name, outcome, elapsed.Seconds())

	if err != nil {
		payload := map[string]any{
			"endpoint":    name,
			"request_id":  requestID,
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
		}
		var upstream *UpstreamError
		if errors.As(err, &upstream) && upstream.StatusCode != 0 {
			payload["status_code"] = upstream.StatusCode
		}
		r.emit(datatypes.KindToolCallError, tenant, requestID, payload)
		if outcome == "failure" {
			r.logger.Warn("Routed call failed",
				slog.String("endpoint", name),
				slog.String("request_id", requestID),
				slog.String("error", err.Error()))
		}
		return nil, err
	}

	r.emit(datatypes.KindToolCallEnd, tenant, requestID, map[string]any{
		"endpoint":    name,
		"request_id":  requestID,
		"status_code": resp.StatusCode,
		"duration_ms": elapsed.Milliseconds(),
	})
	return resp, nil
}

// enrich copies body and adds the tenant fields and request id.
func enrich(body map[string]any, tenant datatypes.TenantContext, requestID string) map[string]any {
	out := make(map[string]any, len(body)+5)
	maps.Copy(out, body)
	out["tenant_id"] = tenant.TenantID
	out["workspace_id"] = tenant.WorkspaceID
	out["vector_namespace"] = tenant.VectorNamespace()
	out["storage_path"] = tenant.StoragePath()
	out["request_id"] = requestID
	return out
}

func (r *Router) emit(kind datatypes.EventKind, tenant datatypes.TenantContext, requestID string, payload map[string]any) {
	if r.observer == nil {
		return
	}
	env := datatypes.NewEnvelope(kind, tenant, payload)
	env.CorrelationID = requestID
	env.SourceTag = "breaker"
	r.observer.ObserveCall(env)
}

// =============================================================================
// Introspection
// =============================================================================

// EndpointStatus is the health-endpoint view of one endpoint.
type EndpointStatus struct {
	Name          string    `json:"name"`
	BaseAddress   string    `json:"base_address"`
	PriorityTier  int       `json:"priority_tier"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	RetryAt       time.Time `json:"retry_at,omitzero"`
	Healthy       bool      `json:"healthy"`
}

// Snapshot returns every endpoint ordered by priority tier, then name.
func (r *Router) Snapshot() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(r.order))
	for _, name := range r.order {
		ep := r.endpoints[name]
		b := ep.breaker.Snapshot()
		out = append(out, EndpointStatus{
			Name:          name,
			BaseAddress:   ep.cfg.BaseAddress,
			PriorityTier:  ep.cfg.PriorityTier,
			State:         b.State,
			FailureCount:  b.FailureCount,
			LastFailureAt: b.LastFailureAt,
			RetryAt:       b.RetryAt,
			Healthy:       ep.healthy.Load(),
		})
	}
	return out
}

// State returns the effective breaker state of an endpoint.
func (r *Router) State(name string) (State, bool) {
	ep, ok := r.endpoints[name]
	if !ok {
		return StateClosed, false
	}
	return ep.breaker.State(), true
}

// Endpoints returns the configured endpoints in priority order.
func (r *Router) Endpoints() []datatypes.ServiceEndpoint {
	out := make([]datatypes.ServiceEndpoint, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.endpoints[name].cfg)
	}
	return out
}

// reportProbe applies a health probe result. Success closes the breaker;
// failure only marks the endpoint unhealthy.
func (r *Router) reportProbe(name string, err error) {
	ep, ok := r.endpoints[name]
	if !ok {
		return
	}
	wasHealthy := ep.healthy.Swap(err == nil)
	r.metrics.RecordHealthProbe(name, err == nil)

	if err == nil {
		ep.breaker.HealthProbeSucceeded()
		if !wasHealthy {
			r.logger.Info("Endpoint recovered", slog.String("endpoint", name))
		}
		return
	}
	if wasHealthy {
		r.logger.Warn("Endpoint health probe failed",
			slog.String("endpoint", name),
			slog.String("error", err.Error()))
	}
}
