// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broadcast fans tenant events out to local sessions and to the
// other relay instances.
//
// # Description
//
// Publish delivers to every local session of the tenant first, then puts
// the event on the bus under the tenant's channel. Each instance holds one
// bus subscription per tenant that has local sessions, and re-delivers
// what it receives locally. Only locally originated events go to the bus,
// so messages never loop between instances.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/sessions"
	"github.com/google/uuid"
)

// ErrTenantMismatch is returned when an envelope's tenant differs from
// the tenant it is published to.
var ErrTenantMismatch = errors.New("envelope tenant does not match publish tenant")

// Persister receives durable events for best-effort storage. It must not
// block.
type Persister interface {
	Persist(tenantID string, env datatypes.EventEnvelope)
}

// Router is the broadcast router.
//
// # Thread Safety
//
// Safe for concurrent use. Subscription changes are serialized by subMu
// and always reconciled against the registry's current count, so racing
// open/close notifications cannot leave a tenant unsubscribed.
type Router struct {
	instanceID string
	registry   *sessions.Registry
	bus        Bus
	persister  Persister
	metrics    *observability.Metrics
	logger     *slog.Logger

	// ctx scopes bus subscriptions; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	subMu sync.Mutex
	subs  map[string]Subscription
}

var _ sessions.TenantListener = (*Router)(nil)

// Option configures a Router.
type Option func(*Router)

// WithInstanceID overrides the random instance id.
func WithInstanceID(id string) Option {
	return func(r *Router) { r.instanceID = id }
}

// WithPersister sets the durable sink.
func WithPersister(p Persister) Option {
	return func(r *Router) { r.persister = p }
}

// WithMetrics records publishes and bus traffic.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router and registers it as the registry's tenant
// listener. bus may be nil for a single-instance deployment.
func NewRouter(registry *sessions.Registry, bus Bus, opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		instanceID: uuid.NewString(),
		registry:   registry,
		bus:        bus,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	registry.SetTenantListener(r)
	return r
}

// InstanceID identifies this relay on the bus.
func (r *Router) InstanceID() string {
	return r.instanceID
}

// Publish delivers env to the tenant's sessions and the bus.
//
// # Description
//
// Local delivery happens first and synchronously: every session of the
// tenant except excludeSessionID has env queued before the bus publish
// starts. A bus failure is logged, never returned; local delivery has
// already succeeded. Durable kinds are then handed to the persister.
//
// # Inputs
//
//   - ctx: Bounds the bus publish.
//   - tenantID: Must equal env.Tenant.TenantID.
//   - env: The event.
//   - excludeSessionID: Session to skip, usually the originator. May be "".
//
// # Outputs
//
//   - int: Number of local sessions env was queued to.
//   - error: ErrTenantMismatch.
func (r *Router) Publish(ctx context.Context, tenantID string, env datatypes.EventEnvelope, excludeSessionID string) (int, error) {
	if env.Tenant.TenantID != tenantID {
		return 0, ErrTenantMismatch
	}

	delivered := r.deliverLocal(tenantID, env, excludeSessionID)
	r.metrics.RecordPublish(env.Kind.String(), false)

	if r.bus != nil {
		msg := Message{
			Origin:           r.instanceID,
			TenantID:         tenantID,
			ExcludeSessionID: excludeSessionID,
			Envelope:         env,
		}
		if err := r.bus.Publish(ctx, TenantChannel(tenantID), msg); err != nil {
			r.logger.Warn("Bus publish failed, local delivery only",
				"tenant_id", tenantID,
				"event_id", env.ID,
				"error", err,
			)
			r.metrics.RecordBus("out", "error")
		} else {
			r.metrics.RecordBus("out", "ok")
		}
	}

	if r.persister != nil && env.Kind.Durable() {
		r.persister.Persist(tenantID, env)
	}
	return delivered, nil
}

// PublishTo sends env to one session only, bypassing the bus. Used for
// replies such as connection acks and per-session errors.
func (r *Router) PublishTo(sessionID string, env datatypes.EventEnvelope) error {
	s, ok := r.registry.Get(sessionID)
	if !ok {
		return sessions.ErrSessionClosed
	}
	return s.Send(env)
}

func (r *Router) deliverLocal(tenantID string, env datatypes.EventEnvelope, excludeSessionID string) int {
	delivered := 0
	for _, s := range r.registry.ForTenant(tenantID) {
		if s.ID == excludeSessionID {
			continue
		}
		if err := s.Send(env); err != nil {
			r.metrics.RecordDrop("session_closed")
			continue
		}
		delivered++
	}
	return delivered
}

// handleRemote re-delivers a bus message locally. It never republishes.
func (r *Router) handleRemote(msg Message) {
	if msg.Origin == r.instanceID {
		r.metrics.RecordBus("in", "self")
		return
	}
	if msg.Envelope.Tenant.TenantID != msg.TenantID {
		r.logger.Warn("Dropping bus message with mismatched tenant",
			"tenant_id", msg.TenantID,
			"envelope_tenant_id", msg.Envelope.Tenant.TenantID,
		)
		r.metrics.RecordBus("in", "rejected")
		return
	}
	r.metrics.RecordBus("in", "ok")
	r.metrics.RecordPublish(msg.Envelope.Kind.String(), true)
	r.deliverLocal(msg.TenantID, msg.Envelope, msg.ExcludeSessionID)
}

// TenantChanged reconciles the tenant's bus subscription with its local
// session count.
func (r *Router) TenantChanged(tenantID string) {
	if r.bus == nil {
		return
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	if r.ctx.Err() != nil {
		return
	}

	want := r.registry.TenantCount(tenantID) > 0
	sub, have := r.subs[tenantID]

	switch {
	case want && !have:
		sub, err := r.bus.Subscribe(r.ctx, TenantChannel(tenantID), r.handleRemote)
		if err != nil {
			r.logger.Error("Bus subscribe failed, remote events will not reach this instance",
				"tenant_id", tenantID,
				"error", err,
			)
			return
		}
		r.subs[tenantID] = sub
		r.logger.Debug("Subscribed to tenant channel", "tenant_id", tenantID)

	case !want && have:
		if err := sub.Close(); err != nil {
			r.logger.Warn("Bus unsubscribe failed", "tenant_id", tenantID, "error", err)
		}
		delete(r.subs, tenantID)
		r.logger.Debug("Unsubscribed from tenant channel", "tenant_id", tenantID)
	}
}

// Subscribed reports whether the router holds a bus subscription for
// tenantID.
func (r *Router) Subscribed(tenantID string) bool {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	_, ok := r.subs[tenantID]
	return ok
}

// Close releases every subscription and the bus.
func (r *Router) Close() error {
	r.subMu.Lock()
	r.cancel()
	subs := r.subs
	r.subs = make(map[string]Subscription)
	r.subMu.Unlock()

	for tenantID, sub := range subs {
		if err := sub.Close(); err != nil {
			r.logger.Warn("Bus unsubscribe failed", "tenant_id", tenantID, "error", err)
		}
	}
	if r.bus != nil {
		return r.bus.Close()
	}
	return nil
}
