// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions tracks live client connections per tenant.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/google/uuid"
)

// Config tunes the registry.
type Config struct {
	// QueueDepth is each session's outbound queue capacity. Default: 256
	QueueDepth int `json:"queue_depth" yaml:"queue_depth" validate:"gte=0"`

	// HeartbeatInterval is how often heartbeats are sent. Sessions silent
	// for twice this long are force-closed. Default: 30s
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gte=0"`

	// WriteTimeout bounds each push-stream and websocket write. Default: 10s
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
}

const (
	DefaultQueueDepth        = 256
	DefaultHeartbeatInterval = 30 * time.Second
)

// TenantListener is told whenever a tenant's local session count may have
// changed. It is called outside the registry lock and must re-read the
// count rather than trust call order.
type TenantListener interface {
	TenantChanged(tenantID string)
}

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	Total       int            `json:"total"`
	ByTenant    map[string]int `json:"by_tenant"`
	ByTransport map[string]int `json:"by_transport"`
}

// Registry maps tenantID to its sessions and sessionID to Session.
//
// # Thread Safety
//
// Safe for concurrent use. Both indexes change together under one lock.
type Registry struct {
	cfg      Config
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
	listener TenantListener

	mu       sync.RWMutex
	sessions map[string]*Session
	byTenant map[string]map[string]*Session
	shutdown bool

	hbMu      sync.Mutex
	hbRunning bool
	hbDone    chan struct{}
	hbWG      sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records session gauges, deliveries and forced closes.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides time.Now, for liveness tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTenantListener subscribes to tenant session-count changes.
func WithTenantListener(l TenantListener) Option {
	return func(r *Registry) { r.listener = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	r := &Registry{
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
		byTenant: make(map[string]map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTenantListener sets the listener after construction, for wiring
// cycles with the broadcast router. Call before the first Open.
func (r *Registry) SetTenantListener(l TenantListener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Open registers a new session on transport and starts its writer.
//
// # Description
//
// The session is indexed under its tenant before Open returns. It stays
// established until the caller's first write (normally the connected
// acknowledgement) succeeds.
//
// # Outputs
//
//   - *Session: The registered session.
//   - error: Invalid tenant, or the registry is shut down.
func (r *Registry) Open(tenant datatypes.TenantContext, transport Transport) (*Session, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}

	s := newSession(uuid.NewString(), tenant, transport, r.cfg.QueueDepth, r.metrics, r.logger, r.now)
	s.onClose = r.remove

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, fmt.Errorf("session registry is shut down")
	}
	r.sessions[s.ID] = s
	set, ok := r.byTenant[tenant.TenantID]
	if !ok {
		set = make(map[string]*Session)
		r.byTenant[tenant.TenantID] = set
	}
	set[s.ID] = s
	listener := r.listener
	r.mu.Unlock()

	r.metrics.SessionOpened(string(transport.Kind()))
	go s.runWriter()

	r.logger.Info("Session registered",
		"session_id", s.ID,
		"tenant_id", tenant.TenantID,
		"transport", transport.Kind(),
	)
	if listener != nil {
		listener.TenantChanged(tenant.TenantID)
	}
	return s, nil
}

// Unregister closes the session with id. Returns false if unknown.
func (r *Registry) Unregister(id string) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.Close(ReasonExplicit)
	return true
}

// remove drops s from both indexes. Called once, from Session.Close.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID)
	if set, ok := r.byTenant[s.Tenant.TenantID]; ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(r.byTenant, s.Tenant.TenantID)
		}
	}
	listener := r.listener
	r.mu.Unlock()

	r.metrics.SessionClosed(string(s.transport.Kind()))
	if listener != nil {
		listener.TenantChanged(s.Tenant.TenantID)
	}
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ForTenant returns the tenant's sessions. The slice is a copy.
func (r *Registry) ForTenant(tenantID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byTenant[tenantID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// TenantCount returns the number of local sessions for tenantID.
func (r *Registry) TenantCount(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTenant[tenantID])
}

// HasTenant reports whether the tenant key exists.
func (r *Registry) HasTenant(tenantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byTenant[tenantID]
	return ok
}

// Len returns the total session count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns session counts in total, per tenant, and per transport.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Total:       len(r.sessions),
		ByTenant:    make(map[string]int, len(r.byTenant)),
		ByTransport: make(map[string]int, 2),
	}
	for tenantID, set := range r.byTenant {
		snap.ByTenant[tenantID] = len(set)
	}
	for _, s := range r.sessions {
		snap.ByTransport[string(s.transport.Kind())]++
	}
	return snap
}

// Shutdown closes every session and rejects new ones.
func (r *Registry) Shutdown() {
	r.StopHeartbeats()

	r.mu.Lock()
	r.shutdown = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close(ReasonShutdown)
	}
	r.logger.Info("Session registry shut down", "closed", len(all))
}

// =============================================================================
// Heartbeats
// =============================================================================

// StartHeartbeats sends a heartbeat to every session each interval and
// force-closes sessions idle for longer than twice the interval.
func (r *Registry) StartHeartbeats(ctx context.Context) error {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	if r.hbRunning {
		return fmt.Errorf("heartbeats are already running")
	}
	r.hbRunning = true
	r.hbDone = make(chan struct{})

	r.hbWG.Add(1)
	go r.heartbeatLoop(ctx, r.hbDone)
	return nil
}

// StopHeartbeats halts the heartbeat loop. Safe to call when not running.
func (r *Registry) StopHeartbeats() {
	r.hbMu.Lock()
	if !r.hbRunning {
		r.hbMu.Unlock()
		return
	}
	close(r.hbDone)
	r.hbRunning = false
	r.hbMu.Unlock()
	r.hbWG.Wait()
}

func (r *Registry) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	defer r.hbWG.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			r.Beat()
		}
	}
}

// Beat runs one heartbeat round.
func (r *Registry) Beat() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	deadline := r.now().Add(-2 * r.cfg.HeartbeatInterval)
	for _, s := range all {
		if s.LastSeen().Before(deadline) {
			r.logger.Warn("Session missed heartbeats, closing",
				"session_id", s.ID,
				"tenant_id", s.Tenant.TenantID,
				"last_seen", s.LastSeen(),
			)
			r.metrics.RecordForcedClose(ReasonIdle)
			s.Close(ReasonIdle)
			continue
		}
		s.heartbeat()
	}
}
