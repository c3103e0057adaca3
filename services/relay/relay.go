// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the real-time event relay service.
//
// This package owns the Service type that wires every component of the
// relay together: the session registry, the broadcast router and its
// bus, the stream stage, the pattern resonance engine, the durable sink,
// the circuit-breaker router and its health checker, and the HTTP
// surface.
//
// # Event Flow
//
//	producer ──► stage ──┬─► observer ──► engine.IngestEvent
//	                     │             └► sink (durable kinds)
//	                     └─► batch ──► broadcast.Publish ──► sessions + bus
//
//	breaker.Route ──► tool_call_* ──► broadcast.Publish
//	engine ──► pattern_* ──► broadcast.Publish (tenants in the signature)
//
// # Usage
//
//	cfg, err := config.Load(path)
//	svc, err := relay.New(cfg)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/broadcast"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/resonance"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/AleutianAI/AleutianRelay/services/relay/sessions"
	"github.com/AleutianAI/AleutianRelay/services/relay/sink"
	"github.com/AleutianAI/AleutianRelay/services/relay/stream"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

// publishTimeout bounds bus publishes issued from component callbacks,
// which have no request context of their own.
const publishTimeout = 2 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the relay process lifecycle.
//
// # Thread Safety
//
// Run is called at most once. Shutdown may be called from any goroutine
// and is idempotent.
type Service interface {
	// Run starts background workers and the HTTP server, then blocks
	// until ctx is cancelled or the server fails. It always shuts the
	// service down before returning.
	Run(ctx context.Context) error

	// Shutdown stops everything in dependency order.
	Shutdown(ctx context.Context) error

	// Router returns the gin engine, for tests.
	Router() *gin.Engine

	// InstanceID identifies this relay on the bus.
	InstanceID() string
}

// =============================================================================
// Options
// =============================================================================

// Option customizes New.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
	logger   *slog.Logger
	bus      broadcast.Bus
	store    sink.Store
	caller   breaker.Caller
	prober   breaker.Prober
}

// WithPrometheusRegistry registers metrics on reg instead of a fresh
// registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBus replaces the configured bus. Lets several in-process relays
// share one MemoryBus.
func WithBus(b broadcast.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithStore replaces the configured durable store.
func WithStore(s sink.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCaller replaces the downstream HTTP caller.
func WithCaller(c breaker.Caller) Option {
	return func(o *options) { o.caller = c }
}

// WithProber replaces the health prober.
func WithProber(p breaker.Prober) Option {
	return func(o *options) { o.prober = p }
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	cfg    config.Config
	logger *slog.Logger

	promRegistry      *prometheus.Registry
	metrics           *observability.Metrics
	telemetryShutdown func(context.Context) error

	bus       broadcast.Bus
	registry  *sessions.Registry
	broadcast *broadcast.Router
	stage     *stream.Stage
	engine    *resonance.Engine
	sink      *sink.Sink
	tools     *breaker.Router
	health    *breaker.HealthChecker
	router    *gin.Engine
	server    *http.Server

	// baseCtx scopes background workers; cancelled by Shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires a relay from cfg.
//
// # Description
//
// Builds every component and the HTTP router but starts nothing; Run
// starts the background workers and the listener. On error, whatever was
// already opened (store, bus, telemetry) is released.
//
// # Inputs
//
//   - cfg: A configuration that passed Validate.
//   - opts: Optional overrides, mostly for tests.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: A store, bus, telemetry or endpoint could not be set up.
func New(cfg config.Config, opts ...Option) (Service, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &service{
		cfg:          cfg,
		logger:       o.logger,
		promRegistry: o.registry,
		metrics:      observability.NewMetrics(o.registry),
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
	}

	if err := s.init(o); err != nil {
		s.abort()
		return nil, err
	}
	return s, nil
}

func (s *service) init(o options) error {
	var err error

	s.telemetryShutdown, err = telemetry.Init(s.baseCtx, s.cfg.Telemetry, s.promRegistry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	store := o.store
	if store == nil {
		if store, err = s.openStore(); err != nil {
			return err
		}
	}
	s.sink = sink.New(store, s.cfg.Sink.Config,
		sink.WithMetrics(s.metrics),
		sink.WithLogger(s.logger))

	s.bus = o.bus
	if s.bus == nil {
		if s.bus, err = s.openBus(); err != nil {
			return err
		}
	}

	s.registry = sessions.NewRegistry(s.cfg.Sessions.Config,
		sessions.WithMetrics(s.metrics),
		sessions.WithLogger(s.logger))

	bopts := []broadcast.Option{
		broadcast.WithPersister(s.sink),
		broadcast.WithMetrics(s.metrics),
		broadcast.WithLogger(s.logger),
	}
	if s.cfg.Server.InstanceID != "" {
		bopts = append(bopts, broadcast.WithInstanceID(s.cfg.Server.InstanceID))
	}
	s.broadcast = broadcast.NewRouter(s.registry, s.bus, bopts...)

	s.engine = resonance.NewEngine(s.cfg.Resonance.Config,
		resonance.NewEventBuffer(s.cfg.Resonance.BufferCapacity),
		resonance.WithNotifier(resonance.NotifierFunc(s.onNotification)),
		resonance.WithMetrics(s.metrics),
		resonance.WithLogger(s.logger))

	s.stage = stream.NewStage(s.cfg.Stream, stream.EmitterFunc(s.emitBatch),
		stream.WithObserver(stream.ObserverFunc(s.observeEvent)),
		stream.WithMetrics(s.metrics),
		stream.WithLogger(s.logger))

	topts := []breaker.Option{
		breaker.WithObserver(breaker.CallObserverFunc(s.observeToolCall)),
		breaker.WithMetrics(s.metrics),
		breaker.WithLogger(s.logger),
	}
	if o.caller != nil {
		topts = append(topts, breaker.WithCaller(o.caller))
	}
	s.tools, err = breaker.NewRouter(s.cfg.Breaker, s.cfg.Endpoints, topts...)
	if err != nil {
		return fmt.Errorf("init breaker router: %w", err)
	}

	prober := o.prober
	if prober == nil {
		prober = breaker.NewHTTPCaller(nil)
	}
	s.health = breaker.NewHealthChecker(s.tools, prober, s.cfg.Health, s.logger)

	apiCompressor, err := stream.NewCompressor(s.cfg.Stream.Compression)
	if err != nil {
		return fmt.Errorf("init compressor: %w", err)
	}

	operatorNets, err := middleware.ParseNetworks(s.cfg.Server.OperatorNetworks)
	if err != nil {
		return fmt.Errorf("init operator networks: %w", err)
	}

	s.initRouter(operatorNets, handlers.New(handlers.Deps{
		Registry:        s.registry,
		Broadcast:       s.broadcast,
		Stage:           s.stage,
		Tools:           s.tools,
		Engine:          s.engine,
		Replay:          s.sink,
		APICompressor:   apiCompressor,
		Metrics:         s.metrics,
		Logger:          s.logger,
		InboundRate:     s.cfg.Sessions.InboundRate,
		InboundBurst:    s.cfg.Sessions.InboundBurst,
		MaxMessageBytes: s.cfg.Sessions.MaxMessageBytes,
	}))

	s.logger.Info("Relay initialized",
		"instance_id", s.broadcast.InstanceID(),
		"bus", s.cfg.Bus.Driver,
		"sink", s.cfg.Sink.Driver,
		"endpoints", len(s.cfg.Endpoints),
	)
	return nil
}

// openStore opens the durable store named by the sink driver.
func (s *service) openStore() (sink.Store, error) {
	switch s.cfg.Sink.Driver {
	case config.SinkBadger:
		store, err := sink.OpenBadgerStore(s.cfg.Sink.Badger, s.logger)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return store, nil
	case config.SinkSQLite, config.SinkPostgres:
		dialect := sink.DialectSQLite
		if s.cfg.Sink.Driver == config.SinkPostgres {
			dialect = sink.DialectPostgres
		}
		db, err := sink.OpenSQL(dialect, s.cfg.Sink.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", dialect, err)
		}
		ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
		defer cancel()
		store, err := sink.NewSQLStore(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init %s store: %w", dialect, err)
		}
		return store, nil
	default:
		return sink.NewNopStore(), nil
	}
}

// openBus connects the configured cross-instance bus.
func (s *service) openBus() (broadcast.Bus, error) {
	if s.cfg.Bus.Driver == config.BusRedis {
		ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
		defer cancel()
		bus, err := broadcast.NewRedisBus(ctx, s.cfg.Bus.Redis, s.logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis bus: %w", err)
		}
		return bus, nil
	}
	return broadcast.NewMemoryBus(), nil
}

// initRouter builds the gin engine with tracing and every route.
func (s *service) initRouter(operatorNets []netip.Prefix, h *handlers.Handler) {
	gin.SetMode(s.cfg.Server.Mode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.cfg.Telemetry.ServiceName))
	if s.cfg.Server.Mode == gin.DebugMode {
		s.router.Use(gin.Logger())
	}

	routes.SetupRoutes(s.router, h, routes.Options{
		Gatherer:         s.promRegistry,
		OperatorNetworks: operatorNets,
	})
}

// =============================================================================
// Component Callbacks
// =============================================================================

// emitBatch publishes a flushed batch to the source tenant, skipping the
// session that produced it.
func (s *service) emitBatch(src stream.Source, batch datatypes.EventEnvelope) {
	ctx, cancel := context.WithTimeout(s.baseCtx, publishTimeout)
	defer cancel()
	if _, err := s.broadcast.Publish(ctx, src.Tenant.TenantID, batch, src.SessionID); err != nil {
		s.logger.Warn("Batch publish failed",
			"tenant_id", src.Tenant.TenantID,
			"source", src.Key,
			"error", err)
	}
}

// observeEvent sees every normalized inbound event before batching.
// Batches are not durable, so durable events are persisted here rather
// than by the broadcast router.
func (s *service) observeEvent(env datatypes.EventEnvelope) {
	s.engine.IngestEvent(env.Signature())
	if env.Kind.Durable() {
		s.sink.Persist(env.Tenant.TenantID, env)
	}
}

// observeToolCall publishes router tool call events individually; the
// broadcast router persists them.
func (s *service) observeToolCall(env datatypes.EventEnvelope) {
	s.engine.IngestEvent(env.Signature())
	s.publish(env.Tenant.TenantID, env)
}

// onNotification turns engine notifications into tenant events.
//
// Pattern payloads never carry the signature, which may name other
// tenants. Matched patterns go to the triggering tenant; discovered
// patterns go to every tenant whose events formed the window. Evolution
// summaries are process-wide and only logged.
func (s *service) onNotification(n resonance.Notification) {
	switch n.Kind {
	case datatypes.KindPatternMatched:
		if n.Pattern == nil || n.Trigger == nil {
			return
		}
		s.publishPattern(n.Kind, n.Trigger.TenantID, *n.Pattern)
	case datatypes.KindPatternDiscovered:
		if n.Pattern == nil {
			return
		}
		for _, tenantID := range n.Pattern.Tenants() {
			s.publishPattern(n.Kind, tenantID, *n.Pattern)
		}
	case datatypes.KindEngineEvolved:
		if n.Summary != nil {
			s.logger.Info("Resonance engine evolved",
				"tracked_patterns", n.Summary.TrackedPatterns,
				"active_patterns", n.Summary.ActivePatterns,
				"threshold", n.Summary.Threshold,
				"buffer_utilization", n.Summary.BufferUtilization)
		}
	}
}

func (s *service) publishPattern(kind datatypes.EventKind, tenantID string, p datatypes.ResonancePattern) {
	if tenantID == "" {
		return
	}
	env := datatypes.NewEnvelope(kind, datatypes.TenantContext{TenantID: tenantID}, map[string]any{
		"pattern_id": p.ID,
		"confidence": p.Confidence,
		"frequency":  p.FrequencyCount,
	})
	env.SourceTag = "resonance"
	s.publish(tenantID, env)
}

func (s *service) publish(tenantID string, env datatypes.EventEnvelope) {
	ctx, cancel := context.WithTimeout(s.baseCtx, publishTimeout)
	defer cancel()
	if _, err := s.broadcast.Publish(ctx, tenantID, env, ""); err != nil {
		s.logger.Warn("Publish failed",
			"tenant_id", tenantID,
			"type", env.Kind,
			"error", err)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	if err := s.start(); err != nil {
		_ = s.Shutdown(context.Background())
		return err
	}

	listener, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		_ = s.Shutdown(context.Background())
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("Relay listening", "addr", listener.Addr().String())
		serveErr <- s.server.Serve(listener)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Relay shutting down", "reason", context.Cause(ctx))
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, s.Shutdown(shutdownCtx))
}

// start launches the background workers.
func (s *service) start() error {
	if err := s.engine.Start(s.baseCtx); err != nil {
		return fmt.Errorf("start resonance engine: %w", err)
	}
	if err := s.registry.StartHeartbeats(s.baseCtx); err != nil {
		return fmt.Errorf("start heartbeats: %w", err)
	}
	if len(s.cfg.Endpoints) > 0 {
		if err := s.health.Start(s.baseCtx); err != nil {
			return fmt.Errorf("start health checker: %w", err)
		}
	}
	return nil
}

// Shutdown implements Service.
//
// # Description
//
// Order: close every session (so streaming handlers return and new
// sessions are refused), stop the HTTP server, flush the stage, stop the
// engine and health checker, release the bus, drain the sink, and shut
// telemetry down. Sink drain is bounded by the sink shutdown timeout and
// ctx, whichever ends first.
func (s *service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *service) shutdown(ctx context.Context) error {
	var errs []error

	s.registry.Shutdown()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.stage.Flush()
	s.engine.Stop()
	s.health.Stop()

	if err := s.broadcast.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}

	s.baseCancel()
	s.cleanup(ctx)

	if len(errs) == 0 {
		s.logger.Info("Relay stopped")
	}
	return errors.Join(errs...)
}

// abort releases what a failed New opened.
func (s *service) abort() {
	switch {
	case s.broadcast != nil:
		_ = s.broadcast.Close()
	case s.bus != nil:
		_ = s.bus.Close()
	}
	s.cleanup(context.Background())
}

// cleanup releases the sink and telemetry. Safe on a partially built
// service.
func (s *service) cleanup(ctx context.Context) {
	if s.sink != nil {
		drainCtx, cancel := context.WithTimeout(ctx, s.cfg.Sink.ShutdownTimeout)
		if err := s.sink.Close(drainCtx); err != nil {
			s.logger.Warn("Durable store close error", "error", err)
		}
		cancel()
	}
	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(ctx); err != nil {
			s.logger.Warn("Telemetry shutdown error", "error", err)
		}
		s.telemetryShutdown = nil
	}
	s.baseCancel()
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// InstanceID implements Service.
func (s *service) InstanceID() string {
	return s.broadcast.InstanceID()
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
