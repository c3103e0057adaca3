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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrCheckInProgress is returned by CheckNow while a round is running.
var ErrCheckInProgress = errors.New("health check already in progress")

const (
	// DefaultHealthInterval is the probe period.
	DefaultHealthInterval = 30 * time.Second

	// DefaultHealthTimeout bounds one probe.
	DefaultHealthTimeout = 5 * time.Second

	// maxConcurrentProbes limits one round's fan-out.
	maxConcurrentProbes = 8
)

// HealthConfig tunes the health checker.
type HealthConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval" validate:"gte=0"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
}

// DefaultHealthConfig returns the checker defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{Interval: DefaultHealthInterval, Timeout: DefaultHealthTimeout}
}

// Prober checks one health URL. HTTPCaller implements it.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HealthChecker probes every endpoint of a Router on a timer.
//
// # Description
//
// Runs independently of routed traffic, so an endpoint whose breaker
// opened can recover with no live calls. Rounds never overlap: a tick that
// finds the previous round still running is skipped.
//
// # Thread Safety
//
// Start and Stop may be called from any goroutine.
type HealthChecker struct {
	router *Router
	prober Prober
	cfg    HealthConfig
	logger *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthChecker creates a checker. A nil prober uses an HTTPCaller.
func NewHealthChecker(router *Router, prober Prober, cfg HealthConfig, logger *slog.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHealthTimeout
	}
	if prober == nil {
		prober = NewHTTPCaller(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{router: router, prober: prober, cfg: cfg, logger: logger}
}

// Start launches the probe loop. Calling Start twice is an error.
func (h *HealthChecker) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return errors.New("health checker already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go h.loop(loopCtx)

	h.logger.Info("Health checker started",
		slog.Duration("interval", h.cfg.Interval),
		slog.Int("endpoints", len(h.router.order)))
	return nil
}

// Stop cancels the loop and waits for the current round to finish.
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	h.wg.Wait()
}

func (h *HealthChecker) loop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.CheckNow(ctx); errors.Is(err, ErrCheckInProgress) {
				h.logger.Warn("Health check skipped, previous round still running")
			}
		}
	}
}

// CheckNow runs one probe round over every endpoint and waits for it.
func (h *HealthChecker) CheckNow(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrCheckInProgress
	}
	defer h.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for _, ep := range h.router.Endpoints() {
		g.Go(func() error {
			h.probe(gctx, ep.Name, joinURL(ep.BaseAddress, ep.HealthPath))
			return nil
		})
	}
	return g.Wait()
}

func (h *HealthChecker) probe(ctx context.Context, name, url string) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
			h.logger.Error("Health probe panicked",
				slog.String("endpoint", name),
				slog.Any("panic", r))
		}
		if ctx.Err() != nil {
			return
		}
		recordProbeMetric(ctx, name, err == nil)
		h.router.reportProbe(name, err)
	}()

	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()
	err = h.prober.Probe(probeCtx, url)
}
