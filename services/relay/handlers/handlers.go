// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the relay's HTTP surface.
//
// Every /v1 route except health runs behind the tenant middleware, so
// handlers always have a resolved TenantContext and only ever touch that
// tenant's sessions, patterns and records.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/broadcast"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/resonance"
	"github.com/AleutianAI/AleutianRelay/services/relay/sessions"
	"github.com/AleutianAI/AleutianRelay/services/relay/sink"
	"github.com/AleutianAI/AleutianRelay/services/relay/stream"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// DefaultInboundRate is the per-session inbound message rate.
	DefaultInboundRate = 50

	// DefaultInboundBurst is the per-session inbound burst.
	DefaultInboundBurst = 100

	// DefaultMaxMessageBytes caps one inbound websocket message.
	DefaultMaxMessageBytes = 1 << 20
)

// Replayer reads a tenant's recent durable records.
type Replayer interface {
	Recent(ctx context.Context, tenantID string, limit int) ([]sink.Record, error)
}

// Deps are the components the handlers serve.
type Deps struct {
	Registry  *sessions.Registry
	Broadcast *broadcast.Router
	Stage     *stream.Stage
	Tools     *breaker.Router
	Engine    *resonance.Engine
	Replay    Replayer

	// APICompressor encodes batches from HTTP producers. May be nil.
	APICompressor *stream.Compressor

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// InboundRate and InboundBurst limit each bidirectional session.
	InboundRate  float64
	InboundBurst int

	MaxMessageBytes int64
}

// Handler holds the relay's HTTP handlers.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the injected components.
type Handler struct {
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
	inbound  map[datatypes.EventKind]inboundFunc
}

// New builds the handlers.
func New(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.InboundRate <= 0 {
		deps.InboundRate = DefaultInboundRate
	}
	if deps.InboundBurst <= 0 {
		deps.InboundBurst = DefaultInboundBurst
	}
	if deps.MaxMessageBytes <= 0 {
		deps.MaxMessageBytes = DefaultMaxMessageBytes
	}

	h := &Handler{
		deps:   deps,
		logger: deps.Logger,
		upgrader: websocket.Upgrader{
			// Origin checks belong to the upstream auth layer.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}
	h.inbound = h.inboundTable()
	return h
}

func (h *Handler) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.deps.InboundRate), h.deps.InboundBurst)
}

// tenantOrAbort returns the request tenant. The middleware guarantees one;
// a missing tenant means the route was mounted without it.
func tenantOrAbort(c *gin.Context) (datatypes.TenantContext, bool) {
	tenant, ok := middleware.GetTenant(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing tenant"})
	}
	return tenant, ok
}

func errorJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
