// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/resonance"
	"github.com/AleutianAI/AleutianRelay/services/relay/sessions"
	"github.com/gin-gonic/gin"
)

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status     string                   `json:"status"`
	InstanceID string                   `json:"instance_id,omitempty"`
	Sessions   sessions.Snapshot        `json:"sessions"`
	Endpoints  []breaker.EndpointStatus `json:"endpoints"`
	Engine     resonance.Summary        `json:"engine"`
}

// HandleHealth serves GET /v1/health. Status is "degraded" while any
// breaker is not closed or any endpoint failed its last probe.
//
// The route is not tenant scoped and the session snapshot lists tenant ids.
// It is meant for operators: mount it behind middleware.AllowNetworks or
// restrict it at the network edge.
func (h *Handler) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:    "ok",
		Sessions:  h.deps.Registry.Snapshot(),
		Endpoints: []breaker.EndpointStatus{},
	}
	if h.deps.Broadcast != nil {
		resp.InstanceID = h.deps.Broadcast.InstanceID()
	}
	if h.deps.Tools != nil {
		resp.Endpoints = h.deps.Tools.Snapshot()
	}
	if h.deps.Engine != nil {
		resp.Engine = h.deps.Engine.Summary()
	}
	for _, ep := range resp.Endpoints {
		if ep.State != breaker.StateClosed || !ep.Healthy {
			resp.Status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, resp)
}

// PatternView is a pattern as shown to one tenant. The window signature
// is omitted: it names event types of every tenant in the window.
type PatternView struct {
	ID             string   `json:"id"`
	Confidence     float64  `json:"confidence"`
	FrequencyCount int      `json:"frequency_count"`
	DiscoveredAtMs int64    `json:"discovered_at"`
	Optimizations  []string `json:"optimizations,omitempty"`
}

// PatternsResponse is the body of GET /v1/patterns.
type PatternsResponse struct {
	Patterns []PatternView     `json:"patterns"`
	Engine   resonance.Summary `json:"engine"`
}

// HandlePatterns serves GET /v1/patterns: the active patterns whose
// windows include the caller's tenant.
func (h *Handler) HandlePatterns(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}

	resp := PatternsResponse{Patterns: []PatternView{}, Engine: h.deps.Engine.Summary()}
	for _, p := range h.deps.Engine.Patterns() {
		if !p.InvolvesTenant(tenant.TenantID) {
			continue
		}
		resp.Patterns = append(resp.Patterns, PatternView{
			ID:             p.ID,
			Confidence:     p.Confidence,
			FrequencyCount: p.FrequencyCount,
			DiscoveredAtMs: p.DiscoveredAtMs,
			Optimizations:  p.Optimizations,
		})
	}
	c.JSON(http.StatusOK, resp)
}
