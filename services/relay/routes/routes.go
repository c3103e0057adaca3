// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"
	"net/netip"

	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options control route registration.
type Options struct {
	// Resolver resolves the request tenant. Nil uses the header resolver.
	Resolver middleware.TenantResolver

	// Gatherer backs GET /metrics. Nil skips the route.
	Gatherer prometheus.Gatherer

	// OperatorNetworks limits the health and metrics routes to these peer
	// networks. Empty leaves them open.
	OperatorNetworks []netip.Prefix
}

// SetupRoutes registers the relay's HTTP surface on router.
func SetupRoutes(router *gin.Engine, h *handlers.Handler, opts Options) {
	operator := middleware.AllowNetworks(opts.OperatorNetworks)

	router.GET("/health", operator, h.HandleHealth)
	if opts.Gatherer != nil {
		router.GET("/metrics", operator, gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	v1.GET("/health", operator, h.HandleHealth)

	// Everything below is tenant scoped.
	tenant := v1.Group("", middleware.TenantMiddleware(opts.Resolver))
	{
		tenant.GET("/stream", h.HandlePushStream)
		tenant.GET("/ws", h.HandleWebSocket)
		tenant.POST("/events", h.HandlePublish)
		tenant.GET("/events/replay", h.HandleReplay)
		tenant.DELETE("/sessions/:id", h.HandleCloseSession)
		tenant.POST("/tools/:endpoint", h.HandleRouteTool)
		tenant.GET("/patterns", h.HandlePatterns)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}
