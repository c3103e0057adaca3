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
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/gin-gonic/gin"
)

// ToolRequest is the body of POST /v1/tools/:endpoint.
type ToolRequest struct {
	Path      string         `json:"path" binding:"max=512"`
	Body      map[string]any `json:"body"`
	TimeoutMs int64          `json:"timeout_ms" binding:"gte=0,lte=300000"`
}

// ToolResponse wraps a successful downstream reply.
type ToolResponse struct {
	RequestID  string          `json:"request_id"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// HandleRouteTool serves POST /v1/tools/:endpoint.
//
// # Description
//
// Routes the call through the endpoint's circuit breaker. Error mapping:
//
//   - unknown endpoint: 404
//   - breaker open: 503 with Retry-After
//   - downstream timeout: 504
//   - downstream failure: 502 with the upstream status
func (h *Handler) HandleRouteTool(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}

	var req ToolRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	name := c.Param("endpoint")
	resp, err := h.deps.Tools.Route(c.Request.Context(), name, breaker.Request{
		Path:    req.Path,
		Body:    req.Body,
		Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
	}, tenant)
	if err != nil {
		h.writeRouteError(c, err)
		return
	}

	c.JSON(http.StatusOK, ToolResponse{
		RequestID:  resp.RequestID,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	})
}

func (h *Handler) writeRouteError(c *gin.Context, err error) {
	var (
		open     *breaker.BreakerOpenError
		upstream *breaker.UpstreamError
	)
	switch {
	case errors.Is(err, breaker.ErrUnknownEndpoint):
		errorJSON(c, http.StatusNotFound, err.Error())

	case errors.As(err, &open):
		if !open.RetryAt.IsZero() {
			secs := math.Ceil(time.Until(open.RetryAt).Seconds())
			c.Header("Retry-After", strconv.Itoa(max(int(secs), 1)))
		}
		errorJSON(c, http.StatusServiceUnavailable, err.Error())

	case errors.As(err, &upstream):
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		c.AbortWithStatusJSON(status, gin.H{
			"error":           err.Error(),
			"upstream_status": upstream.StatusCode,
		})

	case errors.Is(err, context.Canceled):
		c.Abort()

	default:
		errorJSON(c, http.StatusBadRequest, err.Error())
	}
}
