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
	"fmt"
	"net/http"
	"strconv"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/sessions"
	"github.com/AleutianAI/AleutianRelay/services/relay/stream"
	"github.com/gin-gonic/gin"
)

const (
	defaultReplayLimit = 100
	maxReplayLimit     = 1000
)

// PublishRequest is the body of POST /v1/events.
type PublishRequest struct {
	Events []datatypes.RawEvent `json:"events" binding:"required,min=1,max=500"`
}

// PublishResponse reports the ids assigned to accepted events.
type PublishResponse struct {
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids"`
}

// HandlePublish serves POST /v1/events.
//
// # Description
//
// Validates every event first, so a bad request queues nothing. Accepted
// events go through the stream stage under the tenant's shared API source
// and reach every session of the tenant as batches.
func (h *Handler) HandlePublish(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}

	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	for i, raw := range req.Events {
		if err := raw.Validate(); err != nil {
			errorJSON(c, http.StatusBadRequest, fmt.Sprintf("events[%d]: %v", i, err))
			return
		}
		kind, err := datatypes.ParseEventKind(raw.Type)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, fmt.Sprintf("events[%d]: %v", i, err))
			return
		}
		if !kind.ClientSendable() {
			errorJSON(c, http.StatusBadRequest, fmt.Sprintf("events[%d]: type %s is reserved", i, raw.Type))
			return
		}
	}

	src := stream.APISource(tenant, h.deps.APICompressor)
	resp := PublishResponse{IDs: make([]string, 0, len(req.Events))}
	for _, raw := range req.Events {
		env, err := h.deps.Stage.Ingest(src, raw)
		if err != nil {
			h.logger.Warn("Event rejected after validation",
				"tenant_id", tenant.TenantID, "type", raw.Type, "error", err)
			continue
		}
		resp.IDs = append(resp.IDs, env.ID)
	}
	resp.Accepted = len(resp.IDs)
	c.JSON(http.StatusAccepted, resp)
}

// HandleCloseSession serves DELETE /v1/sessions/:id. A session of another
// tenant is reported as not found.
func (h *Handler) HandleCloseSession(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}

	sess, found := h.deps.Registry.Get(c.Param("id"))
	if !found || sess.Tenant.TenantID != tenant.TenantID {
		errorJSON(c, http.StatusNotFound, "session not found")
		return
	}
	sess.Close(sessions.ReasonExplicit)
	c.Status(http.StatusNoContent)
}

// ReplayResponse is the body of GET /v1/events/replay.
type ReplayResponse struct {
	Events []datatypes.EventEnvelope `json:"events"`
	Count  int                       `json:"count"`
}

// HandleReplay serves GET /v1/events/replay?limit=N, returning the tenant's
// most recent durable events oldest first.
func (h *Handler) HandleReplay(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}

	limit := defaultReplayLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxReplayLimit)
	}

	if h.deps.Replay == nil {
		c.JSON(http.StatusOK, ReplayResponse{Events: []datatypes.EventEnvelope{}})
		return
	}

	records, err := h.deps.Replay.Recent(c.Request.Context(), tenant.TenantID, limit)
	if err != nil {
		h.logger.Error("Replay read failed", "tenant_id", tenant.TenantID, "error", err)
		errorJSON(c, http.StatusInternalServerError, "replay unavailable")
		return
	}

	resp := ReplayResponse{Events: make([]datatypes.EventEnvelope, 0, len(records))}
	for _, rec := range records {
		env, err := rec.Envelope()
		if err != nil {
			h.logger.Warn("Skipping unreadable record", "event_id", rec.EventID, "error", err)
			continue
		}
		resp.Events = append(resp.Events, env)
	}
	resp.Count = len(resp.Events)
	c.JSON(http.StatusOK, resp)
}
