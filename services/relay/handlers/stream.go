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
	"maps"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/sessions"
	"github.com/gin-gonic/gin"
)

// HeaderSessionID carries the new session's id on stream responses.
const HeaderSessionID = "X-Session-ID"

// HandlePushStream serves GET /v1/stream.
//
// # Description
//
// Registers a push-stream session for the tenant and holds the request
// open until the client disconnects or the relay closes the session. The
// first frame is a connected event carrying the session id, which is also
// returned in the X-Session-ID header.
//
// # Thread Safety
//
// The session's writer goroutine is the only writer to the response. The
// handler waits for it to exit before returning, so gin never reuses the
// ResponseWriter under a live writer.
func (h *Handler) HandlePushStream(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}

	sessions.SetPushStreamHeaders(c.Writer)
	transport, err := sessions.NewPushStreamTransport(c.Writer, h.deps.Registry.Config().WriteTimeout)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sess, err := h.deps.Registry.Open(tenant, transport)
	if err != nil {
		errorJSON(c, http.StatusServiceUnavailable, "session registry unavailable")
		return
	}
	transport.SetHeader(HeaderSessionID, sess.ID)

	_ = sess.Send(connectedEvent(tenant, sess, h.deps.Registry.Config().HeartbeatInterval, nil))

	select {
	case <-sess.Done():
	case <-c.Request.Context().Done():
		sess.Close(sessions.ReasonClient)
	}
	sess.Wait()
	transport.Finish()
}

// connectedEvent is the acknowledgement sent first on every session.
func connectedEvent(tenant datatypes.TenantContext, sess *sessions.Session, heartbeat time.Duration, extra map[string]any) datatypes.EventEnvelope {
	payload := map[string]any{
		"session_id":            sess.ID,
		"transport":             string(sess.TransportKind()),
		"heartbeat_interval_ms": heartbeat.Milliseconds(),
	}
	maps.Copy(payload, extra)
	return datatypes.NewEnvelope(datatypes.KindConnected, tenant, payload)
}
