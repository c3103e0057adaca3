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
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/sessions"
	"github.com/AleutianAI/AleutianRelay/services/relay/stream"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Error codes carried in ERROR_RECOVERABLE replies.
const (
	ErrorRecoverable = "ERROR_RECOVERABLE"

	CodeMalformed    = "MALFORMED_MESSAGE"
	CodeUnknownType  = "UNKNOWN_TYPE"
	CodeNotAllowed   = "TYPE_NOT_ALLOWED"
	CodeInvalidEvent = "INVALID_EVENT"
	CodeRateLimited  = "RATE_LIMITED"
)

// InboundMessage is one client message on a bidirectional session.
type InboundMessage struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	ID            string          `json:"id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// wsConn is the per-connection state the inbound handlers need.
type wsConn struct {
	sess   *sessions.Session
	source stream.Source
	logger *slog.Logger
}

// inboundFunc handles one decoded inbound message. A returned error is
// reported to the client as ERROR_RECOVERABLE; the session stays open.
type inboundFunc func(conn *wsConn, kind datatypes.EventKind, msg InboundMessage, data map[string]any) *recoverableError

type recoverableError struct {
	code    string
	message string
}

// inboundTable maps every kind a client may send to its handler.
func (h *Handler) inboundTable() map[datatypes.EventKind]inboundFunc {
	table := make(map[datatypes.EventKind]inboundFunc)
	for _, kind := range datatypes.AllKinds() {
		if kind.ClientSendable() {
			table[kind] = h.handleProducerEvent
		}
	}
	table[datatypes.KindPing] = h.handlePing
	return table
}

// HandleWebSocket serves GET /v1/ws.
//
// # Description
//
// Upgrades to a websocket and registers a bidirectional session. The
// optional compression query parameter (none, zstd, lz4, s2) selects how
// batches produced on this connection are encoded. Inbound messages are
// {type, data} objects dispatched by EventKind. Malformed, unknown or
// disallowed messages and rate-limit rejections are answered with an
// ERROR_RECOVERABLE error event; only a transport failure ends the session.
//
// # Thread Safety
//
// One goroutine reads; the session's writer goroutine is the only writer.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	tenant, ok := tenantOrAbort(c)
	if !ok {
		return
	}

	compressor, err := stream.NewCompressor(stream.CompressionConfig{
		Algorithm: stream.Algorithm(c.Query("compression")),
	})
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	transport := sessions.NewWebSocketTransport(ws, h.deps.Registry.Config().WriteTimeout)
	sess, err := h.deps.Registry.Open(tenant, transport)
	if err != nil {
		h.logger.Warn("Websocket session rejected", "tenant_id", tenant.TenantID, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	conn := &wsConn{
		sess:   sess,
		source: stream.Source{Key: sess.ID, SessionID: sess.ID, Tenant: sess.Tenant, Compressor: compressor},
		logger: h.logger.With("session_id", sess.ID, "tenant_id", tenant.TenantID),
	}
	defer func() {
		h.deps.Stage.Close(conn.source.Key)
		sess.Close(sessions.ReasonClient)
		sess.Wait()
	}()

	_ = sess.Send(connectedEvent(tenant, sess, h.deps.Registry.Config().HeartbeatInterval, map[string]any{
		"compression": string(compressor.Algorithm()),
	}))

	ws.SetReadLimit(h.deps.MaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		sess.Touch()
		return nil
	})

	limiter := h.newLimiter()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Info("Websocket closed unexpectedly", "error", err)
			}
			return
		}
		sess.Touch()

		if !limiter.Allow() {
			h.replyError(conn, "", &recoverableError{code: CodeRateLimited, message: "inbound message rate exceeded"})
			continue
		}
		h.dispatch(conn, data)
	}
}

// dispatch decodes one inbound frame and runs its handler.
func (h *Handler) dispatch(conn *wsConn, data []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.replyError(conn, "", &recoverableError{code: CodeMalformed, message: "message is not a JSON object"})
		return
	}
	if msg.Type == "" || len(bytes.TrimSpace(msg.Data)) == 0 {
		h.replyError(conn, msg.CorrelationID, &recoverableError{code: CodeMalformed, message: "message requires type and data"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload == nil {
		h.replyError(conn, msg.CorrelationID, &recoverableError{code: CodeMalformed, message: "data must be a JSON object"})
		return
	}

	kind, err := datatypes.ParseEventKind(msg.Type)
	if err != nil {
		h.replyError(conn, msg.CorrelationID, &recoverableError{code: CodeUnknownType, message: "unknown message type " + msg.Type})
		return
	}
	handle, ok := h.inbound[kind]
	if !ok {
		h.replyError(conn, msg.CorrelationID, &recoverableError{code: CodeNotAllowed, message: "clients may not send " + msg.Type})
		return
	}
	if rerr := handle(conn, kind, msg, payload); rerr != nil {
		h.replyError(conn, msg.CorrelationID, rerr)
	}
}

// handleProducerEvent feeds a client event into the stream stage.
func (h *Handler) handleProducerEvent(conn *wsConn, kind datatypes.EventKind, msg InboundMessage, data map[string]any) *recoverableError {
	_, err := h.deps.Stage.Ingest(conn.source, datatypes.RawEvent{
		ID:            msg.ID,
		Type:          kind.String(),
		Payload:       data,
		CorrelationID: msg.CorrelationID,
	})
	if err != nil {
		return &recoverableError{code: CodeInvalidEvent, message: err.Error()}
	}
	return nil
}

// handlePing answers with a pong to this session only.
func (h *Handler) handlePing(conn *wsConn, _ datatypes.EventKind, msg InboundMessage, data map[string]any) *recoverableError {
	pong := datatypes.NewEnvelope(datatypes.KindPong, conn.sess.Tenant, data)
	pong.CorrelationID = msg.CorrelationID
	if err := conn.sess.Send(pong); err != nil && !errors.Is(err, sessions.ErrSessionClosed) {
		conn.logger.Debug("Pong not queued", "error", err)
	}
	return nil
}

func (h *Handler) replyError(conn *wsConn, correlationID string, rerr *recoverableError) {
	env := datatypes.NewEnvelope(datatypes.KindError, conn.sess.Tenant, map[string]any{
		"kind":    ErrorRecoverable,
		"code":    rerr.code,
		"message": rerr.message,
	})
	env.CorrelationID = correlationID
	if err := conn.sess.Send(env); err != nil {
		conn.logger.Debug("Error reply not queued", "error", err)
	}
}
