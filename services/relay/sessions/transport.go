// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/gorilla/websocket"
)

// errTransportClosed is returned by writes after Close.
var errTransportClosed = errors.New("transport closed")

// Transport is the transport-specific write primitive of a session.
//
// # Thread Safety
//
// WriteEvent and WriteHeartbeat are only called from the session's writer
// goroutine. Close may be called concurrently with either.
type Transport interface {
	Kind() datatypes.TransportKind
	WriteEvent(env datatypes.EventEnvelope) error
	WriteHeartbeat() error
	Close() error
}

// =============================================================================
// Push stream (text/event-stream)
// =============================================================================

// PushStreamTransport writes events as server-sent event frames.
//
// Each write is bounded by a write deadline on the underlying connection.
// Close never waits for an in-flight write: it marks the transport closed
// and pulls the deadline in so a write stuck on a stalled client fails.
type PushStreamTransport struct {
	mu           sync.Mutex
	writer       http.ResponseWriter
	flusher      http.Flusher
	rc           *http.ResponseController
	writeTimeout time.Duration
	started      bool

	closed atomic.Bool
}

// NewPushStreamTransport wraps w. It fails if w cannot flush. A
// writeTimeout of zero uses DefaultWriteTimeout.
func NewPushStreamTransport(w http.ResponseWriter, writeTimeout time.Duration) (*PushStreamTransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &PushStreamTransport{
		writer:       w,
		flusher:      flusher,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
	}, nil
}

// SetPushStreamHeaders sets the event-stream response headers.
func SetPushStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SetHeader sets a response header unless the stream has started. It
// reports whether the header was set.
func (t *PushStreamTransport) SetHeader(key, value string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return false
	}
	t.writer.Header().Set(key, value)
	return true
}

// Kind returns TransportPushStream.
func (t *PushStreamTransport) Kind() datatypes.TransportKind {
	return datatypes.TransportPushStream
}

// WriteEvent writes one `id/event/data` frame and flushes.
func (t *PushStreamTransport) WriteEvent(env datatypes.EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return t.write(func() error {
		_, err := fmt.Fprintf(t.writer, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Kind, data)
		return err
	})
}

// WriteHeartbeat writes a comment line. Clients ignore it.
func (t *PushStreamTransport) WriteHeartbeat() error {
	return t.write(func() error {
		_, err := fmt.Fprint(t.writer, ":heartbeat\n\n")
		return err
	})
}

// write runs one deadline-bounded frame write and flush.
func (t *PushStreamTransport) write(frame func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return errTransportClosed
	}
	t.started = true

	// Writers without deadline support (recorders, wrappers) write unbounded.
	if err := t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := frame(); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if t.closed.Load() {
		return errTransportClosed
	}
	t.flusher.Flush()
	return nil
}

// Close stops further writes and expires the write deadline so a blocked
// write returns. The HTTP handler owns the connection itself.
func (t *PushStreamTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if err := t.rc.SetWriteDeadline(time.Now()); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("expire write deadline: %w", err)
	}
	return nil
}

// Finish re-arms the write deadline for the response epilogue the HTTP
// server writes after the handler returns. Call it only after the
// session's writer has exited.
func (t *PushStreamTransport) Finish() {
	_ = t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout))
}

// =============================================================================
// Bidirectional (websocket)
// =============================================================================

// DefaultWriteTimeout bounds each transport write.
const DefaultWriteTimeout = 10 * time.Second

// WebSocketTransport writes events as JSON text messages.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewWebSocketTransport wraps an upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketTransport {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WebSocketTransport{conn: conn, writeTimeout: writeTimeout}
}

// Kind returns TransportBidirectional.
func (t *WebSocketTransport) Kind() datatypes.TransportKind {
	return datatypes.TransportBidirectional
}

// WriteEvent sends env as one JSON text message.
func (t *WebSocketTransport) WriteEvent(env datatypes.EventEnvelope) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteHeartbeat sends a ping control frame. The pong handler installed by
// the read loop records liveness.
func (t *WebSocketTransport) WriteHeartbeat() error {
	if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection. Idempotent.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
