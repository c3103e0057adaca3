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
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

var (
	// ErrSessionClosed is returned when writing to a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueFull is returned when a session's outbound queue overflows.
	// The session is closed as a slow consumer.
	ErrQueueFull = errors.New("session outbound queue full")
)

// Close reasons, also used as forced-close metric labels.
const (
	ReasonClient     = "client"
	ReasonExplicit   = "explicit"
	ReasonWriteError = "write_error"
	ReasonSlow       = "slow_consumer"
	ReasonIdle       = "idle"
	ReasonShutdown   = "shutdown"
)

// State is the session lifecycle: established, active, closed.
type State int32

const (
	StateEstablished State = iota
	StateActive
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateEstablished:
		return "established"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type outbound struct {
	env       datatypes.EventEnvelope
	heartbeat bool
}

// Session is one live client connection.
//
// # Description
//
// All writes go through a bounded queue drained by one writer goroutine,
// so a transport never sees interleaved writes. The session moves to
// active after its first successful write and to closed on transport
// error, explicit close, or shutdown. Close removes the session from the
// registry before it returns.
//
// # Thread Safety
//
// Safe for concurrent use.
type Session struct {
	ID            string
	Tenant        datatypes.TenantContext
	EstablishedAt time.Time

	transport Transport
	queue     chan outbound
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time

	// touchOnWrite marks transports with no inbound channel, whose only
	// liveness signal is a successful write.
	touchOnWrite bool

	state    atomic.Int32
	lastSeen atomic.Int64

	closeOnce   sync.Once
	closeReason atomic.Value
	done        chan struct{}
	writerDone  chan struct{}
	onClose     func(*Session)
}

func newSession(id string, tenant datatypes.TenantContext, transport Transport, queueDepth int,
	metrics *observability.Metrics, logger *slog.Logger, now func() time.Time) *Session {

	s := &Session{
		ID:            id,
		Tenant:        tenant.Clone(),
		EstablishedAt: now(),
		transport:     transport,
		queue:         make(chan outbound, queueDepth),
		metrics:       metrics,
		logger:        logger.With("session_id", id, "tenant_id", tenant.TenantID),
		now:           now,
		touchOnWrite:  transport.Kind() == datatypes.TransportPushStream,
		done:          make(chan struct{}),
		writerDone:    make(chan struct{}),
	}
	s.lastSeen.Store(s.EstablishedAt.UnixNano())
	return s
}

// TransportKind reports push-stream or bidirectional.
func (s *Session) TransportKind() datatypes.TransportKind {
	return s.transport.Kind()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the writer goroutine has exited. After Wait returns
// the transport is never touched again.
func (s *Session) Wait() {
	<-s.writerDone
}

// CloseReason returns why the session closed, or "" while open.
func (s *Session) CloseReason() string {
	r, _ := s.closeReason.Load().(string)
	return r
}

// Send queues env for delivery.
//
// # Outputs
//
//   - error: ErrSessionClosed if closed. ErrQueueFull if the queue is full,
//     in which case the session has been closed.
func (s *Session) Send(env datatypes.EventEnvelope) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.queue <- outbound{env: env}:
		return nil
	default:
		s.logger.Warn("Session queue full, closing slow consumer", "queue_depth", cap(s.queue))
		s.metrics.RecordDrop("queue_full")
		s.metrics.RecordForcedClose(ReasonSlow)
		s.Close(ReasonSlow)
		return ErrQueueFull
	}
}

// heartbeat queues a keep-alive. A full queue skips the beat; the
// delivery path is what closes slow consumers.
func (s *Session) heartbeat() bool {
	select {
	case <-s.done:
		return false
	case s.queue <- outbound{heartbeat: true}:
		return true
	default:
		return false
	}
}

// Touch records inbound activity for the liveness check.
func (s *Session) Touch() {
	s.lastSeen.Store(s.now().UnixNano())
}

// LastSeen returns the last liveness signal.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Close closes the session. Idempotent; only the first reason sticks.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		s.state.Store(int32(StateClosed))
		close(s.done)

		if err := s.transport.Close(); err != nil {
			s.logger.Debug("Transport close failed", "error", err)
		}
		if s.onClose != nil {
			s.onClose(s)
		}
		s.logger.Info("Session closed",
			"reason", reason,
			"transport", s.transport.Kind(),
			"lifetime", s.now().Sub(s.EstablishedAt).String(),
		)
	})
}

// runWriter drains the queue onto the transport until close.
func (s *Session) runWriter() {
	defer close(s.writerDone)

	for {
		select {
		case <-s.done:
			return
		case item := <-s.queue:
			// A close may race the receive; never write after it.
			if s.State() == StateClosed {
				return
			}

			var err error
			if item.heartbeat {
				err = s.transport.WriteHeartbeat()
			} else {
				err = s.transport.WriteEvent(item.env)
			}
			if err != nil {
				s.logger.Info("Session write failed", "error", err)
				s.Close(ReasonWriteError)
				return
			}

			if item.heartbeat {
				s.metrics.RecordHeartbeat()
			} else {
				s.metrics.RecordDelivery(string(s.transport.Kind()))
			}
			s.state.CompareAndSwap(int32(StateEstablished), int32(StateActive))
			if s.touchOnWrite {
				s.Touch()
			}
		}
	}
}
