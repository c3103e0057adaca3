// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire and domain types shared by every
// component of the relay: tenant identity, event envelopes, signatures,
// resonance patterns and downstream endpoint descriptors.
package datatypes

import (
	"errors"
	"fmt"
)

// ErrUnknownEventKind is returned when an event type string does not name
// a kind in the kind table.
var ErrUnknownEventKind = errors.New("unknown event kind")

// =============================================================================
// Event Kinds
// =============================================================================

// EventKind is the closed set of event types the relay understands.
//
// # Description
//
// Every event crossing the relay carries exactly one EventKind. The set is
// closed: adding a kind means adding a constant and a row in kindTable, so
// handler tables keyed by EventKind are checked at compile time rather than
// by string comparison.
//
// # Wire Format
//
// Kinds marshal as their snake_case name ("tool_call_end"), never as the
// underlying integer.
type EventKind int

const (
	// KindUnknown is the zero value and is never valid on the wire.
	KindUnknown EventKind = iota
	KindConnected
	KindHeartbeat
	KindBatch
	KindToolCallStart
	KindToolCallEnd
	KindToolCallError
	KindAgentStatus
	KindWorkflowUpdate
	KindComplianceAlert
	KindNotification
	KindPatternDiscovered
	KindPatternMatched
	KindEngineEvolved
	KindPing
	KindPong
	KindError

	kindCount
)

// kindInfo describes how the relay treats one event kind.
type kindInfo struct {
	name string

	// durable kinds are appended to the durable sink when published.
	durable bool

	// clientSendable kinds may arrive inbound on a bidirectional session.
	clientSendable bool
}

var kindTable = [kindCount]kindInfo{
	KindUnknown:           {name: "unknown"},
	KindConnected:         {name: "connected"},
	KindHeartbeat:         {name: "heartbeat"},
	KindBatch:             {name: "batch"},
	KindToolCallStart:     {name: "tool_call_start", durable: true, clientSendable: true},
	KindToolCallEnd:       {name: "tool_call_end", durable: true, clientSendable: true},
	KindToolCallError:     {name: "tool_call_error", durable: true, clientSendable: true},
	KindAgentStatus:       {name: "agent_status", durable: true, clientSendable: true},
	KindWorkflowUpdate:    {name: "workflow_update", durable: true, clientSendable: true},
	KindComplianceAlert:   {name: "compliance_alert", durable: true, clientSendable: true},
	KindNotification:      {name: "notification", durable: true, clientSendable: true},
	KindPatternDiscovered: {name: "pattern_discovered", durable: true},
	KindPatternMatched:    {name: "pattern_matched"},
	KindEngineEvolved:     {name: "engine_evolved", durable: true},
	KindPing:              {name: "ping", clientSendable: true},
	KindPong:              {name: "pong"},
	KindError:             {name: "error"},
}

var kindByName = func() map[string]EventKind {
	m := make(map[string]EventKind, kindCount)
	for k := KindUnknown + 1; k < kindCount; k++ {
		m[kindTable[k].name] = k
	}
	return m
}()

// ParseEventKind resolves a wire name to its EventKind.
func ParseEventKind(name string) (EventKind, error) {
	if k, ok := kindByName[name]; ok {
		return k, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownEventKind, name)
}

// String returns the wire name of the kind.
func (k EventKind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("unknown(%d)", int(k))
	}
	return kindTable[k].name
}

// Valid reports whether k is a concrete member of the kind table.
func (k EventKind) Valid() bool {
	return k > KindUnknown && k < kindCount
}

// Durable reports whether events of this kind are persisted on publish.
func (k EventKind) Durable() bool {
	return k.Valid() && kindTable[k].durable
}

// ClientSendable reports whether a client may send this kind inbound.
func (k EventKind) ClientSendable() bool {
	return k.Valid() && kindTable[k].clientSendable
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEventKind, int(k))
	}
	return []byte(kindTable[k].name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// AllKinds returns every valid kind in declaration order.
func AllKinds() []EventKind {
	kinds := make([]EventKind, 0, kindCount-1)
	for k := KindUnknown + 1; k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// =============================================================================
// Transport Kinds
// =============================================================================

// TransportKind identifies how a session is connected.
type TransportKind string

const (
	// TransportPushStream is server-to-client text/event-stream delivery.
	TransportPushStream TransportKind = "push-stream"

	// TransportBidirectional is a full-duplex websocket connection.
	TransportBidirectional TransportKind = "bidirectional"
)
