// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the schema version stamped on envelopes that arrive
// without one.
const EnvelopeVersion = 1

// RawEvent is what a producer hands the relay before normalization.
type RawEvent struct {
	ID            string         `json:"id,omitempty"`
	Type          string         `json:"type" validate:"required,max=64,excludesall=0x7C,nocontrol"`
	Payload       map[string]any `json:"payload,omitempty"`
	TimestampMs   int64          `json:"timestamp,omitempty" validate:"gte=0"`
	Version       int            `json:"version,omitempty" validate:"gte=0"`
	SourceTag     string         `json:"source,omitempty" validate:"max=128"`
	CorrelationID string         `json:"correlation_id,omitempty" validate:"max=128"`
}

// Validate checks the struct tags on the raw event.
func (r RawEvent) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return nil
}

// EventEnvelope is the normalized, tenant-scoped form of an event.
//
// # Description
//
// An envelope is created once per inbound event and never mutated after
// it leaves the stream stage. Every envelope belongs to exactly one tenant,
// carried in Tenant.
type EventEnvelope struct {
	ID            string         `json:"id"`
	Kind          EventKind      `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	TimestampMs   int64          `json:"timestamp"`
	Version       int            `json:"version"`
	SourceTag     string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Tenant        TenantContext  `json:"tenant"`
}

// NewEnvelope builds an envelope of the given kind for tenant, assigning
// id, timestamp and version.
func NewEnvelope(kind EventKind, tenant TenantContext, payload map[string]any) EventEnvelope {
	return EventEnvelope{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		TimestampMs: time.Now().UnixMilli(),
		Version:     EnvelopeVersion,
		Tenant:      tenant.Clone(),
	}
}

// Normalize turns a raw event into an envelope owned by tenant.
//
// # Description
//
// Fills id (uuid v4), timestamp (now) and version (EnvelopeVersion) when the
// producer left them empty. The payload map is copied so later producer
// writes cannot leak into the envelope.
//
// # Inputs
//
//   - raw: Producer event. Type must name a known EventKind.
//   - tenant: Resolved tenant; overrides anything the producer claimed.
//   - now: Clock reading used when raw has no timestamp.
//
// # Outputs
//
//   - EventEnvelope: The normalized envelope.
//   - error: ErrUnknownEventKind (wrapped) for an unknown type.
func Normalize(raw RawEvent, tenant TenantContext, now time.Time) (EventEnvelope, error) {
	kind, err := ParseEventKind(raw.Type)
	if err != nil {
		return EventEnvelope{}, err
	}

	env := EventEnvelope{
		ID:            raw.ID,
		Kind:          kind,
		Payload:       maps.Clone(raw.Payload),
		TimestampMs:   raw.TimestampMs,
		Version:       raw.Version,
		SourceTag:     raw.SourceTag,
		CorrelationID: raw.CorrelationID,
		Tenant:        tenant.Clone(),
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.TimestampMs == 0 {
		env.TimestampMs = now.UnixMilli()
	}
	if env.Version == 0 {
		env.Version = EnvelopeVersion
	}
	return env, nil
}

// Signature projects the envelope onto the lightweight form stored in the
// circular event buffer.
func (e EventEnvelope) Signature() EventSignature {
	return EventSignature{
		Type:        e.Kind.String(),
		TenantID:    e.Tenant.TenantID,
		TimestampMs: e.TimestampMs,
	}
}

// EventSignature is the projection of an envelope the pattern engine
// works over.
type EventSignature struct {
	Type        string `json:"type"`
	TenantID    string `json:"tenant_id"`
	TimestampMs int64  `json:"timestamp"`
}

// Key renders the signature as "type:tenantID:epochSecond", the unit the
// pattern engine concatenates into window signatures.
func (s EventSignature) Key() string {
	return fmt.Sprintf("%s:%s:%d", s.Type, s.TenantID, s.TimestampMs/1000)
}
