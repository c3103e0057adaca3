// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// Store is the durable append contract.
//
// # Description
//
// Append must be idempotent on Record.EventID. Recent returns the tenant's
// newest records, at most limit, in chronological order.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, tenantID string, limit int) ([]Record, error)
	Close() error
}

// Record is one stored event row.
type Record struct {
	EventID     string `json:"event_id"`
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	EventType   string `json:"event_type"`

	// Metadata is the serialized payload plus envelope fields that have
	// no column of their own.
	Metadata json.RawMessage `json:"metadata"`

	OccurredAtMs int64 `json:"occurred_at"`
}

type recordMetadata struct {
	Payload       map[string]any `json:"payload,omitempty"`
	Version       int            `json:"version,omitempty"`
	SourceTag     string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
}

// RecordFromEnvelope flattens env into a storable row.
func RecordFromEnvelope(env datatypes.EventEnvelope) (Record, error) {
	meta, err := json.Marshal(recordMetadata{
		Payload:       env.Payload,
		Version:       env.Version,
		SourceTag:     env.SourceTag,
		CorrelationID: env.CorrelationID,
		UserID:        env.Tenant.UserID,
	})
	if err != nil {
		return Record{}, fmt.Errorf("marshal event metadata: %w", err)
	}
	return Record{
		EventID:      env.ID,
		TenantID:     env.Tenant.TenantID,
		WorkspaceID:  env.Tenant.WorkspaceID,
		EventType:    env.Kind.String(),
		Metadata:     meta,
		OccurredAtMs: env.TimestampMs,
	}, nil
}

// Envelope rebuilds the event. Permissions are not stored.
func (r Record) Envelope() (datatypes.EventEnvelope, error) {
	kind, err := datatypes.ParseEventKind(r.EventType)
	if err != nil {
		return datatypes.EventEnvelope{}, err
	}
	var meta recordMetadata
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return datatypes.EventEnvelope{}, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return datatypes.EventEnvelope{
		ID:            r.EventID,
		Kind:          kind,
		Payload:       meta.Payload,
		TimestampMs:   r.OccurredAtMs,
		Version:       meta.Version,
		SourceTag:     meta.SourceTag,
		CorrelationID: meta.CorrelationID,
		Tenant: datatypes.TenantContext{
			TenantID:    r.TenantID,
			WorkspaceID: r.WorkspaceID,
			UserID:      meta.UserID,
		},
	}, nil
}

// =============================================================================
// No-op store
// =============================================================================

type nopStore struct{}

func (nopStore) Append(context.Context, Record) error { return nil }

func (nopStore) Recent(context.Context, string, int) ([]Record, error) { return nil, nil }

func (nopStore) Close() error { return nil }

// NewNopStore returns a Store that discards everything.
func NewNopStore() Store {
	return nopStore{}
}
