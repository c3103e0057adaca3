// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventKind_TableCoversEveryKind(t *testing.T) {
	seen := make(map[string]bool)
	for _, k := range AllKinds() {
		name := k.String()
		assert.NotEmpty(t, name, "kind %d has no name", int(k))
		assert.False(t, seen[name], "duplicate kind name %q", name)
		seen[name] = true

		parsed, err := ParseEventKind(name)
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
}

func TestEventKind_UnknownName(t *testing.T) {
	_, err := ParseEventKind("tool_call_middle")
	assert.True(t, errors.Is(err, ErrUnknownEventKind))

	var k EventKind
	err = json.Unmarshal([]byte(`"not_a_kind"`), &k)
	assert.Error(t, err)
}

func TestEventKind_MarshalsAsName(t *testing.T) {
	data, err := json.Marshal(struct {
		Kind EventKind `json:"type"`
	}{KindToolCallEnd})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_call_end"}`, string(data))

	_, err = json.Marshal(KindUnknown)
	assert.Error(t, err, "the zero kind must never reach the wire")
}

func TestEventKind_Flags(t *testing.T) {
	assert.True(t, KindToolCallEnd.Durable())
	assert.False(t, KindHeartbeat.Durable())
	assert.False(t, KindBatch.Durable())
	assert.True(t, KindPing.ClientSendable())
	assert.False(t, KindConnected.ClientSendable())
	assert.False(t, EventKind(999).Valid())
}

func TestNormalize(t *testing.T) {
	tenant := TenantContext{TenantID: "T1", WorkspaceID: "W1", Permissions: []string{"read"}}
	now := time.UnixMilli(1_700_000_000_123)

	t.Run("fills missing id timestamp and version", func(t *testing.T) {
		payload := map[string]any{"tool": "x"}
		env, err := Normalize(RawEvent{Type: "tool_call_end", Payload: payload}, tenant, now)
		require.NoError(t, err)

		assert.NotEmpty(t, env.ID)
		assert.Equal(t, KindToolCallEnd, env.Kind)
		assert.Equal(t, now.UnixMilli(), env.TimestampMs)
		assert.Equal(t, EnvelopeVersion, env.Version)
		assert.Equal(t, "T1", env.Tenant.TenantID)

		payload["tool"] = "mutated"
		assert.Equal(t, "x", env.Payload["tool"], "payload must be copied")

		tenant.Permissions[0] = "mutated"
		assert.Equal(t, "read", env.Tenant.Permissions[0], "tenant must be copied")
		tenant.Permissions[0] = "read"
	})

	t.Run("keeps producer supplied fields", func(t *testing.T) {
		env, err := Normalize(RawEvent{ID: "evt-1", Type: "agent_status", TimestampMs: 42, Version: 3}, tenant, now)
		require.NoError(t, err)
		assert.Equal(t, "evt-1", env.ID)
		assert.Equal(t, int64(42), env.TimestampMs)
		assert.Equal(t, 3, env.Version)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := Normalize(RawEvent{Type: "bogus"}, tenant, now)
		assert.ErrorIs(t, err, ErrUnknownEventKind)
	})
}

func TestEventSignature_Key(t *testing.T) {
	sig := EventSignature{Type: "tool_call_end", TenantID: "T1", TimestampMs: 1_700_000_000_999}
	assert.Equal(t, "tool_call_end:T1:1700000000", sig.Key())
}

func TestTenantContext(t *testing.T) {
	tenant := TenantContext{TenantID: "acme", WorkspaceID: "ops", Permissions: []string{"tools:route"}}
	assert.NoError(t, tenant.Validate())
	assert.Equal(t, "tenant_acme_ops", tenant.VectorNamespace())
	assert.Equal(t, "tenants/acme/workspaces/ops", tenant.StoragePath())
	assert.True(t, tenant.HasPermission("tools:route"))
	assert.False(t, tenant.HasPermission("admin"))

	bare := TenantContext{TenantID: "acme"}
	assert.Equal(t, "tenant_acme", bare.VectorNamespace())
	assert.Equal(t, "tenants/acme/workspaces/default", bare.StoragePath())

	assert.Error(t, TenantContext{}.Validate())
}

func TestServiceEndpoint_Validate(t *testing.T) {
	ok := ServiceEndpoint{Name: "crm", BaseAddress: "http://crm.internal:8080", PriorityTier: 1}
	assert.NoError(t, ok.Validate())

	bad := ServiceEndpoint{Name: "crm", BaseAddress: "not a url"}
	assert.Error(t, bad.Validate())
}

func TestTenantContext_RejectsSeparatorAndControlChars(t *testing.T) {
	for _, id := range []string{
		"a|tool_call_end:victim",
		"|",
		"acme\n",
		"ac\x00me",
		"tab\there",
	} {
		assert.Error(t, TenantContext{TenantID: id}.Validate(), "%q", id)
	}
	assert.NoError(t, TenantContext{TenantID: "org:42/team-a"}.Validate())
}

func TestRawEvent_RejectsSeparatorInType(t *testing.T) {
	assert.Error(t, RawEvent{Type: "notification|tool_call_end"}.Validate())
	assert.Error(t, RawEvent{Type: "notification\r"}.Validate())
	assert.NoError(t, RawEvent{Type: "notification"}.Validate())
}

func TestResonancePattern_Tenants(t *testing.T) {
	window := []EventSignature{
		{Type: "tool_call_end", TenantID: "acme"},
		{Type: "agent_status", TenantID: "globex"},
		{Type: "tool_call_end", TenantID: "acme"},
	}
	p := ResonancePattern{
		Signature: "tool_call_end:acme:100|agent_status:globex:100|tool_call_end:acme:101",
		TenantIDs: WindowTenants(window),
	}
	assert.Equal(t, []string{"acme", "globex"}, p.Tenants())
	assert.True(t, p.InvolvesTenant("globex"))
	assert.False(t, p.InvolvesTenant("initech"))

	// Signature text is never parsed for tenants.
	forged := ResonancePattern{Signature: "tool_call_end:victim:100"}
	assert.Empty(t, forged.Tenants())
	assert.False(t, forged.InvolvesTenant("victim"))

	clone := p.Clone()
	clone.TenantIDs[0] = "changed"
	assert.Equal(t, "acme", p.TenantIDs[0])

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "globex")
}
