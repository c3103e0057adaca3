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
	"slices"
)

// ResonancePattern is a recurring window of event signatures.
//
// ID is derived from Signature so the same window always maps to the same
// pattern. Confidence is recomputed from the buffer on every scan and is
// always in [0, 1].
//
// TenantIDs is filled by the engine from the window's signatures, never by
// parsing Signature. It stays out of the wire form so one tenant's pattern
// listing cannot name another tenant.
type ResonancePattern struct {
	ID             string   `json:"id"`
	FrequencyCount int      `json:"frequency_count"`
	Confidence     float64  `json:"confidence"`
	Signature      string   `json:"signature"`
	DiscoveredAtMs int64    `json:"discovered_at"`
	Optimizations  []string `json:"optimizations,omitempty"`
	TenantIDs      []string `json:"-"`
}

// Clone returns a deep copy.
func (p ResonancePattern) Clone() ResonancePattern {
	p.Optimizations = slices.Clone(p.Optimizations)
	p.TenantIDs = slices.Clone(p.TenantIDs)
	return p
}

// Tenants returns the distinct tenant ids whose events formed the window,
// in first-seen order.
func (p ResonancePattern) Tenants() []string {
	return slices.Clone(p.TenantIDs)
}

// InvolvesTenant reports whether any event of the window belongs to
// tenantID.
func (p ResonancePattern) InvolvesTenant(tenantID string) bool {
	return slices.Contains(p.TenantIDs, tenantID)
}

// WindowTenants returns the distinct tenant ids of window in first-seen
// order.
func WindowTenants(window []EventSignature) []string {
	var out []string
	for _, sig := range window {
		if !slices.Contains(out, sig.TenantID) {
			out = append(out, sig.TenantID)
		}
	}
	return out
}

// ServiceEndpoint is a downstream tool integration the breaker router can
// reach. It is static configuration and read-only at runtime.
type ServiceEndpoint struct {
	Name         string `json:"name" yaml:"name" validate:"required,max=64"`
	BaseAddress  string `json:"base_address" yaml:"base_address" validate:"required,url"`
	PriorityTier int    `json:"priority_tier" yaml:"priority_tier" validate:"gte=0,lte=9"`

	// HealthPath is appended to BaseAddress by the health checker.
	// Default: "/health"
	HealthPath string `json:"health_path,omitempty" yaml:"health_path,omitempty"`
}

// Validate checks the struct tags on the endpoint.
func (e ServiceEndpoint) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", e.Name, err)
	}
	return nil
}
