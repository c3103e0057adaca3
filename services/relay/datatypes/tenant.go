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
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// validate is shared by every datatype with struct tags.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// nocontrol rejects strings carrying control characters.
	if err := v.RegisterValidation("nocontrol", func(fl validator.FieldLevel) bool {
		return !strings.ContainsFunc(fl.Field().String(), unicode.IsControl)
	}); err != nil {
		panic(err)
	}
	return v
}

// TenantContext is the already-resolved identity attached to every event
// and session.
//
// # Description
//
// The relay never authenticates; an upstream layer resolves the caller and
// hands the relay a TenantContext. It is immutable once attached: methods
// take value receivers and Permissions is copied on Clone.
//
// # Thread Safety
//
// Safe to share between goroutines as long as callers do not mutate
// Permissions in place.
//
// TenantID may not contain '|' (0x7C), the window signature separator, or
// control characters.
type TenantContext struct {
	TenantID    string   `json:"tenant_id" validate:"required,max=128,excludesall=0x7C,nocontrol"`
	WorkspaceID string   `json:"workspace_id,omitempty" validate:"max=128"`
	UserID      string   `json:"user_id,omitempty" validate:"max=128"`
	Permissions []string `json:"permissions,omitempty" validate:"max=64,dive,max=128"`
}

// Validate checks the struct tags on the context.
func (t TenantContext) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid tenant context: %w", err)
	}
	return nil
}

// VectorNamespace returns the tenant-scoped namespace downstream vector
// stores partition by.
func (t TenantContext) VectorNamespace() string {
	if t.WorkspaceID == "" {
		return "tenant_" + t.TenantID
	}
	return "tenant_" + t.TenantID + "_" + t.WorkspaceID
}

// StoragePath returns the tenant-scoped object storage prefix.
func (t TenantContext) StoragePath() string {
	workspace := t.WorkspaceID
	if workspace == "" {
		workspace = "default"
	}
	return "tenants/" + t.TenantID + "/workspaces/" + workspace
}

// HasPermission reports whether perm was granted to the caller.
func (t TenantContext) HasPermission(perm string) bool {
	return slices.Contains(t.Permissions, perm)
}

// Clone returns a copy that shares no backing arrays with t.
func (t TenantContext) Clone() TenantContext {
	t.Permissions = slices.Clone(t.Permissions)
	return t
}
