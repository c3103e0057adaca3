// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware attaches the caller's tenant to every relay request.
//
// The relay does not authenticate. An upstream layer (gateway, auth proxy)
// has already validated the caller and forwards the result as headers:
//
//	Request
//	   │
//	   ▼
//	TenantMiddleware
//	   │
//	   ├─► resolver.Resolve(c)   X-Tenant-ID, X-Workspace-ID, X-User-ID, X-Permissions
//	   │
//	   └─► SetTenant(c, tenant)
//	           │
//	           ▼
//	       Handler (retrieves via GetTenant)
//
// Browser EventSource clients cannot set headers, so tenant_id and
// workspace_id are also accepted as query parameters.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/gin-gonic/gin"
)

const (
	HeaderTenantID    = "X-Tenant-ID"
	HeaderWorkspaceID = "X-Workspace-ID"
	HeaderUserID      = "X-User-ID"
	HeaderPermissions = "X-Permissions"
)

// tenantKey is the gin context key for the resolved TenantContext.
const tenantKey = "aleutian_relay_tenant"

// ErrNoTenant is returned when a request carries no tenant id.
var ErrNoTenant = errors.New("no tenant on request")

// TenantResolver turns a request into an already-validated tenant.
type TenantResolver interface {
	Resolve(c *gin.Context) (datatypes.TenantContext, error)
}

// HeaderResolver reads the tenant from the forwarded headers.
type HeaderResolver struct{}

var _ TenantResolver = HeaderResolver{}

// Resolve implements TenantResolver.
//
// # Description
//
// Headers win over query parameters. X-Permissions is a comma-separated
// list; blanks are dropped.
func (HeaderResolver) Resolve(c *gin.Context) (datatypes.TenantContext, error) {
	tenant := datatypes.TenantContext{
		TenantID:    firstNonEmpty(c.GetHeader(HeaderTenantID), c.Query("tenant_id")),
		WorkspaceID: firstNonEmpty(c.GetHeader(HeaderWorkspaceID), c.Query("workspace_id")),
		UserID:      c.GetHeader(HeaderUserID),
		Permissions: splitPermissions(c.GetHeader(HeaderPermissions)),
	}
	if tenant.TenantID == "" {
		return datatypes.TenantContext{}, ErrNoTenant
	}
	if err := tenant.Validate(); err != nil {
		return datatypes.TenantContext{}, err
	}
	return tenant, nil
}

// SetTenant stores tenant in the gin context.
func SetTenant(c *gin.Context, tenant datatypes.TenantContext) {
	c.Set(tenantKey, tenant)
}

// GetTenant returns the tenant stored by TenantMiddleware.
func GetTenant(c *gin.Context) (datatypes.TenantContext, bool) {
	v, ok := c.Get(tenantKey)
	if !ok {
		return datatypes.TenantContext{}, false
	}
	tenant, ok := v.(datatypes.TenantContext)
	return tenant, ok
}

// TenantMiddleware resolves and validates the tenant or aborts with 401.
//
// # Inputs
//
//   - resolver: Nil uses HeaderResolver.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware for the /v1 group.
//
// # Thread Safety
//
// Thread-safe if resolver is.
func TenantMiddleware(resolver TenantResolver) gin.HandlerFunc {
	if resolver == nil {
		resolver = HeaderResolver{}
	}
	return func(c *gin.Context) {
		tenant, err := resolver.Resolve(c)
		if err == nil {
			// Custom resolvers are held to the same rules as headers.
			err = tenant.Validate()
		}
		if err != nil {
			msg := "invalid tenant"
			if errors.Is(err, ErrNoTenant) {
				msg = "missing tenant"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		SetTenant(c, tenant)
		c.Next()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitPermissions(header string) []string {
	if header == "" {
		return nil
	}
	var perms []string
	for _, p := range strings.Split(header, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}
	return perms
}
