// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"fmt"
	"net/http"
	"net/netip"

	"github.com/gin-gonic/gin"
)

// ParseNetworks parses CIDR strings such as "10.0.0.0/8".
func ParseNetworks(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse network %q: %w", cidr, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// AllowNetworks admits requests whose peer address falls in one of
// networks and answers 403 otherwise.
//
// # Description
//
// The peer address is the TCP remote address, not X-Forwarded-For, so a
// client cannot talk its way in with a header. Behind a proxy, list the
// proxy's network. An empty networks slice admits everyone.
//
// # Thread Safety
//
// The returned handler is safe for concurrent use.
func AllowNetworks(networks []netip.Prefix) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(networks) == 0 {
			c.Next()
			return
		}
		addr, err := netip.ParseAddr(c.RemoteIP())
		if err == nil {
			addr = addr.Unmap()
			for _, n := range networks {
				if n.Contains(addr) {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}
