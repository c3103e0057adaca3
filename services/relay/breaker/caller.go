// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// maxResponseBytes caps how much of a downstream body is read.
const maxResponseBytes = 4 << 20

// Request is one outbound tool call.
type Request struct {
	// Path is appended to the endpoint's base address.
	Path string `json:"path,omitempty"`

	// Body is the JSON object sent downstream. Route adds the tenant fields
	// and request_id to a copy; the caller's map is not modified.
	Body map[string]any `json:"body,omitempty"`

	// Timeout overrides the router's per-call timeout when positive.
	Timeout time.Duration `json:"-"`
}

// Response is a successful downstream reply.
type Response struct {
	StatusCode int             `json:"status_code"`
	RequestID  string          `json:"request_id"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Call is the prepared form of a Request handed to a Caller.
type Call struct {
	Endpoint  string
	URL       string
	RequestID string
	TenantID  string
	Body      map[string]any
}

// Caller performs the network call for the router.
//
// A Caller returns an *UpstreamError for non-success statuses. Any other
// error is treated as a transport failure.
type Caller interface {
	Do(ctx context.Context, call Call) (*Response, error)
}

// HTTPCaller posts JSON bodies over HTTP.
type HTTPCaller struct {
	client *http.Client
}

var _ Caller = (*HTTPCaller)(nil)

// NewHTTPCaller wraps client. A nil client uses a fresh http.Client; the
// router bounds every call with its own context timeout.
func NewHTTPCaller(client *http.Client) *HTTPCaller {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPCaller{client: client}
}

// Do posts call.Body to call.URL.
func (c *HTTPCaller) Do(ctx context.Context, call Call) (*Response, error) {
	payload, err := json.Marshal(call.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", call.RequestID)
	req.Header.Set("X-Tenant-ID", call.TenantID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(truncate(string(body), 256))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &UpstreamError{
			Endpoint:   call.Endpoint,
			StatusCode: resp.StatusCode,
			Err:        errors.New(msg),
		}
	}

	out := &Response{StatusCode: resp.StatusCode, RequestID: call.RequestID}
	if len(bytes.TrimSpace(body)) > 0 {
		if json.Valid(body) {
			out.Body = body
		} else {
			quoted, _ := json.Marshal(string(body))
			out.Body = quoted
		}
	}
	return out, nil
}

// Probe issues a GET against url and reports whether it returned 2xx.
func (c *HTTPCaller) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(path, "/")
}
