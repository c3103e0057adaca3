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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBreakerOpen matches every *BreakerOpenError via errors.Is.
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// ErrUnknownEndpoint is returned for an endpoint name not configured.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// BreakerOpenError is the synthetic fast-fail for an open breaker. No
// network call was attempted.
type BreakerOpenError struct {
	Endpoint string

	// RetryAt is when the breaker will next admit a probe. Zero while a
	// half-open probe is already in flight.
	RetryAt time.Time
}

func (e *BreakerOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit breaker for %s is open (probe in flight)", e.Endpoint)
	}
	return fmt.Sprintf("circuit breaker for %s is open until %s", e.Endpoint, e.RetryAt.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrBreakerOpen) true.
func (e *BreakerOpenError) Is(target error) bool {
	return target == ErrBreakerOpen
}

// UpstreamError is a downstream failure: a non-success status, a timeout,
// or a transport error. It has already been counted by the breaker.
type UpstreamError struct {
	Endpoint string

	// StatusCode is the HTTP status, or 0 when no response arrived.
	StatusCode int

	Err error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s returned %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Endpoint, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
