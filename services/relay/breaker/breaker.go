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
	"sync"
	"time"
)

// State is a breaker state.
type State int

const (
	// StateClosed passes requests through.
	StateClosed State = iota

	// StateOpen rejects requests until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits a single probe.
	StateHalfOpen
)

// String returns "closed", "open" or "half-open".
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold consecutive failures open the breaker. Default: 5
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=0"`

	// Cooldown is how long the breaker stays open. Default: 60s
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown" validate:"gte=0"`
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 60 * time.Second}
}

// Breaker is the per-endpoint state machine.
//
// # Description
//
// closed -> open after FailureThreshold failures. open -> half-open lazily,
// on the first Allow after the cooldown; there is no timer, so a late
// timer can never race a health-probe reset. half-open admits one probe:
// success closes with the count reset, failure re-opens and restarts the
// cooldown. A successful health probe closes the breaker from any state.
//
// # Thread Safety
//
// Safe for concurrent use. Every transition happens under one mutex.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange func(name string, from, to State)

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker creates a closed breaker. onChange may be nil; it is called
// with the lock held and must not call back into the breaker.
func NewBreaker(name string, cfg Config, now func() time.Time, onChange func(name string, from, to State)) *Breaker {
	d := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, cfg: cfg, now: now, onChange: onChange}
}

// Allow reports whether a request may proceed. When it may not, retryAt
// is when the cooldown ends, or zero if a probe is already in flight.
// An admitted half-open probe must be followed by exactly one of
// RecordSuccess, RecordFailure or RecordCancelled.
func (b *Breaker) Allow() (allowed bool, retryAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, time.Time{}

	case StateOpen:
		reopenAt := b.openedAt.Add(b.cfg.Cooldown)
		if b.now().Before(reopenAt) {
			return false, reopenAt
		}
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return true, time.Time{}

	case StateHalfOpen:
		if b.probeInFlight {
			return false, time.Time{}
		}
		b.probeInFlight = true
		return true, time.Time{}
	}
	return false, time.Time{}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.failures = 0
		b.probeInFlight = false
		b.transitionLocked(StateClosed)
	case StateOpen:
		// A call admitted before the breaker opened; the cooldown stands.
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures++
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.openedAt = now
		b.transitionLocked(StateOpen)
	}
}

// RecordCancelled releases an admitted call that never reached the
// endpoint's verdict, such as a caller cancellation. Nothing is counted.
func (b *Breaker) RecordCancelled() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// HealthProbeSucceeded resets the failure count and closes the breaker
// regardless of its state.
func (b *Breaker) HealthProbeSucceeded() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

// State returns the effective state. An open breaker whose cooldown has
// elapsed reports half-open, though the transition itself waits for Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveLocked()
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	RetryAt       time.Time `json:"retry_at,omitzero"`
}

// Snapshot returns the current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		State:         b.effectiveLocked(),
		FailureCount:  b.failures,
		LastFailureAt: b.lastFailure,
	}
	if s.State == StateOpen {
		s.RetryAt = b.openedAt.Add(b.cfg.Cooldown)
	}
	return s
}

func (b *Breaker) effectiveLocked() State {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cfg.Cooldown)) {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
