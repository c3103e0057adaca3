// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resonance

import (
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// DefaultBufferCapacity is the ring size used when none is configured.
const DefaultBufferCapacity = 1000

// EventBuffer is a fixed-capacity circular store of recent signatures.
//
// # Description
//
// Push is O(1) and never grows memory: once full, the oldest slot is
// overwritten. Reads copy out of the ring so callers never observe a
// partially overwritten window.
//
// # Thread Safety
//
// Safe for concurrent use. One writer at a time, any number of readers.
type EventBuffer struct {
	mu    sync.RWMutex
	data  []datatypes.EventSignature
	head  int // next write position
	count int
}

// NewEventBuffer creates a buffer holding capacity signatures.
// A non-positive capacity falls back to DefaultBufferCapacity.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &EventBuffer{data: make([]datatypes.EventSignature, capacity)}
}

// Push stores sig, overwriting the oldest entry when the ring is full.
func (b *EventBuffer) Push(sig datatypes.EventSignature) {
	b.mu.Lock()
	b.data[b.head] = sig
	b.head = (b.head + 1) % len(b.data)
	if b.count < len(b.data) {
		b.count++
	}
	b.mu.Unlock()
}

// Recent returns up to n of the most recently pushed signatures, oldest
// first. It does not mutate the buffer.
func (b *EventBuffer) Recent(n int) []datatypes.EventSignature {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}

	capacity := len(b.data)
	start := (b.head - n + capacity) % capacity
	out := make([]datatypes.EventSignature, n)
	for i := 0; i < n; i++ {
		out[i] = b.data[(start+i)%capacity]
	}
	return out
}

// Utilization returns filled slots divided by capacity, in [0, 1].
func (b *EventBuffer) Utilization() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return float64(b.count) / float64(len(b.data))
}

// Len returns the number of filled slots.
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *EventBuffer) Cap() int {
	return len(b.data)
}
