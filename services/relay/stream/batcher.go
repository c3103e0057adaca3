// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// errBatcherClosed is returned by Add after Close.
var errBatcherClosed = errors.New("batcher closed")

// FlushReason says why a batch was emitted.
type FlushReason string

const (
	FlushSize  FlushReason = "size"
	FlushTimer FlushReason = "timer"
	FlushClose FlushReason = "close"
)

// FlushFunc receives every flushed batch. It runs with the batcher's lock
// held and must not call back into the same Batcher.
type FlushFunc func(events []datatypes.EventEnvelope, reason FlushReason)

// Batcher accumulates envelopes and flushes them by size or debounce.
//
// # Description
//
// The first event after a flush arms a one-shot timer. The batch is
// flushed when it reaches maxSize or when the timer fires, whichever is
// first. Each flush bumps a generation counter so a timer armed for an
// earlier batch can never flush a later one.
//
// # Thread Safety
//
// Safe for concurrent use. Flushes run under the lock, so batches from one
// Batcher reach FlushFunc in arrival order and never interleave.
type Batcher struct {
	maxSize  int
	debounce time.Duration
	flush    FlushFunc

	mu         sync.Mutex
	pending    []datatypes.EventEnvelope
	timer      *time.Timer
	generation uint64
	closed     bool
}

// NewBatcher creates a batcher. Non-positive maxSize or debounce use 10
// and 100ms.
func NewBatcher(maxSize int, debounce time.Duration, flush FlushFunc) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultBatchSize
	}
	if debounce <= 0 {
		debounce = DefaultFlushInterval
	}
	return &Batcher{
		maxSize:  maxSize,
		debounce: debounce,
		flush:    flush,
		pending:  make([]datatypes.EventEnvelope, 0, maxSize),
	}
}

// Add appends env, flushing if the batch is full.
func (b *Batcher) Add(env datatypes.EventEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errBatcherClosed
	}

	b.pending = append(b.pending, env)
	if len(b.pending) >= b.maxSize {
		b.flushLocked(FlushSize)
		return nil
	}
	if len(b.pending) == 1 {
		gen := b.generation
		b.timer = time.AfterFunc(b.debounce, func() { b.onTimer(gen) })
	}
	return nil
}

// Pending returns the number of unflushed events.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close flushes what remains and rejects further Adds. Idempotent.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.flushLocked(FlushClose)
	b.closed = true
}

func (b *Batcher) onTimer(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || gen != b.generation {
		return
	}
	b.flushLocked(FlushTimer)
}

func (b *Batcher) flushLocked(reason FlushReason) {
	b.generation++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}

	events := b.pending
	b.pending = make([]datatypes.EventEnvelope, 0, b.maxSize)
	if b.flush != nil {
		b.flush(events, reason)
	}
}
