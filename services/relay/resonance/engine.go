// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resonance detects recurring event sequences in the live stream.
//
// # Description
//
// Two paths feed the engine. IngestEvent runs synchronously for every
// inbound event: it pushes the signature into the circular buffer and, if
// the event's type appears in an already-known pattern, emits a
// pattern_matched notification immediately. The discovery path runs on a
// timer: each scan slides a fixed window over the most recent signatures,
// counts identical windows, and promotes windows whose occurrence ratio
// exceeds the evolution threshold into ResonancePatterns.
//
// Confidence is always recomputed from the current buffer contents, so a
// pattern that stops recurring decays to zero on the next scan instead of
// accumulating stale weight.
package resonance

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/zeebo/blake3"
)

// ErrScanInProgress is returned by ScanNow when another scan is running.
var ErrScanInProgress = errors.New("resonance scan already in progress")

// windowSeparator joins signature keys inside one window signature.
const windowSeparator = "|"

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the engine.
type Config struct {
	// ScanInterval is how often the discovery scan runs. Default: 1s
	ScanInterval time.Duration `json:"scan_interval" yaml:"scan_interval"`

	// SampleSize is how many recent signatures each scan reads. Default: 100
	SampleSize int `json:"sample_size" yaml:"sample_size"`

	// WindowSize is the number of signatures per sliding window. Default: 10
	WindowSize int `json:"window_size" yaml:"window_size"`

	// EvolutionThreshold is the occurrence ratio a window must exceed to
	// become a pattern. Default: 0.10
	EvolutionThreshold float64 `json:"evolution_threshold" yaml:"evolution_threshold"`

	// MinThreshold floors the auto-lowered threshold. Default: 0.01
	MinThreshold float64 `json:"min_threshold" yaml:"min_threshold"`

	// MaxActivePatterns caps the patterns reported as active. Default: 10
	MaxActivePatterns int `json:"max_active_patterns" yaml:"max_active_patterns"`

	// MaxTrackedPatterns caps every pattern ever discovered; the lowest
	// confidence entries are evicted beyond it. Default: 1000
	MaxTrackedPatterns int `json:"max_tracked_patterns" yaml:"max_tracked_patterns"`

	// EvolutionEvery is the number of scans between engine_evolved
	// notifications. Default: 100
	EvolutionEvery int `json:"evolution_every" yaml:"evolution_every"`

	// AdaptAfterPatterns is the tracked count above which an evolution
	// lowers the threshold. Default: 100
	AdaptAfterPatterns int `json:"adapt_after_patterns" yaml:"adapt_after_patterns"`

	// AdaptFactor multiplies the threshold when it is lowered. Default: 0.9
	AdaptFactor float64 `json:"adapt_factor" yaml:"adapt_factor"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:       time.Second,
		SampleSize:         100,
		WindowSize:         10,
		EvolutionThreshold: 0.10,
		MinThreshold:       0.01,
		MaxActivePatterns:  10,
		MaxTrackedPatterns: 1000,
		EvolutionEvery:     100,
		AdaptAfterPatterns: 100,
		AdaptFactor:        0.9,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScanInterval <= 0 {
		c.ScanInterval = d.ScanInterval
	}
	if c.SampleSize <= 0 {
		c.SampleSize = d.SampleSize
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.EvolutionThreshold <= 0 {
		c.EvolutionThreshold = d.EvolutionThreshold
	}
	if c.MinThreshold <= 0 {
		c.MinThreshold = d.MinThreshold
	}
	if c.MaxActivePatterns <= 0 {
		c.MaxActivePatterns = d.MaxActivePatterns
	}
	if c.MaxTrackedPatterns <= 0 {
		c.MaxTrackedPatterns = d.MaxTrackedPatterns
	}
	if c.EvolutionEvery <= 0 {
		c.EvolutionEvery = d.EvolutionEvery
	}
	if c.AdaptAfterPatterns <= 0 {
		c.AdaptAfterPatterns = d.AdaptAfterPatterns
	}
	if c.AdaptFactor <= 0 || c.AdaptFactor >= 1 {
		c.AdaptFactor = d.AdaptFactor
	}
	return c
}

// =============================================================================
// Notifications
// =============================================================================

// Notification is emitted when the engine learns something.
type Notification struct {
	// Kind is KindPatternDiscovered, KindPatternMatched or KindEngineEvolved.
	Kind datatypes.EventKind

	// Pattern is set for discovered and matched notifications.
	Pattern *datatypes.ResonancePattern

	// Trigger is the ingested signature behind a matched notification.
	Trigger *datatypes.EventSignature

	// Summary is set for evolved notifications.
	Summary *Summary
}

// Notifier receives engine notifications. Notify is never called while
// the engine holds its lock.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Summary reports engine state for health endpoints.
type Summary struct {
	TrackedPatterns   int     `json:"tracked_patterns"`
	ActivePatterns    int     `json:"active_patterns"`
	ScanCycles        int64   `json:"scan_cycles"`
	EvolutionCycles   int64   `json:"evolution_cycles"`
	Threshold         float64 `json:"threshold"`
	BufferUtilization float64 `json:"buffer_utilization"`
	BufferLen         int     `json:"buffer_len"`
}

// =============================================================================
// Engine
// =============================================================================

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets where notifications go.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics records scan results and pattern counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type trackedPattern struct {
	pattern datatypes.ResonancePattern

	// kinds holds every event type named in the signature, for the
	// low-latency match path.
	kinds map[string]struct{}
}

// Engine is the pattern resonance engine.
//
// # Thread Safety
//
// IngestEvent, ScanNow, Patterns and Summary are safe for concurrent use.
// Scans never block ingestion: ingestion only touches the buffer (its own
// lock) and takes the engine read lock for matching.
type Engine struct {
	cfg      Config
	buffer   *EventBuffer
	notifier Notifier
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	threshold  float64
	tracked    map[string]*trackedPattern
	active     []string // ids, confidence descending
	scanCycles int64
	evolutions int64

	scanning atomic.Bool

	runMu   sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an engine reading from buffer.
func NewEngine(cfg Config, buffer *EventBuffer, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	if buffer == nil {
		buffer = NewEventBuffer(DefaultBufferCapacity)
	}
	e := &Engine{
		cfg:       cfg,
		buffer:    buffer,
		logger:    slog.Default(),
		now:       time.Now,
		threshold: cfg.EvolutionThreshold,
		tracked:   make(map[string]*trackedPattern),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Buffer returns the circular buffer the engine reads.
func (e *Engine) Buffer() *EventBuffer {
	return e.buffer
}

// IngestEvent records sig and runs the low-latency match path.
//
// # Description
//
// Pushes sig into the buffer, then checks the active patterns for one that
// names sig.Type. The highest-confidence match, if any, produces a
// pattern_matched notification before IngestEvent returns.
func (e *Engine) IngestEvent(sig datatypes.EventSignature) {
	e.buffer.Push(sig)

	e.mu.RLock()
	var matched *datatypes.ResonancePattern
	for _, id := range e.active {
		tp := e.tracked[id]
		if tp == nil {
			continue
		}
		if _, ok := tp.kinds[sig.Type]; ok {
			p := tp.pattern.Clone()
			matched = &p
			break
		}
	}
	e.mu.RUnlock()

	if matched != nil {
		trigger := sig
		e.notify(Notification{Kind: datatypes.KindPatternMatched, Pattern: matched, Trigger: &trigger})
	}
}

// Start launches the timer-driven discovery loop.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return fmt.Errorf("resonance engine is already running")
	}
	e.running = true
	e.done = make(chan struct{})

	e.logger.Info("Resonance engine starting",
		"scan_interval", e.cfg.ScanInterval.String(),
		"window_size", e.cfg.WindowSize,
		"threshold", e.cfg.EvolutionThreshold,
	)

	e.wg.Add(1)
	go e.runLoop(ctx, e.done)
	return nil
}

// Stop halts the loop and waits for an in-flight scan to finish.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	close(e.done)
	e.running = false
	e.runMu.Unlock()

	e.wg.Wait()
	e.logger.Info("Resonance engine stopped")
}

func (e *Engine) runLoop(ctx context.Context, done <-chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if !e.scanning.CompareAndSwap(false, true) {
				e.logger.Warn("Resonance scan still running, skipping tick")
				e.metrics.RecordScan("skipped")
				continue
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer e.scanning.Store(false)
				e.guardedScan(ctx)
			}()
		}
	}
}

// ScanNow runs one discovery scan synchronously.
func (e *Engine) ScanNow(ctx context.Context) error {
	if !e.scanning.CompareAndSwap(false, true) {
		e.metrics.RecordScan("skipped")
		return ErrScanInProgress
	}
	defer e.scanning.Store(false)
	return e.guardedScan(ctx)
}

// guardedScan turns a panicking scan into a logged, skipped cycle.
func (e *Engine) guardedScan(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Resonance scan panicked, skipping cycle", "panic", r)
			e.metrics.RecordScan("failed")
			err = fmt.Errorf("resonance scan panicked: %v", r)
		}
	}()

	if err := e.scan(ctx); err != nil {
		e.logger.Warn("Resonance scan failed, skipping cycle", "error", err)
		e.metrics.RecordScan("failed")
		return err
	}
	e.metrics.RecordScan("completed")
	return nil
}

// scan is one discovery pass over the buffer.
func (e *Engine) scan(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sigs := e.buffer.Recent(e.cfg.SampleSize)
	counts, totalWindows := countWindows(sigs, e.cfg.WindowSize)
	nowMs := e.now().UnixMilli()

	var pending []Notification

	e.mu.Lock()
	threshold := e.threshold

	for _, tp := range e.tracked {
		tp.pattern.Confidence = 0
		tp.pattern.FrequencyCount = 0
	}

	for signature, wc := range counts {
		n := wc.n
		ratio := float64(n) / float64(totalWindows)
		id := patternID(signature)

		tp, known := e.tracked[id]
		if !known {
			if ratio <= threshold {
				continue
			}
			tp = &trackedPattern{
				pattern: datatypes.ResonancePattern{
					ID:             id,
					Signature:      signature,
					DiscoveredAtMs: nowMs,
					TenantIDs:      datatypes.WindowTenants(wc.window),
				},
				kinds: windowKinds(wc.window),
			}
			e.tracked[id] = tp
		}
		tp.pattern.FrequencyCount = n
		tp.pattern.Confidence = ratio
		tp.pattern.Optimizations = adaptationHints(signature, ratio)

		if !known {
			p := tp.pattern.Clone()
			pending = append(pending, Notification{Kind: datatypes.KindPatternDiscovered, Pattern: &p})
		}
	}

	e.rankLocked(threshold)
	e.evictLocked()

	e.scanCycles++
	var evolved *Summary
	if e.scanCycles%int64(e.cfg.EvolutionEvery) == 0 {
		e.evolutions++
		if len(e.tracked) > e.cfg.AdaptAfterPatterns {
			lowered := e.threshold * e.cfg.AdaptFactor
			if lowered < e.cfg.MinThreshold {
				lowered = e.cfg.MinThreshold
			}
			e.threshold = lowered
		}
		s := e.summaryLocked()
		evolved = &s
	}

	tracked, active := len(e.tracked), len(e.active)
	e.mu.Unlock()

	e.metrics.SetPatterns(tracked, active)

	for _, n := range pending {
		e.logger.Info("Resonance pattern discovered",
			"pattern_id", n.Pattern.ID,
			"confidence", n.Pattern.Confidence,
			"frequency", n.Pattern.FrequencyCount,
		)
		e.notify(n)
	}
	if evolved != nil {
		e.logger.Info("Resonance engine evolved",
			"evolution_cycles", evolved.EvolutionCycles,
			"tracked_patterns", evolved.TrackedPatterns,
			"threshold", evolved.Threshold,
			"buffer_utilization", evolved.BufferUtilization,
		)
		e.notify(Notification{Kind: datatypes.KindEngineEvolved, Summary: evolved})
	}
	return nil
}

// rankLocked rebuilds the active list: confidence above threshold, best
// first, capped at MaxActivePatterns.
func (e *Engine) rankLocked(threshold float64) {
	e.active = e.active[:0]
	for id, tp := range e.tracked {
		if tp.pattern.Confidence > threshold {
			e.active = append(e.active, id)
		}
	}
	sort.Slice(e.active, func(i, j int) bool {
		return ranksAbove(e.tracked[e.active[i]].pattern, e.tracked[e.active[j]].pattern)
	})
	if len(e.active) > e.cfg.MaxActivePatterns {
		e.active = e.active[:e.cfg.MaxActivePatterns]
	}
}

// evictLocked drops the weakest tracked patterns beyond MaxTrackedPatterns.
func (e *Engine) evictLocked() {
	excess := len(e.tracked) - e.cfg.MaxTrackedPatterns
	if excess <= 0 {
		return
	}
	activeSet := make(map[string]struct{}, len(e.active))
	for _, id := range e.active {
		activeSet[id] = struct{}{}
	}
	candidates := make([]*trackedPattern, 0, len(e.tracked))
	for id, tp := range e.tracked {
		if _, ok := activeSet[id]; !ok {
			candidates = append(candidates, tp)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].pattern, candidates[j].pattern
		if a.Confidence != b.Confidence {
			return a.Confidence < b.Confidence
		}
		return a.DiscoveredAtMs < b.DiscoveredAtMs
	})
	for i := 0; i < excess && i < len(candidates); i++ {
		delete(e.tracked, candidates[i].pattern.ID)
	}
}

// Patterns returns copies of the active patterns, best first.
func (e *Engine) Patterns() []datatypes.ResonancePattern {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]datatypes.ResonancePattern, 0, len(e.active))
	for _, id := range e.active {
		if tp := e.tracked[id]; tp != nil {
			out = append(out, tp.pattern.Clone())
		}
	}
	return out
}

// Threshold returns the current discovery threshold.
func (e *Engine) Threshold() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.threshold
}

// Summary returns a snapshot of engine state.
func (e *Engine) Summary() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.summaryLocked()
}

func (e *Engine) summaryLocked() Summary {
	return Summary{
		TrackedPatterns:   len(e.tracked),
		ActivePatterns:    len(e.active),
		ScanCycles:        e.scanCycles,
		EvolutionCycles:   e.evolutions,
		Threshold:         e.threshold,
		BufferUtilization: e.buffer.Utilization(),
		BufferLen:         e.buffer.Len(),
	}
}

func (e *Engine) notify(n Notification) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(n)
}

// =============================================================================
// Helpers
// =============================================================================

// ranksAbove orders by confidence, then frequency, then id for stability.
func ranksAbove(a, b datatypes.ResonancePattern) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.FrequencyCount != b.FrequencyCount {
		return a.FrequencyCount > b.FrequencyCount
	}
	return a.ID < b.ID
}

// windowCount is how often one window signature recurs, with the first
// window that produced it.
type windowCount struct {
	n      int
	window []datatypes.EventSignature
}

// countWindows slides a window of size w over sigs and counts identical
// window signatures.
func countWindows(sigs []datatypes.EventSignature, w int) (map[string]*windowCount, int) {
	total := len(sigs) - w + 1
	if total <= 0 {
		return nil, 0
	}

	keys := make([]string, len(sigs))
	for i, s := range sigs {
		keys[i] = s.Key()
	}

	counts := make(map[string]*windowCount)
	for i := 0; i < total; i++ {
		signature := strings.Join(keys[i:i+w], windowSeparator)
		wc, ok := counts[signature]
		if !ok {
			wc = &windowCount{window: sigs[i : i+w : i+w]}
			counts[signature] = wc
		}
		wc.n++
	}
	return counts, total
}

// patternID is a deterministic hash of the window signature.
func patternID(signature string) string {
	sum := blake3.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:16])
}

// windowKinds collects the event types of a window.
func windowKinds(window []datatypes.EventSignature) map[string]struct{} {
	kinds := make(map[string]struct{}, len(window))
	for _, sig := range window {
		kinds[sig.Type] = struct{}{}
	}
	return kinds
}

// adaptationHints derives optimization hints from how strongly a window
// recurs and which kind dominates it.
func adaptationHints(signature string, confidence float64) []string {
	counts := make(map[string]int)
	keys := strings.Split(signature, windowSeparator)
	for _, key := range keys {
		if kind, _, ok := strings.Cut(key, ":"); ok {
			counts[kind]++
		}
	}
	dominant := ""
	for kind, n := range counts {
		if n*2 >= len(keys) && (dominant == "" || n > counts[dominant] || (n == counts[dominant] && kind < dominant)) {
			dominant = kind
		}
	}

	hints := []string{"cache:signature"}
	target := "sequence"
	if dominant != "" {
		target = dominant
	}
	if confidence >= 0.3 {
		hints = append(hints, "prefetch:"+target)
	}
	if confidence >= 0.5 {
		hints = append(hints, "coalesce:"+target)
	}
	return hints
}
