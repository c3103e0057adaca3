// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// ErrBusClosed is returned by a closed bus.
var ErrBusClosed = errors.New("bus closed")

// channelPrefix scopes bus channels to one tenant.
const channelPrefix = "relay:tenant:"

// TenantChannel returns the bus channel for tenantID.
func TenantChannel(tenantID string) string {
	return channelPrefix + tenantID
}

// Message is what travels on the cross-process bus.
type Message struct {
	// Origin is the publishing instance. Instances drop their own messages.
	Origin string `json:"origin"`

	TenantID         string                  `json:"tenant_id"`
	ExcludeSessionID string                  `json:"exclude_session_id,omitempty"`
	Envelope         datatypes.EventEnvelope `json:"envelope"`
}

// Handler receives bus messages for one channel.
type Handler func(msg Message)

// Subscription is a live channel subscription.
type Subscription interface {
	Close() error
}

// Bus is a cross-process publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, channel string, msg Message) error
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Close() error
}

// =============================================================================
// In-memory bus
// =============================================================================

// MemoryBus delivers synchronously within one process. Several routers
// sharing one MemoryBus behave like several instances sharing Redis.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	handler Handler
	once    sync.Once
}

// Publish calls every handler subscribed to channel.
func (b *MemoryBus) Publish(_ context.Context, channel string, msg Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]Handler, 0, len(b.subs[channel]))
	for sub := range b.subs[channel] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Subscribe registers h on channel.
func (b *MemoryBus) Subscribe(_ context.Context, channel string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub := &memorySub{bus: b, channel: channel, handler: h}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*memorySub]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the subscription count for channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close drops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if set, ok := s.bus.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
	})
	return nil
}
