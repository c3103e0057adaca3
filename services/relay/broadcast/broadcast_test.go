// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureTransport struct {
	mu     sync.Mutex
	events []datatypes.EventEnvelope
}

func (c *captureTransport) Kind() datatypes.TransportKind { return datatypes.TransportBidirectional }
func (c *captureTransport) WriteHeartbeat() error         { return nil }
func (c *captureTransport) Close() error                  { return nil }

func (c *captureTransport) WriteEvent(env datatypes.EventEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, env)
	return nil
}

func (c *captureTransport) received() []datatypes.EventEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datatypes.EventEnvelope(nil), c.events...)
}

type countingPersister struct {
	mu    sync.Mutex
	calls map[string]int
}

func (p *countingPersister) Persist(tenantID string, _ datatypes.EventEnvelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[tenantID]++
}

func (p *countingPersister) count(tenantID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[tenantID]
}

var tenantT1 = datatypes.TenantContext{TenantID: "T1", WorkspaceID: "W1"}

func open(t *testing.T, reg *sessions.Registry, tenant datatypes.TenantContext) (*sessions.Session, *captureTransport) {
	t.Helper()
	ct := &captureTransport{}
	s, err := reg.Open(tenant, ct)
	require.NoError(t, err)
	return s, ct
}

func TestRouter_EndToEndExcludesOriginator(t *testing.T) {
	reg := sessions.NewRegistry(sessions.Config{})
	persister := &countingPersister{}
	router := NewRouter(reg, NewMemoryBus(), WithPersister(persister))
	defer router.Close()

	s1, c1 := open(t, reg, tenantT1)
	_, c2 := open(t, reg, tenantT1)

	env := datatypes.NewEnvelope(datatypes.KindToolCallEnd, tenantT1, map[string]any{"tool": "x"})
	n, err := router.Publish(context.Background(), "T1", env, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool { return len(c2.received()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "x", c2.received()[0].Payload["tool"])
	assert.Empty(t, c1.received())
	assert.Equal(t, 1, persister.count("T1"))
}

func TestRouter_TenantIsolation(t *testing.T) {
	reg := sessions.NewRegistry(sessions.Config{})
	router := NewRouter(reg, nil)

	_, a := open(t, reg, datatypes.TenantContext{TenantID: "A"})
	_, b := open(t, reg, datatypes.TenantContext{TenantID: "B"})

	env := datatypes.NewEnvelope(datatypes.KindNotification, datatypes.TenantContext{TenantID: "A"}, nil)
	_, err := router.Publish(context.Background(), "A", env, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(a.received()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, b.received())

	_, err = router.Publish(context.Background(), "B", env, "")
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestRouter_PreservesOrderPerSession(t *testing.T) {
	reg := sessions.NewRegistry(sessions.Config{})
	router := NewRouter(reg, nil)

	var captures []*captureTransport
	for i := 0; i < 3; i++ {
		_, c := open(t, reg, tenantT1)
		captures = append(captures, c)
	}

	const total = 50
	for i := 0; i < total; i++ {
		_, err := router.Publish(context.Background(), "T1", datatypes.NewEnvelope(datatypes.KindAgentStatus, tenantT1, map[string]any{"seq": i}), "")
		require.NoError(t, err)
	}

	for _, c := range captures {
		require.Eventually(t, func() bool { return len(c.received()) == total }, time.Second, time.Millisecond)
		for i, env := range c.received() {
			assert.Equal(t, i, env.Payload["seq"], "exactly once, in publish order")
		}
	}
}

func TestRouter_NonDurableKindsAreNotPersisted(t *testing.T) {
	reg := sessions.NewRegistry(sessions.Config{})
	persister := &countingPersister{}
	router := NewRouter(reg, nil, WithPersister(persister))

	_, err := router.Publish(context.Background(), "T1", datatypes.NewEnvelope(datatypes.KindBatch, tenantT1, nil), "")
	require.NoError(t, err)
	assert.Equal(t, 0, persister.count("T1"))
}

func TestRouter_CrossInstanceDelivery(t *testing.T) {
	bus := NewMemoryBus()

	regA := sessions.NewRegistry(sessions.Config{})
	persistA := &countingPersister{}
	routerA := NewRouter(regA, bus, WithInstanceID("A"), WithPersister(persistA))

	regB := sessions.NewRegistry(sessions.Config{})
	persistB := &countingPersister{}
	routerB := NewRouter(regB, bus, WithInstanceID("B"), WithPersister(persistB))

	origin, onA := open(t, regA, tenantT1)
	_, otherOnA := open(t, regA, tenantT1)
	_, onB := open(t, regB, tenantT1)

	env := datatypes.NewEnvelope(datatypes.KindWorkflowUpdate, tenantT1, map[string]any{"step": 1})
	_, err := routerA.Publish(context.Background(), "T1", env, origin.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(onB.received()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(otherOnA.received()) == 1 }, time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, onA.received(), "excluded originator")
	assert.Len(t, otherOnA.received(), 1, "own bus echo is ignored")
	assert.Len(t, onB.received(), 1, "remote instance never republishes")
	assert.Equal(t, 1, persistA.count("T1"))
	assert.Equal(t, 0, persistB.count("T1"), "only the origin persists")

	require.NoError(t, routerB.Close())
}

func TestRouter_SubscriptionFollowsSessions(t *testing.T) {
	bus := NewMemoryBus()
	reg := sessions.NewRegistry(sessions.Config{})
	router := NewRouter(reg, bus)

	assert.False(t, router.Subscribed("T1"))

	s1, _ := open(t, reg, tenantT1)
	s2, _ := open(t, reg, tenantT1)
	assert.True(t, router.Subscribed("T1"))
	assert.Equal(t, 1, bus.Subscribers(TenantChannel("T1")), "one subscription per tenant")

	reg.Unregister(s1.ID)
	assert.True(t, router.Subscribed("T1"))

	reg.Unregister(s2.ID)
	assert.False(t, router.Subscribed("T1"))
	assert.Equal(t, 0, bus.Subscribers(TenantChannel("T1")))

	require.NoError(t, router.Close())
	_, err := bus.Subscribe(context.Background(), "x", func(Message) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestTenantChannel(t *testing.T) {
	assert.Equal(t, "relay:tenant:acme", TenantChannel("acme"))
}
