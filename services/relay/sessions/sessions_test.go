// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sessions

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records writes. block, when set, stalls every write
// until released.
type fakeTransport struct {
	kind datatypes.TransportKind

	mu         sync.Mutex
	events     []datatypes.EventEnvelope
	heartbeats int
	closed     bool
	failWrites bool
	block      chan struct{}
}

func newFake(kind datatypes.TransportKind) *fakeTransport {
	return &fakeTransport{kind: kind}
}

func (f *fakeTransport) Kind() datatypes.TransportKind { return f.kind }

func (f *fakeTransport) WriteEvent(env datatypes.EventEnvelope) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.events = append(f.events, env)
	return nil
}

func (f *fakeTransport) WriteHeartbeat() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) written() []datatypes.EventEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datatypes.EventEnvelope(nil), f.events...)
}

func (f *fakeTransport) beats() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

type countingListener struct {
	calls atomic.Int32
}

func (l *countingListener) TenantChanged(string) { l.calls.Add(1) }

var t1 = datatypes.TenantContext{TenantID: "T1"}

func TestRegistry_OpenAndUnregister(t *testing.T) {
	listener := &countingListener{}
	r := NewRegistry(Config{}, WithTenantListener(listener))

	s1, err := r.Open(t1, newFake(datatypes.TransportPushStream))
	require.NoError(t, err)
	s2, err := r.Open(t1, newFake(datatypes.TransportBidirectional))
	require.NoError(t, err)

	assert.Equal(t, 2, r.TenantCount("T1"))
	assert.Equal(t, 2, r.Len())
	got, ok := r.Get(s1.ID)
	require.True(t, ok)
	assert.Same(t, s1, got)

	assert.True(t, r.Unregister(s1.ID))
	assert.False(t, r.Unregister(s1.ID))
	_, ok = r.Get(s1.ID)
	assert.False(t, ok, "removed before Unregister returns")
	assert.Equal(t, StateClosed, s1.State())
	assert.True(t, r.HasTenant("T1"))

	s2.Close(ReasonClient)
	assert.False(t, r.HasTenant("T1"), "no empty tenant set left behind")
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int32(4), listener.calls.Load())
}

func TestRegistry_RejectsInvalidTenant(t *testing.T) {
	r := NewRegistry(Config{})
	_, err := r.Open(datatypes.TenantContext{}, newFake(datatypes.TransportPushStream))
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestSession_DeliversInOrderAndActivates(t *testing.T) {
	r := NewRegistry(Config{})
	ft := newFake(datatypes.TransportBidirectional)
	s, err := r.Open(t1, ft)
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, s.State())

	for i := 0; i < 20; i++ {
		env := datatypes.NewEnvelope(datatypes.KindNotification, t1, map[string]any{"n": i})
		require.NoError(t, s.Send(env))
	}

	require.Eventually(t, func() bool { return len(ft.written()) == 20 }, time.Second, time.Millisecond)
	for i, env := range ft.written() {
		assert.Equal(t, i, env.Payload["n"])
	}
	assert.Equal(t, StateActive, s.State())

	s.Close(ReasonClient)
	s.Wait()
	assert.ErrorIs(t, s.Send(datatypes.NewEnvelope(datatypes.KindNotification, t1, nil)), ErrSessionClosed)
	assert.Equal(t, ReasonClient, s.CloseReason())
}

func TestSession_WriteErrorCloses(t *testing.T) {
	r := NewRegistry(Config{})
	ft := newFake(datatypes.TransportBidirectional)
	ft.failWrites = true
	s, err := r.Open(t1, ft)
	require.NoError(t, err)

	require.NoError(t, s.Send(datatypes.NewEnvelope(datatypes.KindConnected, t1, nil)))
	s.Wait()

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, ReasonWriteError, s.CloseReason())
	assert.Equal(t, 0, r.Len())
}

func TestSession_SlowConsumerIsClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	r := NewRegistry(Config{QueueDepth: 2}, WithMetrics(m))

	ft := newFake(datatypes.TransportBidirectional)
	ft.block = make(chan struct{})
	s, err := r.Open(t1, ft)
	require.NoError(t, err)

	var sendErr error
	for i := 0; i < 10 && sendErr == nil; i++ {
		sendErr = s.Send(datatypes.NewEnvelope(datatypes.KindNotification, t1, nil))
	}
	assert.ErrorIs(t, sendErr, ErrQueueFull)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, ReasonSlow, s.CloseReason())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ForcedCloses.WithLabelValues(ReasonSlow)))

	close(ft.block)
	s.Wait()
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_HeartbeatsAndIdleClose(t *testing.T) {
	var nowNanos atomic.Int64
	nowNanos.Store(time.Unix(1_700_000_000, 0).UnixNano())
	clock := func() time.Time { return time.Unix(0, nowNanos.Load()) }

	r := NewRegistry(Config{HeartbeatInterval: 30 * time.Second}, WithClock(clock))
	push := newFake(datatypes.TransportPushStream)
	ws := newFake(datatypes.TransportBidirectional)
	sp, err := r.Open(t1, push)
	require.NoError(t, err)
	sw, err := r.Open(t1, ws)
	require.NoError(t, err)

	r.Beat()
	require.Eventually(t, func() bool { return push.beats() == 1 && ws.beats() == 1 }, time.Second, time.Millisecond)

	// 45s later: push-stream liveness was refreshed by its successful
	// heartbeat write at the old clock; the websocket never answered.
	nowNanos.Add(int64(45 * time.Second))
	sp.Touch()
	r.Beat()
	assert.Equal(t, StateActive, sp.State())
	assert.Equal(t, StateActive, sw.State(), "45s is inside 2x interval")

	nowNanos.Add(int64(30 * time.Second))
	sp.Touch()
	r.Beat()
	assert.Equal(t, StateClosed, sw.State())
	assert.Equal(t, ReasonIdle, sw.CloseReason())
	assert.NotEqual(t, StateClosed, sp.State())
}

func TestRegistry_ShutdownClosesAll(t *testing.T) {
	r := NewRegistry(Config{})
	var all []*Session
	for _, tenant := range []string{"A", "B", "B"} {
		s, err := r.Open(datatypes.TenantContext{TenantID: tenant}, newFake(datatypes.TransportPushStream))
		require.NoError(t, err)
		all = append(all, s)
	}
	snap := r.Snapshot()
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 2, snap.ByTenant["B"])
	assert.Equal(t, 3, snap.ByTransport["push-stream"])

	r.Shutdown()
	for _, s := range all {
		assert.Equal(t, StateClosed, s.State())
		assert.Equal(t, ReasonShutdown, s.CloseReason())
	}
	assert.Equal(t, 0, r.Len())

	_, err := r.Open(t1, newFake(datatypes.TransportPushStream))
	assert.Error(t, err)
}

func TestPushStreamTransport_Frames(t *testing.T) {
	rec := httptest.NewRecorder()
	tr, err := NewPushStreamTransport(rec, 0)
	require.NoError(t, err)

	env := datatypes.EventEnvelope{ID: "evt-1", Kind: datatypes.KindToolCallEnd, Version: 1, Tenant: t1}
	require.NoError(t, tr.WriteEvent(env))
	require.NoError(t, tr.WriteHeartbeat())

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "id: evt-1\nevent: tool_call_end\ndata: {"))
	assert.True(t, strings.HasSuffix(body, "}\n\n:heartbeat\n\n"))

	require.NoError(t, tr.Close())
	assert.Error(t, tr.WriteEvent(env))
}

// stallingWriter is a flushable ResponseWriter whose writes hang until
// released, like a client that stopped reading.
type stallingWriter struct {
	header  http.Header
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingWriter() *stallingWriter {
	return &stallingWriter{
		header:  make(http.Header),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (w *stallingWriter) Header() http.Header { return w.header }
func (w *stallingWriter) WriteHeader(int)     {}
func (w *stallingWriter) Flush()              {}

func (w *stallingWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.entered) })
	<-w.release
	return len(p), nil
}

// within fails the test if fn does not return before d elapses.
func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s blocked for more than %s", what, d)
	}
}

func TestPushStreamTransport_StalledClientDoesNotBlockRegistry(t *testing.T) {
	r := NewRegistry(Config{QueueDepth: 1})
	w := newStallingWriter()
	released := false
	defer func() {
		if !released {
			close(w.release)
		}
	}()

	tr, err := NewPushStreamTransport(w, 0)
	require.NoError(t, err)
	s, err := r.Open(t1, tr)
	require.NoError(t, err)

	env := datatypes.NewEnvelope(datatypes.KindNotification, t1, nil)
	require.NoError(t, s.Send(env))
	select {
	case <-w.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never reached the transport")
	}

	// The writer is now parked inside a write holding the transport.
	within(t, time.Second, "second send", func() {
		assert.NoError(t, s.Send(env))
	})
	within(t, time.Second, "third send", func() {
		assert.ErrorIs(t, s.Send(env), ErrQueueFull)
	})
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, ReasonSlow, s.CloseReason())
	assert.Equal(t, 0, r.Len(), "slow consumer leaves the registry")

	within(t, time.Second, "beat", r.Beat)
	within(t, time.Second, "shutdown", r.Shutdown)

	close(w.release)
	released = true
	within(t, time.Second, "writer exit", s.Wait)
	assert.ErrorIs(t, tr.WriteHeartbeat(), errTransportClosed)
}

func TestWebSocketTransport_WritesJSON(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverDone := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		tr := NewWebSocketTransport(conn, time.Second)
		_ = tr.WriteEvent(datatypes.EventEnvelope{ID: "evt-1", Kind: datatypes.KindConnected, Tenant: t1})
		_ = tr.Close()
		close(serverDone)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "connected", got["type"])
	assert.Equal(t, "evt-1", got["id"])

	<-serverDone
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
