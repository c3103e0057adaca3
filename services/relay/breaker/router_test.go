// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCaller fails while fail is set and counts calls per endpoint.
type scriptedCaller struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
	last  Call
	block chan struct{}
}

func newScriptedCaller() *scriptedCaller {
	return &scriptedCaller{fail: map[string]bool{}, calls: map[string]int{}}
}

func (c *scriptedCaller) setFail(endpoint string, fail bool) {
	c.mu.Lock()
	c.fail[endpoint] = fail
	c.mu.Unlock()
}

func (c *scriptedCaller) count(endpoint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[endpoint]
}

func (c *scriptedCaller) Do(ctx context.Context, call Call) (*Response, error) {
	c.mu.Lock()
	c.calls[call.Endpoint]++
	c.last = call
	fail := c.fail[call.Endpoint]
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, &UpstreamError{Endpoint: call.Endpoint, StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}
	}
	return &Response{StatusCode: http.StatusOK, RequestID: call.RequestID, Body: json.RawMessage(`{"ok":true}`)}, nil
}

var testTenant = datatypes.TenantContext{TenantID: "acme", WorkspaceID: "ops"}

func testEndpoints() []datatypes.ServiceEndpoint {
	return []datatypes.ServiceEndpoint{
		{Name: "crm", BaseAddress: "http://crm.internal", PriorityTier: 2},
		{Name: "erp", BaseAddress: "http://erp.internal", PriorityTier: 1},
	}
}

func newTestRouter(t *testing.T, caller Caller, clock *fakeClock, opts ...Option) *Router {
	t.Helper()
	opts = append([]Option{WithCaller(caller), WithClock(clock.Now)}, opts...)
	r, err := NewRouter(RouterConfig{Breaker: Config{FailureThreshold: 5, Cooldown: time.Minute}}, testEndpoints(), opts...)
	require.NoError(t, err)
	return r
}

func TestRouter_UnknownEndpoint(t *testing.T) {
	r := newTestRouter(t, newScriptedCaller(), newFakeClock())
	_, err := r.Route(context.Background(), "billing", Request{}, testTenant)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestRouter_EnrichesRequest(t *testing.T) {
	caller := newScriptedCaller()
	r := newTestRouter(t, caller, newFakeClock())

	body := map[string]any{"query": "open invoices"}
	resp, err := r.Route(context.Background(), "crm", Request{Path: "/search", Body: body}, testTenant)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	call := caller.last
	assert.Equal(t, "http://crm.internal/search", call.URL)
	assert.Equal(t, "acme", call.Body["tenant_id"])
	assert.Equal(t, "ops", call.Body["workspace_id"])
	assert.Equal(t, "tenant_acme_ops", call.Body["vector_namespace"])
	assert.Equal(t, "tenants/acme/workspaces/ops", call.Body["storage_path"])
	assert.Equal(t, call.RequestID, call.Body["request_id"])
	assert.Equal(t, resp.RequestID, call.RequestID)
	assert.NotContains(t, body, "tenant_id", "caller body must not be modified")
}

func TestRouter_OpensAfterFiveFailures(t *testing.T) {
	caller := newScriptedCaller()
	caller.setFail("crm", true)
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	r := newTestRouter(t, caller, newFakeClock(), WithMetrics(m))

	for i := 0; i < 5; i++ {
		_, err := r.Route(context.Background(), "crm", Request{}, testTenant)
		var upstream *UpstreamError
		require.ErrorAs(t, err, &upstream)
		assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	}

	state, _ := r.State("crm")
	assert.Equal(t, StateOpen, state)

	_, err := r.Route(context.Background(), "crm", Request{}, testTenant)
	var open *BreakerOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 5, caller.count("crm"), "open breaker must not call downstream")

	assert.Equal(t, 5.0, testutil.ToFloat64(m.RouteCalls.WithLabelValues("crm", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RouteCalls.WithLabelValues("crm", "breaker_open")))
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(m.BreakerState.WithLabelValues("crm")))
}

func TestRouter_RecoversAfterCooldown(t *testing.T) {
	caller := newScriptedCaller()
	clock := newFakeClock()
	r := newTestRouter(t, caller, clock)

	caller.setFail("crm", true)
	for i := 0; i < 5; i++ {
		_, _ = r.Route(context.Background(), "crm", Request{}, testTenant)
	}
	_, err := r.Route(context.Background(), "crm", Request{}, testTenant)
	require.ErrorIs(t, err, ErrBreakerOpen)

	clock.Advance(time.Minute)
	caller.setFail("crm", false)

	_, err = r.Route(context.Background(), "crm", Request{}, testTenant)
	require.NoError(t, err)

	snap := r.Snapshot()
	var crm EndpointStatus
	for _, s := range snap {
		if s.Name == "crm" {
			crm = s
		}
	}
	assert.Equal(t, StateClosed, crm.State)
	assert.Equal(t, 0, crm.FailureCount)
}

func TestRouter_EndpointsAreIndependent(t *testing.T) {
	caller := newScriptedCaller()
	r := newTestRouter(t, caller, newFakeClock())

	caller.setFail("crm", true)
	for i := 0; i < 5; i++ {
		_, _ = r.Route(context.Background(), "crm", Request{}, testTenant)
	}

	_, err := r.Route(context.Background(), "erp", Request{}, testTenant)
	assert.NoError(t, err)
	state, _ := r.State("erp")
	assert.Equal(t, StateClosed, state)
}

func TestRouter_CallerCancelDoesNotCount(t *testing.T) {
	caller := newScriptedCaller()
	caller.block = make(chan struct{})
	r := newTestRouter(t, caller, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Route(ctx, "crm", Request{}, testTenant)
		done <- err
	}()

	require.Eventually(t, func() bool { return caller.count("crm") == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	for _, s := range r.Snapshot() {
		assert.Equal(t, 0, s.FailureCount, s.Name)
	}
}

func TestRouter_TimeoutCountsAsFailure(t *testing.T) {
	caller := newScriptedCaller()
	caller.block = make(chan struct{})
	r := newTestRouter(t, caller, newFakeClock())

	_, err := r.Route(context.Background(), "crm", Request{Timeout: 10 * time.Millisecond}, testTenant)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, upstream.StatusCode)

	for _, s := range r.Snapshot() {
		if s.Name == "crm" {
			assert.Equal(t, 1, s.FailureCount)
		}
	}
}

func TestRouter_EmitsToolCallEvents(t *testing.T) {
	caller := newScriptedCaller()
	var (
		mu     sync.Mutex
		events []datatypes.EventEnvelope
	)
	obs := CallObserverFunc(func(env datatypes.EventEnvelope) {
		mu.Lock()
		events = append(events, env)
		mu.Unlock()
	})
	r := newTestRouter(t, caller, newFakeClock(), WithObserver(obs))

	_, err := r.Route(context.Background(), "crm", Request{}, testTenant)
	require.NoError(t, err)
	caller.setFail("crm", true)
	_, _ = r.Route(context.Background(), "crm", Request{}, testTenant)

	require.Len(t, events, 4)
	assert.Equal(t, datatypes.KindToolCallStart, events[0].Kind)
	assert.Equal(t, datatypes.KindToolCallEnd, events[1].Kind)
	assert.Equal(t, datatypes.KindToolCallStart, events[2].Kind)
	assert.Equal(t, datatypes.KindToolCallError, events[3].Kind)
	assert.Equal(t, events[0].CorrelationID, events[1].CorrelationID)
	assert.Equal(t, "acme", events[3].Tenant.TenantID)
	assert.Equal(t, http.StatusBadGateway, events[3].Payload["status_code"])
}

func TestRouter_SnapshotOrderedByTier(t *testing.T) {
	r := newTestRouter(t, newScriptedCaller(), newFakeClock())
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "erp", snap[0].Name)
	assert.Equal(t, "crm", snap[1].Name)
	assert.True(t, snap[0].Healthy)
}

func TestNewRouter_RejectsDuplicates(t *testing.T) {
	eps := append(testEndpoints(), datatypes.ServiceEndpoint{Name: "crm", BaseAddress: "http://other"})
	_, err := NewRouter(RouterConfig{}, eps)
	assert.Error(t, err)
}

func TestHTTPCaller(t *testing.T) {
	var gotHeaders http.Header
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotHeaders = req.Header.Clone()
		_ = json.NewDecoder(req.Body).Decode(&gotBody)
		switch req.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"result":42}`))
		default:
			http.Error(w, "downstream exploded", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	caller := NewHTTPCaller(srv.Client())

	resp, err := caller.Do(context.Background(), Call{
		Endpoint: "crm", URL: srv.URL + "/ok", RequestID: "req-1", TenantID: "acme",
		Body: map[string]any{"tenant_id": "acme"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":42}`, string(resp.Body))
	assert.Equal(t, "req-1", gotHeaders.Get("X-Request-ID"))
	assert.Equal(t, "acme", gotHeaders.Get("X-Tenant-ID"))
	assert.Equal(t, "acme", gotBody["tenant_id"])

	_, err = caller.Do(context.Background(), Call{Endpoint: "crm", URL: srv.URL + "/boom"})
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusInternalServerError, upstream.StatusCode)
	assert.Contains(t, upstream.Error(), "downstream exploded")
}

func TestHealthChecker_ProbeClosesBreaker(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/health" && healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	caller := newScriptedCaller()
	caller.setFail("svc", true)
	r, err := NewRouter(RouterConfig{Breaker: Config{FailureThreshold: 2, Cooldown: time.Hour}},
		[]datatypes.ServiceEndpoint{{Name: "svc", BaseAddress: srv.URL}},
		WithCaller(caller))
	require.NoError(t, err)

	_, _ = r.Route(context.Background(), "svc", Request{}, testTenant)
	_, _ = r.Route(context.Background(), "svc", Request{}, testTenant)
	state, _ := r.State("svc")
	require.Equal(t, StateOpen, state)

	hc := NewHealthChecker(r, NewHTTPCaller(srv.Client()), HealthConfig{Timeout: time.Second}, nil)

	require.NoError(t, hc.CheckNow(context.Background()))
	state, _ = r.State("svc")
	assert.Equal(t, StateOpen, state, "failed probe does not change the breaker")
	assert.False(t, r.Snapshot()[0].Healthy)
	assert.Equal(t, 2, r.Snapshot()[0].FailureCount, "failed probe is not counted")

	healthy.Store(true)
	require.NoError(t, hc.CheckNow(context.Background()))
	state, _ = r.State("svc")
	assert.Equal(t, StateClosed, state)
	assert.True(t, r.Snapshot()[0].Healthy)
	assert.Equal(t, 0, r.Snapshot()[0].FailureCount)
}

// panicProber panics on every probe.
type panicProber struct{}

func (panicProber) Probe(context.Context, string) error { panic("boom") }

func TestHealthChecker_RecoversPanics(t *testing.T) {
	r := newTestRouter(t, newScriptedCaller(), newFakeClock())
	hc := NewHealthChecker(r, panicProber{}, HealthConfig{}, nil)

	assert.NotPanics(t, func() { _ = hc.CheckNow(context.Background()) })
	for _, s := range r.Snapshot() {
		assert.False(t, s.Healthy)
	}
}

func TestHealthChecker_StartStop(t *testing.T) {
	r := newTestRouter(t, newScriptedCaller(), newFakeClock())
	hc := NewHealthChecker(r, panicProber{}, HealthConfig{Interval: 10 * time.Millisecond}, nil)

	require.NoError(t, hc.Start(context.Background()))
	assert.Error(t, hc.Start(context.Background()))
	require.Eventually(t, func() bool { return !r.Snapshot()[0].Healthy }, time.Second, 5*time.Millisecond)
	hc.Stop()
	hc.Stop()
}
