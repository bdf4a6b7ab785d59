package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmdmdm-nz/connwatch/pkg/connectivity"
)

// mockSubscription is a test double for Subscription
type mockSubscription struct {
	events chan connectivity.Event
	err    error

	mu     sync.Mutex
	closed bool
}

func (s *mockSubscription) Next(ctx context.Context) (connectivity.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return connectivity.Event{}, s.err
		}
		return ev, nil
	case <-ctx.Done():
		return connectivity.Event{}, ctx.Err()
	}
}

func (s *mockSubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *mockSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mockMonitor is a test double for Monitor
type mockMonitor struct {
	current connectivity.Event
	subs    chan *mockSubscription
}

func newMockMonitor(current connectivity.Event) *mockMonitor {
	return &mockMonitor{current: current, subs: make(chan *mockSubscription, 4)}
}

func (m *mockMonitor) Current() connectivity.Event { return m.current }

func (m *mockMonitor) Subscribe() Subscription {
	sub := &mockSubscription{events: make(chan connectivity.Event, 8)}
	sub.events <- m.current
	m.subs <- sub
	return sub
}

func (m *mockMonitor) waitSubscription(t *testing.T) *mockSubscription {
	t.Helper()
	select {
	case sub := <-m.subs:
		return sub
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subscription")
		return nil
	}
}

func available(seq uint64) connectivity.Event {
	return connectivity.Event{
		State:        connectivity.Available,
		Connectivity: connectivity.IPv4,
		At:           time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Seq:          seq,
	}
}

func newTestServer(t *testing.T, m Monitor, gatherer prometheus.Gatherer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewService("127.0.0.1", 0, m, gatherer).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/connectivity", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) (connectivity.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var ev connectivity.Event
	err := wsjson.Read(ctx, c, &ev)
	return ev, err
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newMockMonitor(connectivity.Event{}), nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/health", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGetConnectivity(t *testing.T) {
	srv := newTestServer(t, newMockMonitor(available(3)), nil)

	resp, err := http.Get(srv.URL + "/connectivity")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "available", body["state"])
	assert.Equal(t, "ipv4", body["connectivity"])
	assert.Equal(t, float64(3), body["seq"])
}

func TestGetConnectivity_MethodNotAllowed(t *testing.T) {
	s := NewService("127.0.0.1", 0, newMockMonitor(connectivity.Event{}), nil)

	req := httptest.NewRequest(http.MethodDelete, "/connectivity", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "connwatch_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := newTestServer(t, newMockMonitor(connectivity.Event{}), reg)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	noMetrics := newTestServer(t, newMockMonitor(connectivity.Event{}), nil)
	resp2, err := http.Get(noMetrics.URL + "/metrics")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestStreamConnectivity_SnapshotThenTransitions(t *testing.T) {
	m := newMockMonitor(connectivity.Event{})
	srv := newTestServer(t, m, nil)
	c := dial(t, srv)
	sub := m.waitSubscription(t)

	ev, err := readEvent(t, c)
	require.NoError(t, err)
	assert.Equal(t, connectivity.Unavailable, ev.State)

	sub.events <- available(1)
	ev, err = readEvent(t, c)
	require.NoError(t, err)
	assert.Equal(t, available(1), ev)
}

func TestStreamConnectivity_EngineStoppedClosesNormally(t *testing.T) {
	m := newMockMonitor(available(1))
	srv := newTestServer(t, m, nil)
	c := dial(t, srv)
	sub := m.waitSubscription(t)

	_, err := readEvent(t, c)
	require.NoError(t, err)

	sub.err = connectivity.ErrEngineStopped
	close(sub.events)

	_, err = readEvent(t, c)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	assert.Eventually(t, sub.isClosed, time.Second, 10*time.Millisecond)
}

func TestStreamConnectivity_LaggedClosesWithPolicyViolation(t *testing.T) {
	m := newMockMonitor(available(1))
	srv := newTestServer(t, m, nil)
	c := dial(t, srv)
	sub := m.waitSubscription(t)

	_, err := readEvent(t, c)
	require.NoError(t, err)

	sub.err = connectivity.ErrSubscriberLagged
	close(sub.events)

	_, err = readEvent(t, c)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestStreamConnectivity_ClientCloseUnsubscribes(t *testing.T) {
	m := newMockMonitor(available(1))
	srv := newTestServer(t, m, nil)
	c := dial(t, srv)
	sub := m.waitSubscription(t)

	_, err := readEvent(t, c)
	require.NoError(t, err)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, sub.isClosed, time.Second, 10*time.Millisecond)
}

func TestServiceCloseBeforeStart(t *testing.T) {
	s := NewService("127.0.0.1", 0, newMockMonitor(connectivity.Event{}), nil)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Start(context.Background()))
}
