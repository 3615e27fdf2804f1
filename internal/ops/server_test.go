package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/scalelink/internal/diagnostics"
	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/monitor"
	"github.com/chaz8081/scalelink/internal/recovery"
	"github.com/chaz8081/scalelink/internal/supervisor"
)

type fakeController struct {
	mu         sync.Mutex
	ready      bool
	connected  bool
	name       string
	weight     float64
	cmdErr     error
	restartErr error
	connects   []ConnectRequest
	disconnect int
	tares      int
	restarts   int
}

func (c *fakeController) IsReady() bool               { return c.ready }
func (c *fakeController) IsConnected() bool           { return c.connected }
func (c *fakeController) IsConnecting() bool          { return false }
func (c *fakeController) ConnectedDeviceName() string { return c.name }
func (c *fakeController) CurrentWeight() float64      { return c.weight }
func (c *fakeController) IsWeightStable() bool        { return c.connected }
func (c *fakeController) ConnectionStatus() string    { return "Connected to " + c.name }
func (c *fakeController) DetailedStatus() string      { return "BLE Service: Running\n" }
func (c *fakeController) DiagnosticInfo() string {
	return "=== BLE Connection Manager Diagnostics ===\n"
}

func (c *fakeController) ConnectToDevice(address, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmdErr != nil {
		return c.cmdErr
	}
	c.connects = append(c.connects, ConnectRequest{Address: address, Name: name})
	return nil
}

func (c *fakeController) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmdErr != nil {
		return c.cmdErr
	}
	c.disconnect++
	return nil
}

func (c *fakeController) Tare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmdErr != nil {
		return c.cmdErr
	}
	c.tares++
	return nil
}

func (c *fakeController) RestartService() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restartErr != nil {
		return c.restartErr
	}
	c.restarts++
	return nil
}

type fakeDevices struct {
	expected  []string
	cancelled int
	cleared   int
}

func (d *fakeDevices) Expect(address, _ string) {
	d.expected = append(d.expected, address)
}

func (d *fakeDevices) CancelExpected() { d.cancelled++ }

func (d *fakeDevices) Clear() error {
	d.cleared++
	return nil
}

type reporterFunc func(context.Context) diagnostics.Report

func (f reporterFunc) Generate(ctx context.Context) diagnostics.Report { return f(ctx) }

type fixedRecovery recovery.Status

func (f fixedRecovery) Status() recovery.Status { return recovery.Status(f) }

type fixedHealth monitor.HealthReport

func (f fixedHealth) Report() monitor.HealthReport { return monitor.HealthReport(f) }

func newTestServer(ctl *fakeController, devices *fakeDevices) (*Server, *Hub) {
	hub := NewHub(logger.NewTestLogger())
	deps := Deps{
		Controller: ctl,
		Diagnostics: reporterFunc(func(context.Context) diagnostics.Report {
			return diagnostics.Assess(diagnostics.Inputs{
				ServiceRunning: true,
				ManagerReady:   true,
				Health:         monitor.HealthReport{Healthy: true},
			})
		}),
		Health: fixedHealth(monitor.HealthReport{ConnectionAttempts: 3, Healthy: true}),
		Recovery: fixedRecovery(recovery.Status{
			ConsecutiveErrors: 2,
			CurrentStrategy:   recovery.DelayedRetry,
			Health:            recovery.MinorIssues,
		}),
		Hub: hub,
	}
	if devices != nil {
		deps.Devices = devices
	}
	return NewServer(deps, logger.NewTestLogger()), hub
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	ctl := &fakeController{}
	srv, _ := newTestServer(ctl, nil)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/healthz", "").Code)

	ctl.ready = true
	rec := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestStatus(t *testing.T) {
	ctl := &fakeController{ready: true, connected: true, name: "Bench", weight: 4.5}
	srv, _ := newTestServer(ctl, nil)

	rec := do(t, srv, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Ready)
	assert.True(t, resp.Connected)
	assert.Equal(t, "Connected to Bench", resp.Status)
	assert.Equal(t, "Bench", resp.DeviceName)
	assert.Equal(t, 4.5, resp.Weight)
	require.NotNil(t, resp.Recovery)
	assert.Equal(t, 2, resp.Recovery.ConsecutiveErrors)
	assert.Equal(t, "DELAYED_RETRY", resp.Recovery.Strategy)
	assert.Equal(t, "MINOR_ISSUES", resp.Recovery.Health)
}

func TestTextReports(t *testing.T) {
	srv, _ := newTestServer(&fakeController{ready: true}, nil)

	tests := []struct {
		path string
		want string
	}{
		{"/status/detailed", "BLE Service: Running"},
		{"/diagnostics/manager", "=== BLE Connection Manager Diagnostics ==="},
		{"/diagnostics", "Overall Health: EXCELLENT"},
		{"/health", "- Attempts: 3"},
		{"/recovery", "Consecutive Errors: 2"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, srv, http.MethodGet, tt.path, "")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestDiagnosticsJSON(t *testing.T) {
	srv, _ := newTestServer(&fakeController{ready: true}, nil)

	rec := do(t, srv, http.MethodGet, "/diagnostics?format=json", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Score   int    `json:"score"`
		Overall string `json:"overall"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "EXCELLENT", body.Overall)
	assert.Equal(t, 100, body.Score)
}

func TestOptionalReportsMissing(t *testing.T) {
	srv := NewServer(Deps{Controller: &fakeController{}}, logger.NewTestLogger())

	for _, path := range []string{"/diagnostics", "/health", "/recovery", "/events"} {
		assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, path, "").Code, path)
	}

	rec := do(t, srv, http.MethodGet, "/status", "")
	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Nil(t, resp.Recovery)
}

func TestConnect(t *testing.T) {
	ctl := &fakeController{ready: true}
	devices := &fakeDevices{}
	srv, _ := newTestServer(ctl, devices)

	rec := do(t, srv, http.MethodPost, "/connect", `{"address":"AA:BB","name":"Bench"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []ConnectRequest{{Address: "AA:BB", Name: "Bench"}}, ctl.connects)
	assert.Equal(t, []string{"AA:BB"}, devices.expected)
	assert.Zero(t, devices.cancelled)
}

func TestConnectBadRequests(t *testing.T) {
	ctl := &fakeController{ready: true}
	srv, _ := newTestServer(ctl, &fakeDevices{})

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/connect", "{").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/connect", `{"name":"x"}`).Code)
	assert.Empty(t, ctl.connects)
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not ready", supervisor.ErrNotReady, http.StatusServiceUnavailable},
		{"transport failure", errors.New("supervisor: tare: boom"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices := &fakeDevices{}
			srv, _ := newTestServer(&fakeController{cmdErr: tt.err}, devices)

			assert.Equal(t, tt.want, do(t, srv, http.MethodPost, "/tare", "").Code)
			assert.Equal(t, tt.want, do(t, srv, http.MethodPost, "/disconnect", "").Code)
			assert.Equal(t, tt.want, do(t, srv, http.MethodPost, "/connect", `{"address":"AA"}`).Code)
			assert.Equal(t, 1, devices.cancelled, "failed connect withdraws the request")
			assert.Zero(t, devices.cleared)
		})
	}
}

func TestDisconnectClearsSavedDevice(t *testing.T) {
	ctl := &fakeController{ready: true}
	devices := &fakeDevices{}
	srv, _ := newTestServer(ctl, devices)

	assert.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/disconnect", "").Code)
	assert.Equal(t, 1, ctl.disconnect)
	assert.Equal(t, 1, devices.cleared)
}

func TestTare(t *testing.T) {
	ctl := &fakeController{ready: true}
	srv, _ := newTestServer(ctl, nil)

	assert.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/tare", "").Code)
	assert.Equal(t, 1, ctl.tares)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodGet, "/tare", "").Code)
}

func TestRestart(t *testing.T) {
	ctl := &fakeController{ready: true}
	srv, _ := newTestServer(ctl, nil)

	assert.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/restart", "").Code)
	assert.Equal(t, 1, ctl.restarts)

	ctl.restartErr = supervisor.ErrRestartInFlight
	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/restart", "").Code)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEventsStream(t *testing.T) {
	srv, hub := newTestServer(&fakeController{ready: true}, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEvent(t, conn)
	assert.Equal(t, EventHello, hello.Type)
	assert.NotEmpty(t, hello.Observer)
	assert.Equal(t, 1, hub.Count())

	hub.OnManagerReady()
	hub.OnConnectionStateChanged(true, "Bench")
	hub.OnWeightReceived(2.5, true)
	hub.OnError("Connection timeout")
	hub.OnStatusChanged("Scale tared (zeroed)")

	assert.Equal(t, EventManagerReady, readEvent(t, conn).Type)

	ev := readEvent(t, conn)
	assert.Equal(t, EventConnection, ev.Type)
	assert.True(t, ev.Connected)
	assert.Equal(t, "Bench", ev.DeviceName)

	ev = readEvent(t, conn)
	assert.Equal(t, EventWeight, ev.Type)
	assert.Equal(t, 2.5, ev.Weight)

	ev = readEvent(t, conn)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "Connection timeout", ev.Message)

	ev = readEvent(t, conn)
	assert.Equal(t, EventStatus, ev.Type)
	assert.False(t, ev.Time.IsZero())
}

func TestEventsObserverLeaves(t *testing.T) {
	srv, hub := newTestServer(&fakeController{}, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	readEvent(t, conn)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Broadcasting with nobody attached is harmless.
	hub.OnManagerDisconnected()
}

func TestHubCloseDisconnectsObservers(t *testing.T) {
	srv, hub := newTestServer(&fakeController{}, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readEvent(t, conn)

	hub.Close()
	assert.Equal(t, 0, hub.Count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestSlowObserverIsDropped(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	o := &observer{send: make(chan []byte, 1)}
	hub.observers[o.id] = o

	hub.OnStatusChanged("one")
	assert.Equal(t, 1, hub.Count())

	hub.OnStatusChanged("two")
	assert.Equal(t, 0, hub.Count())

	// Enqueueing after detach must not panic on the closed channel.
	hub.enqueue(o, Event{Type: EventStatus})
}
