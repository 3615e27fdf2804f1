package scale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/scalelink/internal/ble"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	subErr   error
	writeErr error
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return c.subErr
	}
	c.callback = cb
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) wrote(b byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.writes {
		if len(w) == 1 && w[0] == b {
			return true
		}
	}
	return false
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	mu           sync.Mutex
	weightChar   *mockCharacteristic
	noWeightChar bool
	disconnectCb func()
	disconnected bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{weightChar: &mockCharacteristic{}}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noWeightChar || serviceUUID != ble.WeightServiceUUID || charUUID != ble.WeightCharUUID {
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
	return c.weightChar, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// mockAdapter simulates the BLE radio. Connect hands out prepared
// connections in order, or fresh ones once they run out.
type mockAdapter struct {
	mu         sync.Mutex
	enableErr  error
	connectErr error
	// hang makes Connect block until ctx is done.
	hang      bool
	prepared  []*mockConnection
	conns     []*mockConnection
	addresses []string
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{}
}

func (a *mockAdapter) Enable() error { return a.enableErr }

func (a *mockAdapter) Scan(context.Context, string) ([]ble.PeripheralIdentity, error) {
	return nil, nil
}

func (a *mockAdapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	a.mu.Lock()
	a.addresses = append(a.addresses, address)
	hang := a.hang
	err := a.connectErr
	a.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, fmt.Errorf("mock: connect: %w", ctx.Err())
	}
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var conn *mockConnection
	if len(a.prepared) > 0 {
		conn, a.prepared = a.prepared[0], a.prepared[1:]
	} else {
		conn = newMockConnection()
	}
	a.conns = append(a.conns, conn)
	return conn, nil
}

func (a *mockAdapter) connectCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.addresses)
}

func (a *mockAdapter) latest() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

func (a *mockAdapter) setConnectErr(err error) {
	a.mu.Lock()
	a.connectErr = err
	a.mu.Unlock()
}

// mockPower is a settable power probe that also supports watching.
type mockPower struct {
	mu      sync.Mutex
	powered bool
	err     error
	watch   func(bool)
}

func (p *mockPower) Powered(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.powered, p.err
}

func (p *mockPower) WatchPower(_ context.Context, fn func(bool)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watch = fn
	return nil
}

func (p *mockPower) set(powered bool) {
	p.mu.Lock()
	p.powered = powered
	fn := p.watch
	p.mu.Unlock()
	if fn != nil {
		fn(powered)
	}
}

// recorder captures every event from the service.
type recorder struct {
	mu       sync.Mutex
	states   []stateEvent
	weights  []float64
	errors   []string
	statuses []string
}

type stateEvent struct {
	connected bool
	name      string
}

func (r *recorder) OnConnectionStateChanged(connected bool, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, stateEvent{connected, name})
}

func (r *recorder) OnWeightReceived(w float64, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.weights = append(r.weights, w)
}

func (r *recorder) OnError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func (r *recorder) OnStatusChanged(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recorder) hasError(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.errors {
		if e == msg {
			return true
		}
	}
	return false
}

func (r *recorder) hasStatus(status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (r *recorder) errorCount(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.errors {
		if e == msg {
			n++
		}
	}
	return n
}

func (r *recorder) lastState() (stateEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return stateEvent{}, false
	}
	return r.states[len(r.states)-1], true
}

func (r *recorder) weightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.weights)
}

// countingObserver counts Observer calls.
type countingObserver struct {
	mu         sync.Mutex
	starts     int
	successes  int
	reconnects int
	bytes      int
}

func (o *countingObserver) RecordConnectionStart() {
	o.mu.Lock()
	o.starts++
	o.mu.Unlock()
}

func (o *countingObserver) RecordConnectionSuccess() {
	o.mu.Lock()
	o.successes++
	o.mu.Unlock()
}

func (o *countingObserver) RecordReconnection() {
	o.mu.Lock()
	o.reconnects++
	o.mu.Unlock()
}

func (o *countingObserver) RecordDataReceived(n int) {
	o.mu.Lock()
	o.bytes += n
	o.mu.Unlock()
}

func (o *countingObserver) snapshot() (starts, successes, reconnects, bytes int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.starts, o.successes, o.reconnects, o.bytes
}

var errRadio = errors.New("radio refused")

// eventually polls cond until it holds or the deadline passes.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
