package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// RadioAdapter drives the host radio through tinygo.org/x/bluetooth. On
// Linux addresses are MACs; on macOS they are CoreBluetooth UUIDs.
type RadioAdapter struct {
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	connections map[string]*radioConnection // keyed by upper-cased address
}

// NewRadioAdapter returns an adapter over the default host radio.
func NewRadioAdapter() *RadioAdapter {
	return &RadioAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*radioConnection),
	}
}

func addressKey(address string) string {
	return strings.ToUpper(address)
}

// Enable powers on the radio and routes peer disconnects to the matching
// connection.
func (a *RadioAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}

		key := addressKey(device.Address.String())

		a.mu.Lock()
		conn, ok := a.connections[key]
		delete(a.connections, key)
		a.mu.Unlock()

		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

// Scan collects advertisers until ctx is done.
func (a *RadioAdapter) Scan(ctx context.Context, serviceUUID string) ([]PeripheralIdentity, error) {
	var (
		filter    bluetooth.UUID
		hasFilter bool
	)

	if serviceUUID != "" {
		u, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter, hasFilter = u, true
	}

	session := NewScanSession()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if hasFilter && !result.HasServiceUUID(filter) {
			return
		}
		session.Observe(result.Address.String(), result.LocalName(), int(result.RSSI))
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	return session.Results(), nil
}

// Connect dials address. tinygo's Connect cannot be cancelled; on ctx expiry
// a late success is disconnected in the background.
func (a *RadioAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	type result struct {
		device bluetooth.Device
		err    error
	}

	ch := make(chan result, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, r.err)
		}

		conn := &radioConnection{device: r.device}

		a.mu.Lock()
		a.connections[addressKey(address)] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

var _ Adapter = (*RadioAdapter)(nil)

type radioConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *radioConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	chrUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chrUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &radioCharacteristic{char: chars[0]}, nil
}

func (c *radioConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *radioConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

func (c *radioConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

type radioCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *radioCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *radioCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}
