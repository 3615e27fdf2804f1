package store

import (
	"fmt"
	"math"
	"time"
)

// ConnectionStateNamespace is the namespace holding the last-connected scale.
const ConnectionStateNamespace = "ble_connection_state"

const (
	keyDeviceAddress  = "device_address"
	keyDeviceName     = "device_name"
	keyConnectionTime = "connection_time"
	keyLastWeight     = "last_weight"
	keyWeightStable   = "weight_stable"
	keyAutoReconnect  = "auto_reconnect"
)

// ConnectionState is the persisted record of the last-connected scale.
type ConnectionState struct {
	PeripheralAddress string
	PeripheralName    string
	ConnectedAt       time.Time
	LastWeight        float64
	LastWeightStable  bool
	AutoReconnect     bool
}

// Present reports whether a peripheral has been recorded.
func (s ConnectionState) Present() bool {
	return s.PeripheralAddress != ""
}

// Age returns how long ago the connection was recorded, or the maximum
// duration if it never was.
func (s ConnectionState) Age(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(s.ConnectedAt)
}

func (s ConnectionState) String() string {
	return fmt.Sprintf("ConnectionState{device=%q (%s), weight=%.2f, stable=%t, autoReconnect=%t}",
		s.PeripheralName, s.PeripheralAddress, s.LastWeight, s.LastWeightStable, s.AutoReconnect)
}

// ConnectionStateStore persists the last-connected scale and its last weight.
type ConnectionStateStore struct {
	ns  Namespace
	now func() time.Time
}

// NewConnectionStateStore wraps ns.
func NewConnectionStateStore(ns Namespace) *ConnectionStateStore {
	return &ConnectionStateStore{ns: ns, now: time.Now}
}

// SaveConnection records a successful connection.
func (s *ConnectionStateStore) SaveConnection(address, name string, autoReconnect bool) error {
	return s.ns.Set(map[string]any{
		keyDeviceAddress:  address,
		keyDeviceName:     name,
		keyConnectionTime: s.now().UnixMilli(),
		keyAutoReconnect:  autoReconnect,
	})
}

// SaveWeight records the latest weight sample.
func (s *ConnectionStateStore) SaveWeight(weight float64, stable bool) error {
	return s.ns.Set(map[string]any{
		keyLastWeight:   weight,
		keyWeightStable: stable,
	})
}

// Clear forgets the connected scale. The last weight is kept.
func (s *ConnectionStateStore) Clear() error {
	return s.ns.Remove(keyDeviceAddress, keyDeviceName, keyConnectionTime, keyAutoReconnect)
}

// State reads the persisted record.
func (s *ConnectionStateStore) State() ConnectionState {
	st := ConnectionState{
		PeripheralAddress: s.ns.String(keyDeviceAddress, ""),
		PeripheralName:    s.ns.String(keyDeviceName, ""),
		LastWeight:        s.ns.Float64(keyLastWeight, 0),
		LastWeightStable:  s.ns.Bool(keyWeightStable, false),
		AutoReconnect:     s.ns.Bool(keyAutoReconnect, true),
	}
	if ms := s.ns.Int64(keyConnectionTime, 0); ms > 0 {
		st.ConnectedAt = time.UnixMilli(ms)
	}
	return st
}

func (s *ConnectionStateStore) HasPersistedConnection() bool {
	return s.ns.String(keyDeviceAddress, "") != ""
}

func (s *ConnectionStateStore) ShouldAutoReconnect() bool {
	return s.ns.Bool(keyAutoReconnect, true) && s.HasPersistedConnection()
}
