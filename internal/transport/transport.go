// Package transport connects the supervisor to the scale transport process.
// The process is launched independently and exposes its scale service over
// a websocket binding; events flow back as JSON frames.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnbound is returned by commands issued on a closed binding.
	ErrUnbound = errors.New("transport: binding closed")
)

// EventHandler receives events emitted by the transport process.
type EventHandler interface {
	OnConnectionStateChanged(connected bool, peripheralName string)
	OnWeightReceived(weight float64, stable bool)
	OnError(message string)
	OnStatusChanged(status string)
}

// Snapshot is the transport's current connection state.
type Snapshot struct {
	Connected  bool    `json:"connected"`
	Connecting bool    `json:"connecting"`
	DeviceName string  `json:"device_name"`
	Weight     float64 `json:"weight"`
	Stable     bool    `json:"stable"`
}

// Service is the scale service a transport process exposes.
type Service interface {
	ConnectToDevice(address, name string)
	Disconnect()
	Tare()
	Snapshot() Snapshot
	AddListener(h EventHandler)
	RemoveListener(h EventHandler)
}

// Launcher starts and stops the transport process.
type Launcher interface {
	Start(ctx context.Context) error
	Stop() error
	// Running reports whether the process launched by Start is still alive.
	Running() bool
}

// Binder attaches to a running transport process.
type Binder interface {
	Bind(ctx context.Context, h EventHandler) (Binding, error)
}

// Binding is a live attachment to the transport process.
type Binding interface {
	ConnectToDevice(address, name string) error
	Disconnect() error
	Tare() error
	// Snapshot returns the most recent state seen on the binding.
	Snapshot() Snapshot
	// Done is closed once the binding is gone, whether by Unbind or because
	// the process went away.
	Done() <-chan struct{}
	Unbind() error
}
